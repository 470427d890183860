// Package launcher starts and stops interpreter processes as local OS
// processes.
//
// A launch allocates a loopback TCP port, starts the setting's binary in its
// own process group with an environment overlay, and waits for the process to
// report SERVING on the gRPC health service. A process that fails the
// handshake is killed and reaped before the error is returned, so a failed
// launch never leaves a process behind.
//
// # Quick Start
//
//	l, err := launcher.NewBuilder().
//	    WithHandshakeTimeout(20 * time.Second).
//	    WithGracePeriod(2 * time.Second).
//	    Build()
//	if err != nil {
//	    return err
//	}
//
//	p, err := l.Launch(ctx, launcher.LaunchSpec{
//	    Setting:  setting,
//	    GroupKey: "user1",
//	})
//	...
//	err = l.Terminate(ctx, p)
//
// # Process Environment
//
// Every launched process receives:
//
//   - INTERPRETER_SETTING_ID: the setting id
//   - INTERPRETER_LAUNCH_TOKEN: a unique token per launch
//   - INTERPRETER_GROUP_KEY: the group key (user id, or "shared")
//   - INTERPRETER_HOST, INTERPRETER_PORT: where to serve the RPC contract
//   - INTERPRETER_ISOLATED: "true" when no state may survive across notes
//   - INTERPRETER_KIND: the interpreter kind
//   - INTERPRETER_OWNER: the owning daemon, for orphan sweeps
//   - <KIND>_BINARY: the runtime binary, when the setting names one
//   - INTERPRETER_PROP_<NAME>: one per setting property
//
// # Termination
//
// Terminate marks the process DEAD, sends SIGTERM to its process group, waits
// the grace period, then sends SIGKILL. Termination is only reported as done
// once the OS process table holds neither the pid nor any process carrying
// the launch token. Otherwise ProcessTerminationTimeout is returned with the
// pids still present:
//
//	if err := l.Terminate(ctx, p); errors.Is(err, launcher.ErrProcessTerminationTimeout) {
//	    log.Error("stuck interpreter", "pids", launcher.RemainingPIDs(err))
//	}
//
// # Orphans
//
// OrphanDetector periodically scans the process table for processes carrying
// this daemon's owner marker whose launch token is no longer tracked, and
// terminates them.
//
// # Troubleshooting
//
// Process won't start:
//   - Check the binary exists and is executable: ls -la <launch.binary>
//   - Check the process serves the RPC contract on INTERPRETER_PORT
//
// Orphan processes:
//   - Find them by marker: grep -l INTERPRETER_OWNER /proc/*/environ
//   - Check orphan detector logs for "found orphaned interpreter processes"
package launcher
