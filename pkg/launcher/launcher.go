package launcher

import (
	"context"

	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
)

// Environment markers set on every launched interpreter process. The launch
// token doubles as the process table marker used to confirm termination and
// to find orphans.
const (
	EnvSettingID      = "INTERPRETER_SETTING_ID"
	EnvLaunchToken    = "INTERPRETER_LAUNCH_TOKEN"
	EnvGroupKey       = "INTERPRETER_GROUP_KEY"
	EnvHost           = "INTERPRETER_HOST"
	EnvPort           = "INTERPRETER_PORT"
	EnvIsolated       = "INTERPRETER_ISOLATED"
	EnvKind           = "INTERPRETER_KIND"
	EnvOwner          = "INTERPRETER_OWNER"
	EnvPropertyPrefix = "INTERPRETER_PROP_"
)

// LaunchSpec describes one process to launch for a group
type LaunchSpec struct {
	Setting  settings.Setting
	GroupKey string
	Isolated bool
}

// Launcher starts and stops interpreter processes
type Launcher interface {
	// Launch starts a process and blocks until it completes the readiness
	// handshake. The returned process is RUNNING. A process that fails the
	// handshake is killed and reaped before the error is returned.
	Launch(ctx context.Context, spec LaunchSpec) (*procmgr.RemoteProcess, error)

	// Terminate marks the process DEAD, stops it and confirms against the OS
	// process table that it is gone. It is safe to call on a process that
	// already exited.
	Terminate(ctx context.Context, p *procmgr.RemoteProcess) error
}
