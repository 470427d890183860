package procmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTable is the OS ground truth about which processes exist
type ProcessTable interface {
	// Exists reports whether pid is present and not a zombie
	Exists(ctx context.Context, pid int) (bool, error)

	// FindByEnv returns the pids whose environment contains key=value
	FindByEnv(ctx context.Context, key, value string) ([]int, error)

	// EnvValues returns the value of key for every live process carrying it,
	// keyed by pid
	EnvValues(ctx context.Context, key string) (map[int]string, error)
}

// SystemProcessTable queries the host process table through gopsutil
type SystemProcessTable struct{}

// NewSystemProcessTable creates a process table backed by the OS
func NewSystemProcessTable() *SystemProcessTable {
	return &SystemProcessTable{}
}

// Exists reports whether pid is present. Zombies count as gone: the process
// has exited and only awaits reaping.
func (t *SystemProcessTable) Exists(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false, err
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// vanished between the two calls
		return false, nil
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true, nil
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

// FindByEnv scans every process environment for key=value.
// Processes whose environment cannot be read (other users) are skipped.
func (t *SystemProcessTable) FindByEnv(ctx context.Context, key, value string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	want := key + "=" + value
	var pids []int
	for _, proc := range procs {
		env, err := proc.EnvironWithContext(ctx)
		if err != nil {
			continue
		}
		for _, kv := range env {
			if kv == want {
				if alive, _ := t.Exists(ctx, int(proc.Pid)); alive {
					pids = append(pids, int(proc.Pid))
				}
				break
			}
		}
	}
	return pids, nil
}

// EnvValues returns every value of key found in readable process environments
func (t *SystemProcessTable) EnvValues(ctx context.Context, key string) (map[int]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	prefix := key + "="
	values := make(map[int]string)
	for _, proc := range procs {
		env, err := proc.EnvironWithContext(ctx)
		if err != nil {
			continue
		}
		for _, kv := range env {
			if v, ok := strings.CutPrefix(kv, prefix); ok {
				if alive, _ := t.Exists(ctx, int(proc.Pid)); alive {
					values[int(proc.Pid)] = v
				}
				break
			}
		}
	}
	return values, nil
}

// WaitGone polls table until none of pids exist or ctx expires.
// It returns the pids still present when it gave up.
func WaitGone(ctx context.Context, table ProcessTable, pids []int, interval time.Duration) ([]int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	remaining := pids
	for {
		var still []int
		for _, pid := range remaining {
			ok, err := table.Exists(ctx, pid)
			if err != nil && ctx.Err() == nil {
				return remaining, fmt.Errorf("process table query failed: %w", err)
			}
			if ok || err != nil {
				still = append(still, pid)
			}
		}
		remaining = still
		if len(remaining) == 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return remaining, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Compile-time interface compliance check
var _ ProcessTable = (*SystemProcessTable)(nil)
