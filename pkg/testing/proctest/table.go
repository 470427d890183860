// Package proctest provides in-process fakes of the OS process table and the
// process launcher so lifecycle behavior can be tested without spawning
// processes.
package proctest

import (
	"context"
	"sort"
	"sync"

	"github.com/jrepp/prism-interpreters/pkg/procmgr"
)

// FakeProcessTable is an in-memory process table
type FakeProcessTable struct {
	mu    sync.Mutex
	procs map[int]map[string]string
	stuck map[int]bool
}

// NewFakeProcessTable creates an empty table
func NewFakeProcessTable() *FakeProcessTable {
	return &FakeProcessTable{
		procs: make(map[int]map[string]string),
		stuck: make(map[int]bool),
	}
}

// Add registers a live process with its environment
func (t *FakeProcessTable) Add(pid int, env map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := make(map[string]string, len(env))
	for k, v := range env {
		copied[k] = v
	}
	t.procs[pid] = copied
}

// Remove drops a process unless it was marked stuck. It reports whether the
// process is gone.
func (t *FakeProcessTable) Remove(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stuck[pid] {
		return false
	}
	delete(t.procs, pid)
	return true
}

// SetStuck makes Remove ignore pid, simulating a process that survives SIGKILL
func (t *FakeProcessTable) SetStuck(pid int, stuck bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stuck[pid] = stuck
}

// Len returns the number of live processes
func (t *FakeProcessTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Exists implements procmgr.ProcessTable
func (t *FakeProcessTable) Exists(ctx context.Context, pid int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok, nil
}

// FindByEnv implements procmgr.ProcessTable
func (t *FakeProcessTable) FindByEnv(ctx context.Context, key, value string) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pids []int
	for pid, env := range t.procs {
		if v, ok := env[key]; ok && v == value {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// EnvValues implements procmgr.ProcessTable
func (t *FakeProcessTable) EnvValues(ctx context.Context, key string) (map[int]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	values := make(map[int]string)
	for pid, env := range t.procs {
		if v, ok := env[key]; ok {
			values[pid] = v
		}
	}
	return values, nil
}

var _ procmgr.ProcessTable = (*FakeProcessTable)(nil)
