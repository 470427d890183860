package proctest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
)

// FakeLauncher launches in-process interpreters. Each launch gets a fresh
// Runtime behind a LocalConn, a fake pid registered in the process table
// with the same environment markers a real launch sets.
type FakeLauncher struct {
	table *FakeProcessTable
	log   *slog.Logger

	nextPID      atomic.Int64
	launches     atomic.Int64
	terminations atomic.Int64

	mu          sync.Mutex
	failures    int
	launchDelay time.Duration
	gate        chan struct{}
	servers     map[procmgr.ProcessID]*interpreter.Server
	conns       map[procmgr.ProcessID]*interpreter.LocalConn
	lastSpec    launcher.LaunchSpec
}

// NewFakeLauncher creates a launcher registering processes in table
func NewFakeLauncher(table *FakeProcessTable) *FakeLauncher {
	l := &FakeLauncher{
		table:   table,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		servers: make(map[procmgr.ProcessID]*interpreter.Server),
		conns:   make(map[procmgr.ProcessID]*interpreter.LocalConn),
	}
	l.nextPID.Store(100000)
	return l
}

// FailNext makes the next n launch attempts fail the readiness handshake
func (l *FakeLauncher) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

// SetLaunchDelay makes every launch take d
func (l *FakeLauncher) SetLaunchDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchDelay = d
}

// Block holds every launch until the returned release func is called
func (l *FakeLauncher) Block() (release func()) {
	gate := make(chan struct{})
	l.mu.Lock()
	l.gate = gate
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.gate = nil
			l.mu.Unlock()
			close(gate)
		})
	}
}

// Launches returns the number of launch attempts
func (l *FakeLauncher) Launches() int {
	return int(l.launches.Load())
}

// Terminations returns the number of Terminate calls
func (l *FakeLauncher) Terminations() int {
	return int(l.terminations.Load())
}

// LastSpec returns the spec of the most recent launch attempt
func (l *FakeLauncher) LastSpec() launcher.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSpec
}

// Server returns the in-process server backing p
func (l *FakeLauncher) Server(p *procmgr.RemoteProcess) *interpreter.Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.servers[p.ID]
}

// Launch implements launcher.Launcher
func (l *FakeLauncher) Launch(ctx context.Context, spec launcher.LaunchSpec) (*procmgr.RemoteProcess, error) {
	l.launches.Add(1)

	l.mu.Lock()
	l.lastSpec = spec
	gate := l.gate
	delay := l.launchDelay
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pid := int(l.nextPID.Add(1))
	endpoint := "local:" + strconv.Itoa(pid)
	if fail {
		return nil, launcher.HandshakeFailed(spec.Setting.ID, endpoint, pid, errors.New("injected handshake failure"))
	}

	token := uuid.NewString()
	server := interpreter.NewServer(interpreter.NewRuntime(), spec.Isolated, l.log)
	p := procmgr.NewRemoteProcess(procmgr.ProcessID(token),
		procmgr.WithSetting(spec.Setting.ID, spec.GroupKey),
		procmgr.WithEndpoint(endpoint),
		procmgr.WithPID(pid),
		procmgr.WithIsolation(spec.Isolated),
	)

	l.table.Add(pid, map[string]string{
		launcher.EnvSettingID:   spec.Setting.ID,
		launcher.EnvLaunchToken: token,
		launcher.EnvGroupKey:    spec.GroupKey,
		launcher.EnvIsolated:    strconv.FormatBool(spec.Isolated),
		launcher.EnvKind:        spec.Setting.Kind,
	})

	conn := interpreter.NewLocalConn(server)
	l.mu.Lock()
	l.servers[p.ID] = server
	l.conns[p.ID] = conn
	l.mu.Unlock()

	p.MarkRunning(conn)
	return p, nil
}

// Terminate implements launcher.Launcher
func (l *FakeLauncher) Terminate(ctx context.Context, p *procmgr.RemoteProcess) error {
	l.terminations.Add(1)
	p.MarkDead(nil)

	if !l.table.Remove(p.PID) {
		return launcher.ProcessTerminationTimeout(p.SettingID, []int{p.PID}, context.DeadlineExceeded)
	}

	l.mu.Lock()
	delete(l.servers, p.ID)
	delete(l.conns, p.ID)
	l.mu.Unlock()
	return nil
}

// Disconnect makes p unreachable while it stays RUNNING and present in the
// process table, like a hung process
func (l *FakeLauncher) Disconnect(p *procmgr.RemoteProcess) {
	l.mu.Lock()
	conn := l.conns[p.ID]
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Crash simulates the process exiting on its own
func (l *FakeLauncher) Crash(p *procmgr.RemoteProcess) {
	l.table.Remove(p.PID)
	p.MarkDead(launcher.ProcessCrashed(p.SettingID, p.PID, errors.New("signal: killed")))
}

var _ launcher.Launcher = (*FakeLauncher)(nil)
