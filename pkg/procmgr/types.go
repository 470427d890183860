package procmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ProcessState represents the liveness state of a launched interpreter process
type ProcessState int

const (
	// ProcessStateStarting - process launched, readiness handshake pending
	ProcessStateStarting ProcessState = iota
	// ProcessStateRunning - process acknowledged the handshake and accepts requests
	ProcessStateRunning
	// ProcessStateDead - process crashed, was stopped or restarted
	ProcessStateDead
)

// String returns the string representation of a ProcessState
func (ps ProcessState) String() string {
	switch ps {
	case ProcessStateStarting:
		return "STARTING"
	case ProcessStateRunning:
		return "RUNNING"
	case ProcessStateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// ProcessID uniquely identifies a launched process (its launch token)
type ProcessID string

// ErrProcessNotRunning is returned when a request reaches a process that is
// not RUNNING. Callers relaunch and retry.
var ErrProcessNotRunning = errors.New("interpreter process is not running")

// RemoteProcess is a handle to a launched interpreter process
type RemoteProcess struct {
	ID        ProcessID
	SettingID string
	GroupKey  string
	Endpoint  string
	PID       int
	Isolated  bool
	StartedAt time.Time

	metrics MetricsCollector
	clock   Clock

	mu       sync.Mutex
	state    ProcessState
	refs     int
	conn     interpreter.Conn
	exitErr  error
	diedAt   time.Time
	deadCh   chan struct{}
	deadOnce sync.Once
}

// NewRemoteProcess creates a handle in STARTING state
func NewRemoteProcess(id ProcessID, opts ...Option) *RemoteProcess {
	p := &RemoteProcess{
		ID:      id,
		metrics: NewNoopMetricsCollector(),
		clock:   RealClock(),
		state:   ProcessStateStarting,
		deadCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.StartedAt = p.clock.Now()
	return p
}

// State returns the current liveness state
func (p *RemoteProcess) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MarkRunning completes the readiness handshake and attaches conn.
// Returns false if the process already died.
func (p *RemoteProcess) MarkRunning(conn interpreter.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ProcessStateStarting {
		return false
	}
	p.conn = conn
	p.transition(ProcessStateRunning)
	return true
}

// MarkDead moves the process to DEAD and closes its connection.
// It returns the previous state; calling it again is a no-op.
func (p *RemoteProcess) MarkDead(cause error) ProcessState {
	p.mu.Lock()
	prev := p.state
	if prev == ProcessStateDead {
		p.mu.Unlock()
		return prev
	}
	p.exitErr = cause
	p.diedAt = p.clock.Now()
	conn := p.conn
	p.conn = nil
	p.transition(ProcessStateDead)
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.deadOnce.Do(func() { close(p.deadCh) })
	return prev
}

// Dead is closed once the process reaches DEAD
func (p *RemoteProcess) Dead() <-chan struct{} {
	return p.deadCh
}

// Err returns the cause recorded when the process died
func (p *RemoteProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Retain records one more binding pointing at this process
func (p *RemoteProcess) Retain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs++
	return p.refs
}

// Release drops one binding and returns the remaining count
func (p *RemoteProcess) Release() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs > 0 {
		p.refs--
	}
	return p.refs
}

// Refs returns the number of bindings pointing at this process
func (p *RemoteProcess) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Uptime returns how long the process has been (or was) alive
func (p *RemoteProcess) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.diedAt.IsZero() {
		return p.diedAt.Sub(p.StartedAt)
	}
	return p.clock.Now().Sub(p.StartedAt)
}

// Execute forwards a request to the process. If the process is not RUNNING,
// or the transport reports it unavailable, ErrProcessNotRunning is returned.
func (p *RemoteProcess) Execute(ctx context.Context, req *interpreter.Request) (*interpreter.Result, error) {
	conn, err := p.runningConn()
	if err != nil {
		return nil, err
	}

	res, err := conn.Execute(ctx, req)
	if err != nil {
		if status.Code(err) == codes.Unavailable {
			p.MarkDead(err)
			return nil, fmt.Errorf("%w: %v", ErrProcessNotRunning, err)
		}
		if p.State() == ProcessStateDead {
			return nil, fmt.Errorf("%w: %v", ErrProcessNotRunning, err)
		}
		return nil, err
	}
	return res, nil
}

// Ping probes the process for liveness
func (p *RemoteProcess) Ping(ctx context.Context) error {
	conn, err := p.runningConn()
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

func (p *RemoteProcess) runningConn() (interpreter.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessStateRunning || p.conn == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrProcessNotRunning, p.ID, p.state)
	}
	return p.conn, nil
}

// transition must be called with mu held
func (p *RemoteProcess) transition(to ProcessState) {
	from := p.state
	p.state = to
	p.metrics.ProcessStateTransition(p.SettingID, from, to)
}

// Snapshot is a point-in-time view of a RemoteProcess
type Snapshot struct {
	ID        ProcessID     `json:"id"`
	SettingID string        `json:"setting_id"`
	GroupKey  string        `json:"group_key"`
	Endpoint  string        `json:"endpoint"`
	PID       int           `json:"pid"`
	Isolated  bool          `json:"isolated"`
	State     string        `json:"state"`
	Refs      int           `json:"refs"`
	Uptime    time.Duration `json:"uptime"`
}

// Snapshot returns the current view of the process
func (p *RemoteProcess) Snapshot() Snapshot {
	uptime := p.Uptime()

	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:        p.ID,
		SettingID: p.SettingID,
		GroupKey:  p.GroupKey,
		Endpoint:  p.Endpoint,
		PID:       p.PID,
		Isolated:  p.Isolated,
		State:     p.state.String(),
		Refs:      p.refs,
		Uptime:    uptime,
	}
}
