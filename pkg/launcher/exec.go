package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"golang.org/x/time/rate"
)

// Config holds the ExecLauncher configuration
type Config struct {
	// ListenHost is the loopback address launched processes listen on
	ListenHost string

	// Owner is written to EnvOwner so orphan sweeps only touch our processes
	Owner string

	// HandshakeTimeout bounds the readiness handshake of one launch attempt
	HandshakeTimeout time.Duration

	// HandshakeInterval is the delay between readiness probes
	HandshakeInterval time.Duration

	// GracePeriod is how long a process gets to exit after SIGTERM
	GracePeriod time.Duration

	// ConfirmTimeout bounds the wait for the process table to drop the process
	ConfirmTimeout time.Duration

	// PollInterval is the process table polling interval
	PollInterval time.Duration

	// SpawnRate limits how many processes are started per second
	SpawnRate rate.Limit

	// SpawnBurst is the number of processes that may start back to back
	SpawnBurst int

	// Stdout and Stderr receive the output of launched processes
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the default launcher configuration
func DefaultConfig() *Config {
	return &Config{
		ListenHost:        "127.0.0.1",
		Owner:             "interpd",
		HandshakeTimeout:  10 * time.Second,
		HandshakeInterval: 50 * time.Millisecond,
		GracePeriod:       5 * time.Second,
		ConfirmTimeout:    5 * time.Second,
		PollInterval:      50 * time.Millisecond,
		SpawnRate:         10,
		SpawnBurst:        5,
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	}
}

// DialFunc opens the RPC connection to a launched process
type DialFunc func(endpoint string) (interpreter.Conn, error)

func dialInterpreter(endpoint string) (interpreter.Conn, error) {
	client, err := interpreter.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// child tracks the OS side of a launched process
type child struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	stopping atomic.Bool
}

// ExecLauncher launches interpreter processes as local OS processes
type ExecLauncher struct {
	config  *Config
	table   procmgr.ProcessTable
	metrics procmgr.MetricsCollector
	limiter *rate.Limiter
	dial    DialFunc
	log     *slog.Logger

	mu       sync.Mutex
	children map[procmgr.ProcessID]*child
}

// NewExecLauncher creates a launcher. Nil dependencies fall back to the OS
// process table, no-op metrics and the default logger.
func NewExecLauncher(config *Config, table procmgr.ProcessTable, metrics procmgr.MetricsCollector, logger *slog.Logger) *ExecLauncher {
	if config == nil {
		config = DefaultConfig()
	}
	if table == nil {
		table = procmgr.NewSystemProcessTable()
	}
	if metrics == nil {
		metrics = procmgr.NewNoopMetricsCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecLauncher{
		config:   config,
		table:    table,
		metrics:  metrics,
		limiter:  rate.NewLimiter(config.SpawnRate, config.SpawnBurst),
		dial:     dialInterpreter,
		log:      logger.With("component", "launcher"),
		children: make(map[procmgr.ProcessID]*child),
	}
}

// Launch implements Launcher
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (*procmgr.RemoteProcess, error) {
	start := time.Now()
	p, err := l.launch(ctx, spec)
	l.metrics.ProcessLaunchDuration(spec.Setting.ID, time.Since(start), err)
	if err != nil {
		code := GetErrorCode(err)
		if code == "" {
			code = ErrorCodeLaunchFailed
		}
		l.metrics.ProcessError(spec.Setting.ID, string(code))
	}
	return p, err
}

func (l *ExecLauncher) launch(ctx context.Context, spec LaunchSpec) (*procmgr.RemoteProcess, error) {
	setting := spec.Setting

	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for spawn slot: %w", err)
	}

	path, err := exec.LookPath(setting.Launch.Binary)
	if err != nil {
		return nil, ExecutableNotFound(setting.ID, setting.Launch.Binary, err)
	}

	port, err := l.allocatePort()
	if err != nil {
		return nil, PortAllocationFailed(setting.ID, err)
	}

	token := uuid.NewString()
	endpoint := net.JoinHostPort(l.config.ListenHost, strconv.Itoa(port))

	// Not CommandContext: the process outlives the launch request
	cmd := exec.Command(path, setting.Launch.Args...)
	cmd.Dir = setting.Launch.WorkDir
	cmd.Env = l.environment(spec, token, port)
	cmd.Stdout = l.config.Stdout
	cmd.Stderr = l.config.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, NewError(ErrorCodeLaunchFailed,
			fmt.Sprintf("Failed to start interpreter '%s'", setting.ID)).
			WithContext("setting_id", setting.ID).
			WithContext("executable_path", path).
			WithCause(err)
	}

	pid := cmd.Process.Pid
	p := procmgr.NewRemoteProcess(procmgr.ProcessID(token),
		procmgr.WithSetting(setting.ID, spec.GroupKey),
		procmgr.WithEndpoint(endpoint),
		procmgr.WithPID(pid),
		procmgr.WithIsolation(spec.Isolated),
		procmgr.WithMetricsCollector(l.metrics),
	)

	c := &child{cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.children[p.ID] = c
	l.mu.Unlock()

	log := l.log.With("setting_id", setting.ID, "group_key", spec.GroupKey, "pid", pid)
	log.Info("launched interpreter process", "endpoint", endpoint, "token", token)

	go l.reap(p, c, log)

	conn, err := l.handshake(ctx, endpoint, c)
	if err != nil {
		c.stopping.Store(true)
		l.kill(pid)
		<-c.done
		l.forget(p.ID)
		herr := HandshakeFailed(setting.ID, endpoint, pid, err)
		p.MarkDead(herr)
		log.Warn("interpreter failed readiness handshake", "error", err)
		return nil, herr
	}

	if !p.MarkRunning(conn) {
		_ = conn.Close()
		return nil, HandshakeFailed(setting.ID, endpoint, pid, p.Err())
	}

	log.Info("interpreter process ready")
	return p, nil
}

// reap waits for the process to exit. An exit nobody asked for is a crash.
func (l *ExecLauncher) reap(p *procmgr.RemoteProcess, c *child, log *slog.Logger) {
	err := c.cmd.Wait()
	c.exitErr = err
	close(c.done)

	if c.stopping.Load() {
		p.MarkDead(nil)
		return
	}
	if p.MarkDead(ProcessCrashed(p.SettingID, p.PID, err)) != procmgr.ProcessStateDead {
		l.metrics.ProcessError(p.SettingID, "crashed")
		log.Warn("interpreter process exited unexpectedly", "error", err)
	}
}

// handshake probes the endpoint until the process reports SERVING
func (l *ExecLauncher) handshake(ctx context.Context, endpoint string, c *child) (interpreter.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.HandshakeTimeout)
	defer cancel()

	conn, err := l.dial(endpoint)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(l.config.HandshakeInterval)
	defer ticker.Stop()

	for {
		lastErr := conn.Ping(ctx)
		if lastErr == nil {
			return conn, nil
		}

		select {
		case <-c.done:
			_ = conn.Close()
			return nil, fmt.Errorf("process exited before becoming ready: %v", c.exitErr)
		case <-ctx.Done():
			_ = conn.Close()
			return nil, fmt.Errorf("%w (last probe: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Terminate implements Launcher
func (l *ExecLauncher) Terminate(ctx context.Context, p *procmgr.RemoteProcess) error {
	start := time.Now()
	log := l.log.With("setting_id", p.SettingID, "group_key", p.GroupKey, "pid", p.PID)

	l.mu.Lock()
	c := l.children[p.ID]
	delete(l.children, p.ID)
	l.mu.Unlock()

	if c != nil {
		c.stopping.Store(true)
	}
	p.MarkDead(nil)

	if c != nil {
		l.stop(ctx, p.PID, c, log)
	}

	err := l.confirm(ctx, p)
	l.metrics.ProcessTerminationDuration(p.SettingID, time.Since(start))
	if err != nil {
		log.Error("interpreter process did not terminate", "error", err)
		return err
	}

	log.Info("interpreter process terminated", "duration", time.Since(start))
	return nil
}

// stop sends SIGTERM to the process group, then SIGKILL after the grace period
func (l *ExecLauncher) stop(ctx context.Context, pid int, c *child, log *slog.Logger) {
	select {
	case <-c.done:
		return
	default:
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(l.config.GracePeriod)
	defer grace.Stop()

	select {
	case <-c.done:
		return
	case <-grace.C:
		log.Warn("interpreter process did not exit within grace period, force killing")
	case <-ctx.Done():
	}

	l.kill(pid)

	select {
	case <-c.done:
	case <-time.After(l.config.ConfirmTimeout):
	}
}

// confirm waits until neither the pid nor any process carrying the launch
// token is present in the process table
func (l *ExecLauncher) confirm(ctx context.Context, p *procmgr.RemoteProcess) error {
	ctx, cancel := context.WithTimeout(ctx, l.config.ConfirmTimeout)
	defer cancel()

	pids := []int{p.PID}
	marked, err := l.table.FindByEnv(ctx, EnvLaunchToken, string(p.ID))
	if err != nil {
		l.log.Warn("process table scan failed", "setting_id", p.SettingID, "error", err)
	}
	for _, pid := range marked {
		if pid != p.PID {
			// escaped the process group
			l.kill(pid)
			pids = append(pids, pid)
		}
	}

	remaining, err := procmgr.WaitGone(ctx, l.table, pids, l.config.PollInterval)
	if len(remaining) > 0 || err != nil {
		return ProcessTerminationTimeout(p.SettingID, remaining, err)
	}
	return nil
}

// kill sends SIGKILL to the process group and the process itself
func (l *ExecLauncher) kill(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

func (l *ExecLauncher) forget(id procmgr.ProcessID) {
	l.mu.Lock()
	delete(l.children, id)
	l.mu.Unlock()
}

// Tracked returns the launch tokens of processes this launcher started and
// has not yet terminated
func (l *ExecLauncher) Tracked() map[procmgr.ProcessID]bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tracked := make(map[procmgr.ProcessID]bool, len(l.children))
	for id := range l.children {
		tracked[id] = true
	}
	return tracked
}

// Owner returns the owner marker written into launched processes
func (l *ExecLauncher) Owner() string {
	return l.config.Owner
}

// allocatePort asks the kernel for a free loopback port
func (l *ExecLauncher) allocatePort() (int, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(l.config.ListenHost, "0"))
	if err != nil {
		return 0, err
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

// environment builds the child environment. Later entries win, so the
// interpreter markers cannot be overridden by the setting.
func (l *ExecLauncher) environment(spec LaunchSpec, token string, port int) []string {
	setting := spec.Setting
	env := os.Environ()

	for _, k := range sortedKeys(setting.Launch.Env) {
		env = append(env, k+"="+setting.Launch.Env[k])
	}
	for _, k := range sortedKeys(setting.Properties) {
		env = append(env, EnvPropertyPrefix+settings.EnvName(k)+"="+setting.Properties[k])
	}
	if setting.Launch.RuntimeBinary != "" {
		env = append(env, setting.RuntimeBinaryVar()+"="+setting.Launch.RuntimeBinary)
	}

	return append(env,
		EnvSettingID+"="+setting.ID,
		EnvLaunchToken+"="+token,
		EnvGroupKey+"="+spec.GroupKey,
		EnvHost+"="+l.config.ListenHost,
		EnvPort+"="+strconv.Itoa(port),
		EnvIsolated+"="+strconv.FormatBool(spec.Isolated),
		EnvKind+"="+setting.Kind,
		EnvOwner+"="+l.config.Owner,
	)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compile-time interface compliance check
var _ Launcher = (*ExecLauncher)(nil)
