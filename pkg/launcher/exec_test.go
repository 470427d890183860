package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. Launched processes re-execute the
// test binary and end up here, serving the interpreter RPC contract.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	ctx := context.Background()
	switch os.Getenv("HELPER_MODE") {
	case "crash":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
	default:
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGTERM)
		defer stop()
	}

	addr := net.JoinHostPort(os.Getenv(EnvHost), os.Getenv(EnvPort))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := interpreter.ListenAndServe(ctx, addr, os.Getenv(EnvIsolated) == "true", logger); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperSetting(mode string) settings.Setting {
	return settings.Setting{
		ID:   "helper",
		Kind: "python",
		Mode: isolation.BindingShared,
		Launch: settings.LaunchParams{
			Binary:        os.Args[0],
			Args:          []string{"-test.run=^TestHelperProcess$", "--"},
			RuntimeBinary: "/usr/bin/python3",
			Env: map[string]string{
				"GO_WANT_HELPER_PROCESS": "1",
				"HELPER_MODE":            mode,
			},
		},
		Properties: map[string]string{"zeppelin.python": "python3"},
	}
}

func newTestLauncher(t *testing.T, configure func(*Builder)) *ExecLauncher {
	t.Helper()
	if testing.Short() {
		t.Skip("launches processes")
	}

	b := NewBuilder().
		WithOwner("launcher-test").
		WithHandshakeTimeout(10 * time.Second).
		WithGracePeriod(time.Second).
		WithOutput(io.Discard, io.Discard)
	if configure != nil {
		configure(b)
	}

	l, err := b.Build()
	require.NoError(t, err)
	return l
}

// stuckTable reports every pid as present
type stuckTable struct{}

func (stuckTable) Exists(ctx context.Context, pid int) (bool, error) { return true, nil }
func (stuckTable) FindByEnv(ctx context.Context, key, value string) ([]int, error) {
	return nil, nil
}
func (stuckTable) EnvValues(ctx context.Context, key string) (map[int]string, error) {
	return nil, nil
}

func TestExecLauncher_LaunchAndTerminate(t *testing.T) {
	l := newTestLauncher(t, nil)
	table := procmgr.NewSystemProcessTable()
	ctx := context.Background()

	p, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("serve"), GroupKey: isolation.SharedKey})
	require.NoError(t, err)

	assert.Equal(t, procmgr.ProcessStateRunning, p.State())
	assert.Equal(t, "helper", p.SettingID)
	assert.Greater(t, p.PID, 0)
	assert.True(t, l.Tracked()[p.ID])

	res, err := p.Execute(ctx, &interpreter.Request{Payload: "x = 41 + 1\nprint x"})
	require.NoError(t, err)
	assert.Equal(t, interpreter.StatusFinished, res.Status)
	assert.Equal(t, "42\n", res.Output)

	alive, err := table.Exists(ctx, p.PID)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, l.Terminate(ctx, p))
	assert.Equal(t, procmgr.ProcessStateDead, p.State())
	assert.NoError(t, p.Err(), "requested stop is not a crash")
	assert.Empty(t, l.Tracked())

	alive, err = table.Exists(ctx, p.PID)
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = p.Execute(ctx, &interpreter.Request{Payload: "print x"})
	assert.ErrorIs(t, err, procmgr.ErrProcessNotRunning)
}

func TestExecLauncher_EnvironmentMarkers(t *testing.T) {
	l := newTestLauncher(t, nil)
	table := procmgr.NewSystemProcessTable()
	ctx := context.Background()

	p, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("serve"), GroupKey: "user1", Isolated: true})
	require.NoError(t, err)
	defer l.Terminate(ctx, p)

	markers := map[string]string{
		EnvLaunchToken:                        string(p.ID),
		EnvGroupKey:                           "user1",
		EnvIsolated:                           "true",
		EnvKind:                               "python",
		EnvOwner:                              "launcher-test",
		"PYTHON_BINARY":                       "/usr/bin/python3",
		EnvPropertyPrefix + "ZEPPELIN_PYTHON": "python3",
	}
	for key, value := range markers {
		pids, err := table.FindByEnv(ctx, key, value)
		require.NoError(t, err)
		assert.Contains(t, pids, p.PID, "%s=%s", key, value)
	}

	// isolated processes keep no state across notes
	_, err = p.Execute(ctx, &interpreter.Request{Session: "user1", NoteID: "note1", Payload: "x = 1"})
	require.NoError(t, err)
	res, err := p.Execute(ctx, &interpreter.Request{Session: "user1", NoteID: "note2", Payload: "print x"})
	require.NoError(t, err)
	assert.Equal(t, interpreter.StatusError, res.Status)
}

func TestExecLauncher_HandshakeFailureKillsProcess(t *testing.T) {
	l := newTestLauncher(t, func(b *Builder) {
		b.WithHandshakeTimeout(300 * time.Millisecond)
	})
	table := procmgr.NewSystemProcessTable()
	ctx := context.Background()

	_, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("hang"), GroupKey: isolation.SharedKey})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeHandshakeFailed), "got %v", err)

	var lerr *LauncherError
	require.True(t, errors.As(err, &lerr))
	pid, ok := lerr.Context["pid"].(int)
	require.True(t, ok)

	alive, err := table.Exists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, alive, "process must be reaped before the error returns")
	assert.Empty(t, l.Tracked())
}

func TestExecLauncher_ExitBeforeReady(t *testing.T) {
	l := newTestLauncher(t, nil)

	start := time.Now()
	_, err := l.Launch(context.Background(), LaunchSpec{Setting: helperSetting("crash"), GroupKey: isolation.SharedKey})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeHandshakeFailed))
	assert.Contains(t, err.Error(), "exited before becoming ready")
	assert.Less(t, time.Since(start), 5*time.Second, "exit is detected without waiting for the timeout")
}

func TestExecLauncher_CrashMarksDead(t *testing.T) {
	l := newTestLauncher(t, nil)
	ctx := context.Background()

	p, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("serve"), GroupKey: isolation.SharedKey})
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(p.PID, syscall.SIGKILL))

	select {
	case <-p.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("process not marked dead after crash")
	}
	assert.ErrorIs(t, p.Err(), ErrProcessCrashed)

	// cleaning up a crashed process still confirms it is gone
	assert.NoError(t, l.Terminate(ctx, p))
}

func TestExecLauncher_StubbornProcessIsKilled(t *testing.T) {
	l := newTestLauncher(t, func(b *Builder) {
		b.WithGracePeriod(200 * time.Millisecond)
	})
	ctx := context.Background()

	p, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("stubborn"), GroupKey: isolation.SharedKey})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Terminate(ctx, p))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestExecLauncher_TerminationTimeout(t *testing.T) {
	l := newTestLauncher(t, func(b *Builder) {
		b.WithProcessTable(stuckTable{}).WithConfirmTimeout(100 * time.Millisecond)
	})
	ctx := context.Background()

	p, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("serve"), GroupKey: isolation.SharedKey})
	require.NoError(t, err)

	err = l.Terminate(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessTerminationTimeout)
	assert.Equal(t, []int{p.PID}, RemainingPIDs(err))
	assert.Equal(t, procmgr.ProcessStateDead, p.State())
}

func TestExecLauncher_ExecutableNotFound(t *testing.T) {
	l := newTestLauncher(t, nil)

	setting := helperSetting("serve")
	setting.Launch.Binary = "/nonexistent/interpreter-host"

	_, err := l.Launch(context.Background(), LaunchSpec{Setting: setting, GroupKey: isolation.SharedKey})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrorCodeExecutableNotFound))
}

func TestExecLauncher_LaunchHonorsContext(t *testing.T) {
	l := newTestLauncher(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := l.Launch(ctx, LaunchSpec{Setting: helperSetting("hang"), GroupKey: isolation.SharedKey})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, l.Tracked())
}
