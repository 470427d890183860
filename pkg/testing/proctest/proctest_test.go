package proctest

import (
	"context"
	"testing"

	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spec() launcher.LaunchSpec {
	return launcher.LaunchSpec{
		Setting:  settings.Setting{ID: "python", Kind: "python", Launch: settings.LaunchParams{Binary: "host"}},
		GroupKey: "user1",
		Isolated: true,
	}
}

func TestFakeLauncher_LaunchRegistersMarkers(t *testing.T) {
	table := NewFakeProcessTable()
	l := NewFakeLauncher(table)
	ctx := context.Background()

	p, err := l.Launch(ctx, spec())
	require.NoError(t, err)
	assert.Equal(t, procmgr.ProcessStateRunning, p.State())

	pids, err := table.FindByEnv(ctx, launcher.EnvLaunchToken, string(p.ID))
	require.NoError(t, err)
	assert.Equal(t, []int{p.PID}, pids)

	values, err := table.EnvValues(ctx, launcher.EnvIsolated)
	require.NoError(t, err)
	assert.Equal(t, "true", values[p.PID])

	res, err := p.Execute(ctx, &interpreter.Request{Session: "user1", NoteID: "n", Payload: "print 7"})
	require.NoError(t, err)
	assert.Equal(t, "7\n", res.Output)
	assert.EqualValues(t, 1, l.Server(p).Executions())
}

func TestFakeLauncher_FailNext(t *testing.T) {
	l := NewFakeLauncher(NewFakeProcessTable())

	l.FailNext(1)
	_, err := l.Launch(context.Background(), spec())
	assert.True(t, launcher.IsErrorCode(err, launcher.ErrorCodeHandshakeFailed))

	_, err = l.Launch(context.Background(), spec())
	assert.NoError(t, err)
	assert.Equal(t, 2, l.Launches())
}

func TestFakeLauncher_TerminateStuck(t *testing.T) {
	table := NewFakeProcessTable()
	l := NewFakeLauncher(table)
	ctx := context.Background()

	p, err := l.Launch(ctx, spec())
	require.NoError(t, err)
	table.SetStuck(p.PID, true)

	err = l.Terminate(ctx, p)
	assert.ErrorIs(t, err, launcher.ErrProcessTerminationTimeout)
	assert.Equal(t, procmgr.ProcessStateDead, p.State())
	assert.Equal(t, 1, table.Len())

	table.SetStuck(p.PID, false)
	require.NoError(t, l.Terminate(ctx, p))
	assert.Equal(t, 0, table.Len())
}

func TestFakeLauncher_Crash(t *testing.T) {
	table := NewFakeProcessTable()
	l := NewFakeLauncher(table)

	p, err := l.Launch(context.Background(), spec())
	require.NoError(t, err)

	l.Crash(p)
	assert.ErrorIs(t, p.Err(), launcher.ErrProcessCrashed)
	exists, err := table.Exists(context.Background(), p.PID)
	require.NoError(t, err)
	assert.False(t, exists)
}
