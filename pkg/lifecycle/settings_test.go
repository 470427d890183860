package lifecycle

import (
	"context"
	"testing"

	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveSetting_NewSetting(t *testing.T) {
	f := newFixture(t)

	result, err := f.m.SaveSetting(context.Background(), testSetting("spark", isolation.BindingScoped))
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.Relaunched)

	_, ok := f.m.Setting("spark")
	assert.True(t, ok)
	assert.Len(t, f.m.Settings(), 4)
}

func TestSaveSetting_ChangedModeTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "shared", "user1", "note1", "print 1")
	require.Equal(t, 1, f.count(t, "shared"))

	result, err := f.m.SaveSetting(ctx, testSetting("shared", isolation.BindingScoped))
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.True(t, result.Relaunched)
	assert.Len(t, result.Teardown.Stopped, 1)
	assert.Equal(t, 0, f.count(t, "shared"))
	assert.Empty(t, f.m.Processes("shared"))

	// the next execute follows the new mode
	f.run(t, "shared", "user1", "note1", "print 1")
	f.run(t, "shared", "user2", "note1", "print 1")
	assert.Equal(t, 2, f.count(t, "shared"))
}

func TestSaveSetting_UnchangedKeepsProcesses(t *testing.T) {
	f := newFixture(t)

	f.run(t, "shared", "user1", "note1", "print 1")

	result, err := f.m.SaveSetting(context.Background(), testSetting("shared", isolation.BindingShared))
	require.NoError(t, err)
	assert.False(t, result.Relaunched)
	assert.Equal(t, 1, f.count(t, "shared"))
	assert.Equal(t, 0, f.launcher.Terminations())
}

func TestSaveSetting_Invalid(t *testing.T) {
	f := newFixture(t)

	s := testSetting("broken", isolation.BindingShared)
	s.Launch.Binary = ""

	_, err := f.m.SaveSetting(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, launcher.ErrInvalidSetting)
	assert.ErrorIs(t, err, settings.ErrInvalid)
	_, ok := f.m.Setting("broken")
	assert.False(t, ok)
}

func TestDeleteSetting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "scoped", "user1", "note1", "print 1")

	result, err := f.m.DeleteSetting(ctx, "scoped")
	require.NoError(t, err)
	assert.Len(t, result.Stopped, 1)
	assert.Equal(t, 0, f.count(t, "scoped"))

	_, err = f.m.DeleteSetting(ctx, "scoped")
	assert.ErrorIs(t, err, launcher.ErrSettingNotFound)

	_, err = f.m.Execute(ctx, ExecutionRequest{SettingID: "scoped", UserID: "user1", NoteID: "note1"})
	assert.ErrorIs(t, err, launcher.ErrSettingNotFound)
}

func TestApplySettingChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "shared", "user1", "note1", "print 1")
	prev, _ := f.m.Setting("shared")

	// properties-only edits still require new processes
	next := prev.Clone()
	next.Properties = map[string]string{"zeppelin.python": "python3"}
	f.m.applySettingChange(ctx, settings.Change{ID: "shared", Previous: &prev, Current: &next})
	assert.Equal(t, 0, f.count(t, "shared"))

	f.run(t, "shared", "user1", "note1", "print 1")
	f.m.applySettingChange(ctx, settings.Change{ID: "shared", Previous: &next, Current: &next})
	assert.Equal(t, 1, f.count(t, "shared"))

	f.m.applySettingChange(ctx, settings.Change{ID: "shared", Previous: &next})
	assert.Equal(t, 0, f.count(t, "shared"))
	assert.Empty(t, f.m.Processes("shared"))
}

func TestRelease_LastBindingTearsDownGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "scoped", "user1", "note1", "print 1")
	f.run(t, "scoped", "user1", "note2", "print 1")

	result, err := f.m.Release(ctx, "scoped", "user1", "note1")
	require.NoError(t, err)
	assert.Equal(t, "user1", result.GroupKey)
	assert.Equal(t, 1, result.Unbound)
	assert.False(t, result.GroupRemoved)
	assert.Equal(t, 1, f.count(t, "scoped"))

	groups := f.m.Processes("scoped")
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Process.Refs)

	result, err = f.m.Release(ctx, "scoped", "user1", "note2")
	require.NoError(t, err)
	assert.True(t, result.GroupRemoved)
	require.NotNil(t, result.Stopped)
	assert.Equal(t, 0, f.count(t, "scoped"))
	assert.Empty(t, f.m.Processes("scoped"))
}

func TestRelease_UnknownGroupIsNoop(t *testing.T) {
	f := newFixture(t)

	result, err := f.m.Release(context.Background(), "scoped", "nobody", "note1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Unbound)
	assert.False(t, result.GroupRemoved)

	_, err = f.m.Release(context.Background(), "missing", "nobody", "note1")
	assert.ErrorIs(t, err, launcher.ErrSettingNotFound)
}
