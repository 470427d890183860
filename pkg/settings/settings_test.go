package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pythonSetting(mode isolation.BindingMode) Setting {
	return Setting{
		ID:   "python",
		Kind: "python",
		Mode: mode,
		Launch: LaunchParams{
			Binary:        "/usr/local/bin/interpreter-host",
			Env:           map[string]string{"PYTHONUNBUFFERED": "1"},
			RuntimeBinary: "/usr/bin/python3",
		},
	}
}

func TestSetting_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Setting)
		wantErr string
	}{
		{name: "valid", mutate: func(s *Setting) {}},
		{name: "missing id", mutate: func(s *Setting) { s.ID = "" }, wantErr: "id is required"},
		{name: "bad id", mutate: func(s *Setting) { s.ID = "py thon" }, wantErr: "must match"},
		{name: "missing kind", mutate: func(s *Setting) { s.Kind = "" }, wantErr: "kind is required"},
		{name: "bad mode", mutate: func(s *Setting) { s.Mode = isolation.BindingMode(7) }, wantErr: "invalid mode"},
		{name: "missing binary", mutate: func(s *Setting) { s.Launch.Binary = "" }, wantErr: "launch.binary"},
		{name: "bad env name", mutate: func(s *Setting) { s.Launch.Env["A=B"] = "x" }, wantErr: "environment variable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := pythonSetting(isolation.BindingShared)
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetting_CloneIsDeep(t *testing.T) {
	s := pythonSetting(isolation.BindingScoped)
	c := s.Clone()
	c.Launch.Env["PYTHONUNBUFFERED"] = "0"

	assert.Equal(t, "1", s.Launch.Env["PYTHONUNBUFFERED"])
}

func TestSetting_RequiresRelaunch(t *testing.T) {
	base := pythonSetting(isolation.BindingShared)

	assert.False(t, base.RequiresRelaunch(base.Clone()))

	modeChanged := base.Clone()
	modeChanged.Mode = isolation.BindingIsolated
	assert.True(t, base.RequiresRelaunch(modeChanged))

	envChanged := base.Clone()
	envChanged.Launch.Env["NEW"] = "1"
	assert.True(t, base.RequiresRelaunch(envChanged))

	emptyArgs := base.Clone()
	emptyArgs.Launch.Args = []string{}
	assert.False(t, base.RequiresRelaunch(emptyArgs), "nil and empty args are equal")
}

func TestSetting_RuntimeBinaryVar(t *testing.T) {
	assert.Equal(t, "PYTHON_BINARY", Setting{Kind: "python"}.RuntimeBinaryVar())
	assert.Equal(t, "SPARK_SQL_BINARY", Setting{Kind: "spark.sql"}.RuntimeBinaryVar())
}

func TestStore_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interpreters.yaml")
	content := `
settings:
  - id: python
    kind: python
    mode: scoped
    launch:
      binary: /opt/interpreter-host
      args: ["--verbose"]
      runtime_binary: /usr/bin/python3
  - id: md
    kind: markdown
    mode: shared
    launch:
      binary: /opt/interpreter-host
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := NewStore(path, nil)
	require.NoError(t, store.Load())

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "md", list[0].ID)

	python, ok := store.Get("python")
	require.True(t, ok)
	assert.Equal(t, isolation.BindingScoped, python.Mode)
	assert.Equal(t, []string{"--verbose"}, python.Launch.Args)
	assert.Equal(t, "/usr/bin/python3", python.Launch.RuntimeBinary)
}

func TestStore_LoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, store.Load())
	assert.Empty(t, store.List())
}

func TestStore_LoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interpreters.yaml")

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  - id: x\n    kind: k\n    mode: sideways\n"), 0o644))
	assert.Error(t, NewStore(path, nil).Load())

	dup := "settings:\n" +
		"  - {id: a, kind: k, mode: shared, launch: {binary: /bin/x}}\n" +
		"  - {id: a, kind: k, mode: shared, launch: {binary: /bin/x}}\n"
	require.NoError(t, os.WriteFile(path, []byte(dup), 0o644))
	err := NewStore(path, nil).Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_PutPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "interpreters.yaml")
	store := NewStore(path, nil)

	_, existed, err := store.Put(pythonSetting(isolation.BindingShared))
	require.NoError(t, err)
	assert.False(t, existed)

	next := pythonSetting(isolation.BindingIsolated)
	prev, existed, err := store.Put(next)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, isolation.BindingShared, prev.Mode)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mode: isolated")

	reloaded := NewStore(path, nil)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Get("python")
	require.True(t, ok)
	assert.Equal(t, next, got)
}

func TestStore_PutRejectsInvalid(t *testing.T) {
	store := NewStore("", nil)

	_, _, err := store.Put(Setting{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, store.List())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore("", nil)
	_, _, err := store.Put(pythonSetting(isolation.BindingShared))
	require.NoError(t, err)

	got, _ := store.Get("python")
	got.Launch.Env["PYTHONUNBUFFERED"] = "changed"

	again, _ := store.Get("python")
	assert.Equal(t, "1", again.Launch.Env["PYTHONUNBUFFERED"])
}

func TestStore_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interpreters.yaml")
	store := NewStore(path, nil)
	_, _, err := store.Put(pythonSetting(isolation.BindingShared))
	require.NoError(t, err)

	ok, err := store.Delete("python")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete("python")
	require.NoError(t, err)
	assert.False(t, ok)

	reloaded := NewStore(path, nil)
	require.NoError(t, reloaded.Load())
	assert.Empty(t, reloaded.List())
}

func TestDiff(t *testing.T) {
	a := pythonSetting(isolation.BindingShared)
	b := a.Clone()
	b.Mode = isolation.BindingScoped
	md := Setting{ID: "md", Kind: "markdown", Launch: LaunchParams{Binary: "/bin/md"}}

	changes := diff(
		map[string]Setting{"python": a, "md": md},
		map[string]Setting{"python": b, "sh": {ID: "sh", Kind: "sh", Launch: LaunchParams{Binary: "/bin/sh"}}},
	)

	require.Len(t, changes, 3)
	assert.Equal(t, "md", changes[0].ID)
	assert.True(t, changes[0].Removed())
	assert.Equal(t, "python", changes[1].ID)
	assert.Equal(t, isolation.BindingScoped, changes[1].Current.Mode)
	assert.Equal(t, "sh", changes[2].ID)
	assert.Nil(t, changes[2].Previous)
}

func TestStore_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interpreters.yaml")
	store := NewStore(path, nil)
	_, _, err := store.Put(pythonSetting(isolation.BindingShared))
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		changes []Change
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, 10*time.Millisecond, func(ctx context.Context, c Change) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		})
	}()

	// external edit: switch python to isolated
	edited := "settings:\n  - {id: python, kind: python, mode: isolated, launch: {binary: /usr/local/bin/interpreter-host}}\n"
	require.Eventually(t, func() bool {
		// rewrite until the watcher is registered and reports
		_ = os.WriteFile(path, []byte(edited), 0o644)
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0
	}, 5*time.Second, 100*time.Millisecond)

	mu.Lock()
	first := changes[0]
	mu.Unlock()
	assert.Equal(t, "python", first.ID)
	assert.Equal(t, isolation.BindingIsolated, first.Current.Mode)

	got, _ := store.Get("python")
	assert.Equal(t, isolation.BindingIsolated, got.Mode)

	cancel()
	assert.NoError(t, <-done)
}

func TestStore_WatchRequiresPath(t *testing.T) {
	err := NewStore("", nil).Watch(context.Background(), time.Millisecond, func(context.Context, Change) {})
	assert.Error(t, err)
}
