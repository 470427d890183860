package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Scope selects which groups of a setting a restart touches
type Scope struct {
	all bool
	key string
}

// ScopeAll matches every group of the setting
var ScopeAll = Scope{all: true}

// ScopeGroup matches the group with key
func ScopeGroup(key string) Scope {
	return Scope{key: key}
}

// ScopeFor returns the scope of the group a (user, note) request binds to
// under mode
func ScopeFor(mode isolation.BindingMode, userID, noteID string) Scope {
	return ScopeGroup(isolation.Resolve(mode, userID, noteID).Key)
}

// All reports whether the scope matches every group
func (s Scope) All() bool {
	return s.all
}

// Key returns the group key of a single-group scope
func (s Scope) Key() string {
	return s.key
}

func (s Scope) String() string {
	if s.all {
		return "all"
	}
	return "group:" + s.key
}

func (s Scope) matches(g *isolation.Group) bool {
	return s.all || g.ID.Key == s.key
}

// RestartResult reports what a restart or teardown did
type RestartResult struct {
	SettingID string `json:"setting_id"`
	// Groups is the number of groups matched by the scope
	Groups int `json:"groups"`
	// Stopped lists the processes torn down, as they were before termination
	Stopped []procmgr.Snapshot `json:"stopped"`
}

// NothingToRestart reports that no matched group had a process
func (r RestartResult) NothingToRestart() bool {
	return len(r.Stopped) == 0
}

// Restart terminates the processes of the matched groups. Bindings are kept;
// the next Execute against a group relaunches its process.
//
// Restarting again right away matches no process and reports
// NothingToRestart. A process that survives termination fails the restart
// with ProcessTerminationTimeout carrying the pids still present.
func (m *Manager) Restart(ctx context.Context, settingID string, scope Scope) (RestartResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Restart", trace.WithAttributes(
		attribute.String("setting_id", settingID),
		attribute.String("scope", scope.String()),
	))
	defer span.End()

	if _, ok := m.store.Get(settingID); !ok {
		return RestartResult{SettingID: settingID}, launcher.SettingNotFound(settingID)
	}

	var groups []*isolation.Group
	for _, g := range m.registry.List(settingID) {
		if scope.matches(g) {
			groups = append(groups, g)
		}
	}

	result, err := m.teardown(ctx, settingID, groups, false)
	for range result.Stopped {
		m.metrics.ProcessRestart(settingID)
	}
	span.SetAttributes(attribute.Int("stopped", len(result.Stopped)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restart failed")
		m.log.Error("interpreter restart failed", "setting_id", settingID, "scope", scope.String(), "error", err)
		return result, err
	}

	if result.NothingToRestart() {
		m.log.Info("nothing to restart", "setting_id", settingID, "scope", scope.String())
	} else {
		m.log.Info("restarted interpreter processes",
			"setting_id", settingID, "scope", scope.String(), "stopped", len(result.Stopped))
	}
	return result, nil
}

// RemoveSetting tears down every group of the setting and drops the groups.
// It works whether or not the setting is still stored.
func (m *Manager) RemoveSetting(ctx context.Context, settingID string) (RestartResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.RemoveSetting", trace.WithAttributes(
		attribute.String("setting_id", settingID),
	))
	defer span.End()

	result, err := m.teardown(ctx, settingID, m.registry.List(settingID), true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
		return result, err
	}

	m.log.Info("removed interpreter groups",
		"setting_id", settingID, "groups", result.Groups, "stopped", len(result.Stopped))
	return result, nil
}

// teardown terminates the processes of groups concurrently. With remove the
// groups are also dropped from the registry.
func (m *Manager) teardown(ctx context.Context, settingID string, groups []*isolation.Group, remove bool) (RestartResult, error) {
	result := RestartResult{SettingID: settingID, Groups: len(groups)}

	var (
		mu   sync.Mutex
		errs []error
		eg   errgroup.Group
	)
	for _, g := range groups {
		eg.Go(func() error {
			snap, err := m.teardownGroup(ctx, g, remove)

			mu.Lock()
			defer mu.Unlock()
			if snap != nil {
				result.Stopped = append(result.Stopped, *snap)
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(result.Stopped, func(i, j int) bool {
		if result.Stopped[i].SettingID != result.Stopped[j].SettingID {
			return result.Stopped[i].SettingID < result.Stopped[j].SettingID
		}
		return result.Stopped[i].GroupKey < result.Stopped[j].GroupKey
	})
	return result, joinTeardownErrors(settingID, errs)
}

// teardownGroup detaches and terminates the group's process under the group
// lock. It returns the process snapshot if there was one.
func (m *Manager) teardownGroup(ctx context.Context, g *isolation.Group, remove bool) (*procmgr.Snapshot, error) {
	if err := g.Lock(ctx); err != nil {
		return nil, err
	}
	defer g.Unlock()

	if g.Removed() {
		return nil, nil
	}
	if remove {
		m.registry.Remove(g)
	}

	p := g.Process()
	if p == nil {
		return nil, nil
	}
	snap := p.Snapshot()
	g.Detach()

	log := m.log.With("setting_id", g.ID.SettingID, "group_key", g.ID.Key, "pid", p.PID)
	log.Info("terminating interpreter process", "refs", snap.Refs)

	if err := m.terminate(ctx, p); err != nil {
		log.Error("interpreter process termination failed", "error", err)
		return &snap, err
	}
	return &snap, nil
}

// joinTeardownErrors merges per-group failures. Termination timeouts are
// folded into one error carrying every remaining pid.
func joinTeardownErrors(settingID string, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	var remaining []int
	for _, err := range errs {
		remaining = append(remaining, launcher.RemainingPIDs(err)...)
	}
	joined := errors.Join(errs...)
	if len(remaining) == 0 {
		return joined
	}
	sort.Ints(remaining)
	return launcher.ProcessTerminationTimeout(settingID, remaining, joined)
}
