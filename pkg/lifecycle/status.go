package lifecycle

import (
	"context"
	"fmt"

	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
)

// GroupStatus is a point-in-time view of one interpreter group
type GroupStatus struct {
	SettingID string            `json:"setting_id"`
	GroupKey  string            `json:"group_key"`
	Mode      string            `json:"mode"`
	Bindings  int               `json:"bindings"`
	Process   *procmgr.Snapshot `json:"process,omitempty"`
}

// Processes lists the groups of settingID, or of every setting when
// settingID is empty. It never waits behind a launch in progress.
func (m *Manager) Processes(settingID string) []GroupStatus {
	groups := m.registry.List(settingID)
	out := make([]GroupStatus, 0, len(groups))
	for _, g := range groups {
		st := GroupStatus{
			SettingID: g.ID.SettingID,
			GroupKey:  g.ID.Key,
			Mode:      g.Mode.String(),
			Bindings:  g.BindingCount(),
		}
		if p := g.Process(); p != nil {
			snap := p.Snapshot()
			st.Process = &snap
		}
		out = append(out, st)
	}
	return out
}

// ProcessCount returns how many OS processes carry the setting's marker,
// regardless of what the groups believe
func (m *Manager) ProcessCount(ctx context.Context, settingID string) (int, error) {
	pids, err := m.table.FindByEnv(ctx, launcher.EnvSettingID, settingID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan process table: %w", err)
	}
	return len(pids), nil
}

// Executions returns the number of retained execution handles
func (m *Manager) Executions() int {
	return m.executions.len()
}
