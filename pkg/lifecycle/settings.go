package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
)

// SaveResult reports the outcome of SaveSetting
type SaveResult struct {
	Setting settings.Setting `json:"setting"`
	Created bool             `json:"created"`
	// Relaunched is set when the change tore down running processes
	Relaunched bool          `json:"relaunched"`
	Teardown   RestartResult `json:"teardown"`
}

// Settings returns every stored setting
func (m *Manager) Settings() []settings.Setting {
	return m.store.List()
}

// Setting returns the stored setting with id
func (m *Manager) Setting(id string) (settings.Setting, bool) {
	return m.store.Get(id)
}

// SaveSetting validates and persists setting. If an existing setting changed
// in a way running processes cannot pick up (kind, mode, launch parameters or
// properties), every group of the setting is torn down and dropped; new
// executions launch with the saved values.
func (m *Manager) SaveSetting(ctx context.Context, setting settings.Setting) (SaveResult, error) {
	prev, existed, err := m.store.Put(setting)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			return SaveResult{}, launcher.InvalidSetting(setting.ID, err)
		}
		return SaveResult{}, fmt.Errorf("failed to save setting %s: %w", setting.ID, err)
	}

	result := SaveResult{Setting: setting, Created: !existed}
	m.log.Info("saved interpreter setting", "setting_id", setting.ID, "mode", setting.Mode, "created", !existed)

	if existed && prev.RequiresRelaunch(setting) {
		result.Relaunched = true
		result.Teardown, err = m.RemoveSetting(ctx, setting.ID)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// DeleteSetting removes the setting and tears down its groups
func (m *Manager) DeleteSetting(ctx context.Context, settingID string) (RestartResult, error) {
	deleted, err := m.store.Delete(settingID)
	if err != nil {
		return RestartResult{SettingID: settingID}, fmt.Errorf("failed to delete setting %s: %w", settingID, err)
	}
	if !deleted {
		return RestartResult{SettingID: settingID}, launcher.SettingNotFound(settingID)
	}

	m.log.Info("deleted interpreter setting", "setting_id", settingID)
	return m.RemoveSetting(ctx, settingID)
}

// WatchSettings applies external edits of the settings file until ctx is
// done. A changed or removed setting is handled like SaveSetting or
// DeleteSetting.
func (m *Manager) WatchSettings(ctx context.Context, debounce time.Duration) error {
	return m.store.Watch(ctx, debounce, m.applySettingChange)
}

func (m *Manager) applySettingChange(ctx context.Context, change settings.Change) {
	switch {
	case change.Removed():
		m.log.Info("setting removed from file", "setting_id", change.ID)
	case change.Previous == nil:
		m.log.Info("setting added from file", "setting_id", change.ID)
		return
	case !change.Previous.RequiresRelaunch(*change.Current):
		return
	default:
		m.log.Info("setting changed on disk, tearing down its processes", "setting_id", change.ID)
	}

	if _, err := m.RemoveSetting(ctx, change.ID); err != nil {
		m.log.Error("failed to apply setting change", "setting_id", change.ID, "error", err)
	}
}

// ReleaseResult reports the outcome of Release
type ReleaseResult struct {
	SettingID string `json:"setting_id"`
	GroupKey  string `json:"group_key"`
	// Unbound is the number of paragraph bindings removed
	Unbound int `json:"unbound"`
	// GroupRemoved is set when the last binding went away
	GroupRemoved bool              `json:"group_removed"`
	Stopped      *procmgr.Snapshot `json:"stopped,omitempty"`
}

// Release drops every binding of a note from the group the (user, note) pair
// resolves to. When the group has no bindings left, its process is
// terminated and the group dropped.
func (m *Manager) Release(ctx context.Context, settingID, userID, noteID string) (ReleaseResult, error) {
	setting, ok := m.store.Get(settingID)
	if !ok {
		return ReleaseResult{SettingID: settingID}, launcher.SettingNotFound(settingID)
	}

	binding := isolation.Resolve(setting.Mode, userID, noteID)
	result := ReleaseResult{SettingID: settingID, GroupKey: binding.Key}

	g, ok := m.registry.Get(isolation.GroupID{SettingID: settingID, Key: binding.Key})
	if !ok {
		return result, nil
	}
	if err := g.Lock(ctx); err != nil {
		return result, err
	}
	defer g.Unlock()

	if g.Removed() {
		return result, nil
	}

	result.Unbound = g.UnbindNote(noteID)
	if g.BindingCount() > 0 {
		return result, nil
	}

	m.registry.Remove(g)
	result.GroupRemoved = true
	m.log.Info("last binding released, dropping group", "setting_id", settingID, "group_key", binding.Key)

	p := g.Detach()
	if p == nil {
		return result, nil
	}
	snap := p.Snapshot()
	result.Stopped = &snap
	return result, m.terminate(ctx, p)
}
