package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes one setting that differs after the file was edited.
// Previous is nil for an added setting, Current is nil for a removed one.
type Change struct {
	ID       string
	Previous *Setting
	Current  *Setting
}

// Removed reports whether the setting was deleted
func (c Change) Removed() bool {
	return c.Current == nil
}

// ChangeFunc receives changes detected by Watch
type ChangeFunc func(ctx context.Context, change Change)

// Watch reloads the settings file when it is edited externally and reports
// each differing setting to onChange. It blocks until ctx is done.
// The parent directory is watched so atomic replace-by-rename is observed.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange ChangeFunc) error {
	if s.path == "" {
		return fmt.Errorf("settings store has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to resolve settings path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	s.log.Info("watching settings file", "path", absPath, "debounce", debounce)

	var debounceTimer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			s.log.Debug("settings file changed", "op", event.Op.String())

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			s.reload(ctx, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			s.log.Error("watcher error", "error", err)
		}
	}
}

// reload re-reads the file and reports differences. An unreadable or
// invalid file keeps the current settings.
func (s *Store) reload(ctx context.Context, onChange ChangeFunc) {
	loaded, err := readFile(s.path)
	if err != nil {
		s.log.Error("ignoring invalid settings file", "path", s.path, "error", err)
		return
	}

	changes := diff(s.snapshot(), loaded)
	if len(changes) == 0 {
		return
	}

	s.apply(loaded)
	s.log.Info("settings file reloaded", "changes", len(changes))

	for _, change := range changes {
		onChange(ctx, change)
	}
}

func diff(before, after map[string]Setting) []Change {
	var changes []Change

	for id, prev := range before {
		prev := prev
		next, ok := after[id]
		if !ok {
			changes = append(changes, Change{ID: id, Previous: &prev})
			continue
		}
		if prev.RequiresRelaunch(next) {
			next := next
			changes = append(changes, Change{ID: id, Previous: &prev, Current: &next})
		}
	}
	for id, next := range after {
		if _, ok := before[id]; !ok {
			next := next
			changes = append(changes, Change{ID: id, Current: &next})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	return changes
}
