package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk layout of the settings file
type fileFormat struct {
	Settings []Setting `yaml:"settings"`
}

// Store holds interpreter settings and persists them to a YAML file.
// An empty path keeps settings in memory only.
type Store struct {
	path string
	log  *slog.Logger

	mu       sync.RWMutex
	settings map[string]Setting
}

// NewStore creates an empty store backed by path
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     path,
		log:      logger.With("component", "settings"),
		settings: make(map[string]Setting),
	}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Load replaces the store content with the file content.
// A missing file yields an empty store.
func (s *Store) Load() error {
	loaded, err := readFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.settings = loaded
	s.mu.Unlock()

	s.log.Info("loaded interpreter settings", "path", s.path, "count", len(loaded))
	return nil
}

// Get returns a copy of the setting with id
func (s *Store) Get(id string) (Setting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	setting, ok := s.settings[id]
	if !ok {
		return Setting{}, false
	}
	return setting.Clone(), true
}

// List returns copies of every setting sorted by id
func (s *Store) List() []Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Setting, 0, len(s.settings))
	for _, setting := range s.settings {
		out = append(out, setting.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put validates and stores setting, then writes the file.
// It returns the previous value if one existed.
func (s *Store) Put(setting Setting) (prev Setting, existed bool, err error) {
	if err := setting.Validate(); err != nil {
		return Setting{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed = s.settings[setting.ID]
	s.settings[setting.ID] = setting.Clone()

	if err := s.persistLocked(); err != nil {
		if existed {
			s.settings[setting.ID] = prev
		} else {
			delete(s.settings, setting.ID)
		}
		return Setting{}, false, err
	}
	return prev, existed, nil
}

// Delete removes the setting with id and writes the file
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.settings[id]
	if !ok {
		return false, nil
	}
	delete(s.settings, id)

	if err := s.persistLocked(); err != nil {
		s.settings[id] = prev
		return false, err
	}
	return true, nil
}

// apply installs settings read from disk without writing the file back
func (s *Store) apply(loaded map[string]Setting) {
	s.mu.Lock()
	s.settings = loaded
	s.mu.Unlock()
}

func (s *Store) snapshot() map[string]Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Setting, len(s.settings))
	for id, setting := range s.settings {
		out[id] = setting.Clone()
	}
	return out
}

// persistLocked writes the settings file atomically. Caller holds mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	var doc fileFormat
	for _, setting := range s.settings {
		doc.Settings = append(doc.Settings, setting)
	}
	sort.Slice(doc.Settings, func(i, j int) bool { return doc.Settings[i].ID < doc.Settings[j].ID })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}

	s.log.Debug("saved interpreter settings", "path", s.path, "count", len(doc.Settings))
	return nil
}

func readFile(path string) (map[string]Setting, error) {
	out := make(map[string]Setting)
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	for i := range doc.Settings {
		setting := doc.Settings[i]
		if err := setting.Validate(); err != nil {
			return nil, fmt.Errorf("validate settings: %w", err)
		}
		if _, dup := out[setting.ID]; dup {
			return nil, fmt.Errorf("validate settings: %w: duplicate id %q", ErrInvalid, setting.ID)
		}
		out[setting.ID] = setting
	}
	return out, nil
}
