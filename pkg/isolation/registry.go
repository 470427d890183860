package isolation

import (
	"sort"
	"sync"
)

// Registry maps GroupID to Group. Creation is exactly-once per id under
// concurrent first access.
type Registry struct {
	mu     sync.RWMutex
	groups map[GroupID]*Group
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[GroupID]*Group),
	}
}

// GetOrCreate returns the group for id, creating it if needed.
// created is true for exactly one caller per id.
func (r *Registry) GetOrCreate(id GroupID, mode BindingMode, binding Binding) (g *Group, created bool) {
	r.mu.RLock()
	g, ok := r.groups[id]
	r.mu.RUnlock()
	if ok {
		return g, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if g, ok := r.groups[id]; ok {
		return g, false
	}

	g = newGroup(id, mode, binding)
	r.groups[id] = g
	return g, true
}

// Get returns the group for id
func (r *Registry) Get(id GroupID) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// List returns the groups of settingID sorted by key, or every group when
// settingID is empty
func (r *Registry) List(settingID string) []*Group {
	r.mu.RLock()
	groups := make([]*Group, 0, len(r.groups))
	for id, g := range r.groups {
		if settingID == "" || id.SettingID == settingID {
			groups = append(groups, g)
		}
	}
	r.mu.RUnlock()

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ID.SettingID != groups[j].ID.SettingID {
			return groups[i].ID.SettingID < groups[j].ID.SettingID
		}
		return groups[i].ID.Key < groups[j].ID.Key
	})
	return groups
}

// Remove drops g from the registry if it is still the registered group for
// its id. The group is marked removed either way.
func (r *Registry) Remove(g *Group) bool {
	r.mu.Lock()
	current, ok := r.groups[g.ID]
	if ok && current == g {
		delete(r.groups, g.ID)
	}
	r.mu.Unlock()

	g.markRemoved()
	return ok && current == g
}

// Len returns the number of groups
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
