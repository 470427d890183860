package isolation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"golang.org/x/sync/semaphore"
)

// Group is the unit of execution binding: a set of (note, paragraph)
// bindings served by at most one interpreter process.
//
// Launch, restart and teardown hold the group lock (Lock/Unlock). The
// internal mutex only guards field access so listings never block behind a
// launch in progress.
type Group struct {
	ID        GroupID
	Mode      BindingMode
	Session   string
	Isolated  bool
	CreatedAt time.Time

	sem *semaphore.Weighted

	mu       sync.Mutex
	bindings map[BindingRef]struct{}
	process  *procmgr.RemoteProcess
	removed  bool
}

func newGroup(id GroupID, mode BindingMode, binding Binding) *Group {
	return &Group{
		ID:        id,
		Mode:      mode,
		Session:   binding.Session,
		Isolated:  binding.Isolated,
		CreatedAt: time.Now(),
		sem:       semaphore.NewWeighted(1),
		bindings:  make(map[BindingRef]struct{}),
	}
}

// Lock acquires the group lock, giving up when ctx is done
func (g *Group) Lock(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryLock acquires the group lock without blocking
func (g *Group) TryLock() bool {
	return g.sem.TryAcquire(1)
}

// Unlock releases the group lock
func (g *Group) Unlock() {
	g.sem.Release(1)
}

// Bind records a binding. It returns true if the binding is new; a new
// binding also takes a reference on the attached process.
func (g *Group) Bind(noteID, paragraphID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref := BindingRef{NoteID: noteID, ParagraphID: paragraphID}
	if _, ok := g.bindings[ref]; ok {
		return false
	}
	g.bindings[ref] = struct{}{}
	if g.process != nil {
		g.process.Retain()
	}
	return true
}

// UnbindNote removes every binding of noteID and returns how many were removed
func (g *Group) UnbindNote(noteID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for ref := range g.bindings {
		if ref.NoteID != noteID {
			continue
		}
		delete(g.bindings, ref)
		removed++
		if g.process != nil {
			g.process.Release()
		}
	}
	return removed
}

// Bindings returns the current bindings sorted by note then paragraph
func (g *Group) Bindings() []BindingRef {
	g.mu.Lock()
	defer g.mu.Unlock()

	refs := make([]BindingRef, 0, len(g.bindings))
	for ref := range g.bindings {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].NoteID != refs[j].NoteID {
			return refs[i].NoteID < refs[j].NoteID
		}
		return refs[i].ParagraphID < refs[j].ParagraphID
	})
	return refs
}

// BindingCount returns the number of bindings
func (g *Group) BindingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bindings)
}

// Process returns the attached process, or nil
func (g *Group) Process() *procmgr.RemoteProcess {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.process
}

// Attach sets the group's process; it takes one reference per binding.
// Must be called with the group lock held.
func (g *Group) Attach(p *procmgr.RemoteProcess) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.process = p
	for range g.bindings {
		p.Retain()
	}
}

// Detach clears and returns the group's process, dropping the group's
// references on it. Must be called with the group lock held.
func (g *Group) Detach() *procmgr.RemoteProcess {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.process
	g.process = nil
	if p != nil {
		for range g.bindings {
			p.Release()
		}
	}
	return p
}

// Removed reports whether the group was dropped from its registry.
// A caller that locked a removed group must look it up again.
func (g *Group) Removed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removed
}

func (g *Group) markRemoved() {
	g.mu.Lock()
	g.removed = true
	g.mu.Unlock()
}
