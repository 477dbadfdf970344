package registry

import (
	"sync"

	"github.com/roach88/mirage/internal/ir"
)

// Entry describes one registered identifier.
type Entry struct {
	ID ir.ID

	// Label is a human-readable name, usually the property the value was
	// read from. Instantiate records it as the constructed type name.
	Label string

	// Parent is the identifier the entry was derived from, or empty.
	Parent ir.ID

	// Foreign is true for identifiers minted by the peer context.
	Foreign bool

	slot int
}

// Slot returns the arena index of the entry.
func (e Entry) Slot() int {
	return e.slot
}

// Registry is the per-context identity arena.
//
// Remove clears the slot and puts it on a free list for the next entry, so
// the arena stays as large as the most entries ever live at once. Ids are
// never reused: a removed id is never handed out again.
//
// Thread-safety: Registry is safe for concurrent use. Removal normally
// arrives from the lifecycle table, which may run on a GC cleanup goroutine.
type Registry struct {
	mu    sync.Mutex
	gen   *Generator
	slots []*Entry
	free  []int
	index map[ir.ID]int
}

// New creates a registry that mints identifiers with gen.
// The root identifier is pre-registered.
func New(gen *Generator) *Registry {
	r := &Registry{
		gen:   gen,
		slots: make([]*Entry, 0, 64),
		index: make(map[ir.ID]int),
	}
	r.insert(&Entry{ID: ir.RootID, Label: "root"})
	return r
}

// Generator returns the generator backing the registry.
func (r *Registry) Generator() *Generator {
	return r.gen
}

// Register mints a fresh identifier and records it.
func (r *Registry) Register(label string, parent ir.ID) ir.ID {
	id := r.gen.Next()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(&Entry{ID: id, Label: label, Parent: parent})
	return id
}

// Adopt records an identifier minted elsewhere. Adopting an id that is
// already present keeps the existing entry and returns false.
func (r *Registry) Adopt(id ir.ID, label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; ok {
		return false
	}
	r.insert(&Entry{ID: id, Label: label, Foreign: !r.gen.Owns(id)})
	return true
}

func (r *Registry) insert(e *Entry) {
	if n := len(r.free); n > 0 {
		e.slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[e.slot] = e
	} else {
		e.slot = len(r.slots)
		r.slots = append(r.slots, e)
	}
	r.index[e.ID] = e.slot
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id ir.ID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.index[id]
	if !ok {
		return Entry{}, false
	}
	return *r.slots[slot], true
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id ir.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[id]
	return ok
}

// Remove drops id from the registry. The root cannot be removed.
// Returns false if id was not registered.
func (r *Registry) Remove(id ir.ID) bool {
	if id == ir.RootID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.index[id]
	if !ok {
		return false
	}
	r.slots[slot] = nil
	r.free = append(r.free, slot)
	delete(r.index, id)
	return true
}

// Len returns the number of live entries, root included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}

// Slots returns the size of the arena, free slots included.
func (r *Registry) Slots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
