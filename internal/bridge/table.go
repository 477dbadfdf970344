package bridge

import (
	"runtime"
	"sync"
	"weak"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/registry"
)

type tableEntry struct {
	ref     weak.Pointer[Callable]
	pinned  *Callable
	cleanup runtime.Cleanup
}

// Table maps Callables to channel ids without keeping them alive.
//
// Thread-safety: Table is safe for concurrent use. The retire callback runs
// on the runtime's cleanup goroutine.
type Table struct {
	gen *registry.Generator

	mu       sync.Mutex
	ids      map[weak.Pointer[Callable]]ir.ID
	entries  map[ir.ID]*tableEntry
	onRetire func(ir.ID)
}

// NewTable creates an export table minting ids with gen.
func NewTable(gen *registry.Generator) *Table {
	return &Table{
		gen:     gen,
		ids:     make(map[weak.Pointer[Callable]]ir.ID),
		entries: make(map[ir.ID]*tableEntry),
	}
}

// OnRetire sets the function called after a Callable was garbage collected.
func (t *Table) OnRetire(fn func(ir.ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRetire = fn
}

// Export returns the channel id for c, minting one on first use.
// fresh is true when the id was just created.
func (t *Table) Export(c *Callable) (id ir.ID, fresh bool) {
	wp := weak.Make(c)

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.ids[wp]; ok {
		return id, false
	}

	id = t.gen.Next()
	e := &tableEntry{ref: wp}
	if c.pinned {
		e.pinned = c
	}
	e.cleanup = runtime.AddCleanup(c, t.collected, id)
	t.ids[wp] = id
	t.entries[id] = e
	return id, true
}

// Lookup returns the live Callable for id.
func (t *Table) Lookup(id ir.ID) (*Callable, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	c := e.ref.Value()
	return c, c != nil
}

// Resolve implements replay.ChannelResolver for direct mode, where the
// function runs in the same context as the replay.
func (t *Table) Resolve(id ir.ID) (any, error) {
	c, ok := t.Lookup(id)
	if !ok {
		return nil, &retiredError{id: id}
	}
	return c, nil
}

// Retire drops id. The Callable, if still alive, gets a fresh id on its
// next export. Returns false if id was unknown.
func (t *Table) Retire(id ir.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.cleanup.Stop()
	delete(t.entries, id)
	delete(t.ids, e.ref)
	return true
}

// Unpin lets the table forget a pinned Callable once nothing else holds it.
// It reports whether id was pinned.
func (t *Table) Unpin(id ir.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.pinned == nil {
		return false
	}
	e.pinned = nil
	return true
}

// Len returns the number of exported Callables.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) collected(id ir.ID) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		delete(t.ids, e.ref)
	}
	fn := t.onRetire
	t.mu.Unlock()

	if ok && fn != nil {
		fn(id)
	}
}

type retiredError struct {
	id ir.ID
}

func (e *retiredError) Error() string {
	return "callback " + string(e.id) + " has been retired"
}
