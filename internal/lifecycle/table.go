package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/roach88/mirage/internal/ir"
)

// Mirror receives every local count change so it can be forwarded to the
// peer context.
type Mirror interface {
	Mirror(id ir.ID, delta int)
}

// MirrorFunc adapts a function to the Mirror interface.
type MirrorFunc func(id ir.ID, delta int)

// Mirror implements Mirror.
func (f MirrorFunc) Mirror(id ir.ID, delta int) {
	f(id, delta)
}

// Table is the reference count table.
//
// Thread-safety: Table is safe for concurrent use. Mirror calls and OnZero
// hooks run after the table lock is released, in the calling goroutine.
type Table struct {
	mu     sync.Mutex
	counts map[ir.ID]int
	mirror Mirror
	hooks  []func(ir.ID)
}

// NewTable creates an empty table. A nil mirror disables mirroring.
func NewTable(mirror Mirror) *Table {
	return &Table{
		counts: make(map[ir.ID]int),
		mirror: mirror,
	}
}

// SetMirror replaces the mirror. Changes already made are not replayed.
func (t *Table) SetMirror(m Mirror) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mirror = m
}

// OnZero registers a hook that runs whenever an identifier's count drops
// to zero. Hooks run in registration order.
func (t *Table) OnZero(fn func(ir.ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Acquire increments the count for id, creating the entry at 1 if absent,
// and mirrors +1. Returns the new count.
func (t *Table) Acquire(id ir.ID) int {
	t.mu.Lock()
	t.counts[id]++
	n := t.counts[id]
	m := t.mirror
	t.mu.Unlock()

	if m != nil {
		m.Mirror(id, 1)
	}
	return n
}

// Release decrements the count for id and mirrors -1.
//
// Releasing an id whose count is already zero is an underflow: the count
// stays at zero, a warning is logged, and nothing is mirrored.
// Returns the new count.
func (t *Table) Release(id ir.ID) int {
	t.mu.Lock()
	n, ok := t.counts[id]
	if !ok || n <= 0 {
		t.mu.Unlock()
		slog.Warn("lifecycle underflow", "id", id)
		return 0
	}
	n--
	var hooks []func(ir.ID)
	if n == 0 {
		delete(t.counts, id)
		hooks = t.hooks
	} else {
		t.counts[id] = n
	}
	m := t.mirror
	t.mu.Unlock()

	if m != nil {
		m.Mirror(id, -1)
	}
	runHooks(hooks, id)
	return n
}

// Apply adds a peer-originated delta. It is never mirrored.
// A result below zero is clamped to zero with a warning.
// Returns the new count.
func (t *Table) Apply(id ir.ID, delta int) int {
	if delta == 0 {
		return t.Count(id)
	}

	t.mu.Lock()
	prev, existed := t.counts[id]
	n := prev + delta
	if n < 0 {
		slog.Warn("lifecycle underflow", "id", id, "delta", delta, "count", prev)
		n = 0
	}
	var hooks []func(ir.ID)
	if n == 0 {
		delete(t.counts, id)
		if existed {
			hooks = t.hooks
		}
	} else {
		t.counts[id] = n
	}
	t.mu.Unlock()

	runHooks(hooks, id)
	return n
}

// Count returns the current count for id, zero if absent.
func (t *Table) Count(id ir.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Len returns the number of identifiers with a non-zero count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

func runHooks(hooks []func(ir.ID), id ir.ID) {
	for _, fn := range hooks {
		fn(id)
	}
}
