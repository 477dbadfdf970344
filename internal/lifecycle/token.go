package lifecycle

import (
	"runtime"
	"sync/atomic"

	"github.com/roach88/mirage/internal/ir"
)

// Token is one acquired reference. Release is idempotent: only the first
// call decrements the table, whether it comes from explicit disposal or
// from the GC cleanup.
type Token struct {
	table    *Table
	id       ir.ID
	released atomic.Bool
}

// Hold acquires id and returns the token that will release it.
func (t *Table) Hold(id ir.ID) *Token {
	t.Acquire(id)
	return &Token{table: t, id: id}
}

// ID returns the identifier the token holds.
func (tok *Token) ID() ir.ID {
	return tok.id
}

// Release gives the reference back. It reports whether this call was the
// one that released it.
func (tok *Token) Release() bool {
	if tok == nil || !tok.released.CompareAndSwap(false, true) {
		return false
	}
	tok.table.Release(tok.id)
	return true
}

// Released reports whether the token has been released.
func (tok *Token) Released() bool {
	return tok.released.Load()
}

// AttachCleanup releases tok once owner becomes unreachable, unless it was
// released before. tok must not reference owner, or owner is never
// collected.
//
// The returned Cleanup can be stopped when the owner is disposed
// explicitly.
func AttachCleanup[T any](owner *T, tok *Token) runtime.Cleanup {
	return runtime.AddCleanup(owner, releaseToken, tok)
}

func releaseToken(tok *Token) {
	tok.Release()
}
