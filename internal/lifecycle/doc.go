// Package lifecycle reference-counts identifiers that cross a context
// boundary.
//
// Every local Acquire and Release is mirrored to the peer as a signed delta
// through the configured Mirror; deltas that arrive from the peer are
// applied with Apply and are never mirrored back. When a count reaches zero
// the entry is deleted and the OnZero hooks run, which is where the owner
// drops the id from its registry, its reference map and any sub-channel
// attached to it.
//
// A Token represents one acquire and releases at most once. AttachCleanup
// ties a Token to the lifetime of a Go object with runtime.AddCleanup, so a
// holder that never disposes explicitly is still released when the garbage
// collector finds the object unreachable. Explicit disposal and the cleanup
// share the Token's flag and never double-decrement.
package lifecycle
