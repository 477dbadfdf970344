// Package session connects two contexts over a transport.Port.
//
// A Session owns one context's half of the system: a Recorder whose
// flushes become replay, registerCallback and refcount messages, a replay
// Engine bound to the local root object that executes the peer's batches,
// a Bridge for callbacks in both directions and the shared lifecycle table.
// All inbound control traffic runs on the session's scheduler loop, so
// batches, count changes and evaluations are processed in arrival order.
//
// The two halves are symmetric. A browser-like "remote" side typically
// only records and a "host" side only replays, but either may do both.
package session
