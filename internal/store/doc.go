// Package store provides SQLite-backed durable storage for flushed batches.
//
// The journal is append-only:
//   - Batches: one row per flushed Operation Log, keyed by (context, seq)
//   - Replay Results: per-operation outcome of replaying a batch
//
// # Critical Patterns
//
// Logical order: all ordering uses seq INTEGER, never timestamps. Every
// query orders by context, seq and, for results, op_index.
//
// At-most-once replay: a batch is claimed before it is replayed. A claimed
// batch is never handed out again, so a journal cannot cause a log to be
// replayed twice.
//
// Canonical storage: operations are stored as RFC 8785 canonical JSON, the
// same bytes the batch id was hashed from, so a stored batch can be checked
// against its id.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
