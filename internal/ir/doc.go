// Package ir provides the canonical data model for recorded operations.
//
// This package contains type definitions and their encodings only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - An Operation is immutable once appended to a log
//   - Logs are flattened DAGs: no operation may reference a result id that is
//     produced later in the same log (see ForwardRefs)
//   - Marker values ({ref}, {channel}, {transfer}, {opaque}) stand in for
//     values that cannot be copied across a context boundary
//   - All JSON tags use short snake_case names
package ir
