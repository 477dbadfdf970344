// Package registry assigns identifiers to the objects and functions a
// context hands out.
//
// Identifiers are "<namespace>/<n>" strings. The namespace is fixed per
// Generator so that identifiers minted by two peers never collide when one
// side binds the other's ids in its own tables. RootID is reserved for the
// root object and is never generated.
//
// The Registry is an arena: entries live in a slice indexed by slot and an
// id never maps to a different slot once issued. It records what an id
// denotes (a label and the id it was derived from) but owns no lifetime;
// the lifecycle package decides when an entry is removed.
package registry
