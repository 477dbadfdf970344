// Package replay re-applies an Operation Log to a concrete object graph.
//
// The Engine keeps the Reference Map: identifier to live object, seeded with
// the root under ir.RootID and extended as results materialize. Each record
// is executed in log order; a failing record yields an error Result and the
// batch continues, because later records need not depend on it.
//
// The Engine does not know what the objects are. It goes through a Host,
// which supplies the four primitives (get, set, call, construct). ReflectHost
// covers ordinary Go values: maps, structs, slices and funcs, plus objects
// that implement Getter, Setter, Function or Constructor themselves.
package replay
