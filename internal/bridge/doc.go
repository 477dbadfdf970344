// Package bridge lets a function cross the context boundary without being
// transmitted.
//
// The home context exports a Callable: it gets a sub-channel id, a handler
// on the Link and a lifecycle entry. The peer only ever sees the id and
// builds a Remote from it; calling the Remote posts a call message, and the
// function runs on its home scheduler with the arguments rebuilt as local
// values. Errors raised by the function are sent back as error replies or
// handed to the error callback, never thrown across the boundary.
//
// A Callable keeps its channel for as long as it is reachable. The export
// table only holds a weak pointer; when the garbage collector reclaims the
// Callable the channel is retired.
package bridge
