// Package protocol defines the messages exchanged between two contexts and
// the codecs that put them on the wire.
//
// Control messages travel on the main channel (Channel == ""): replay,
// refcount, registerCallback, evaluate and proxyGet. Bridged calls use
// sub-channels: call is addressed to a callback's channel and return to a
// reply channel allocated by the requester.
//
// Every decoded message is checked before it is handed on. JSON payloads are
// validated against an embedded CUE schema; CBOR payloads go through the same
// structural Check. Anything that fails yields ErrMalformed, which the
// transport logs and drops without closing the channel.
package protocol
