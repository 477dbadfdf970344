// Package record turns operations on stand-ins into an Operation Log.
//
// A Handle is a stand-in for an object that lives in another context, or
// in no context yet. Its four operations (Read, Write, Invoke, Instantiate)
// never touch a real object: each appends one record to the Recorder's log
// and, when the operation has a result, returns a new Handle bound to a
// freshly minted result id. Chained calls therefore produce a chain of
// records in which each target is the previous result.
//
// Appending schedules a flush on the Recorder's scheduler, at most once per
// turn. A flush swaps out the log atomically and delivers it either to a
// local replay engine (direct mode, SetTarget) or to a Sink that forwards it
// to the peer (cross-context mode, SetSink). With neither configured the log
// accumulates until Replay is called.
package record
