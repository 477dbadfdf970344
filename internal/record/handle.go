package record

import (
	"runtime"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
)

// Handle is a deferred capability: a stand-in that records operations
// instead of performing them.
type Handle interface {
	// ID returns the identifier the handle is bound to, "" for the inert
	// handle.
	ID() ir.ID

	Read(prop string) Handle

	// Write records an assignment. It always reports success.
	Write(prop string, value any) bool

	Invoke(args ...any) Handle
	Instantiate(args ...any) Handle

	// Close disposes of the handle. The recorded operations still replay;
	// the identifier is released once no other holder references it.
	Close() error
}

// reservedReads are introspection probes that generic code issues to decide
// what a value is. Recording them would make every stand-in look awaitable
// or iterable.
var reservedReads = map[string]bool{
	"then":            true,
	"@@iterator":      true,
	"@@asyncIterator": true,
}

// IsReserved reports whether reading prop yields the inert handle.
func IsReserved(prop string) bool {
	return reservedReads[prop]
}

// Inert is the neutral handle: every operation on it is a no-op and it
// serializes as null.
var Inert Handle = inert{}

type inert struct{}

func (inert) ID() ir.ID { return "" }
func (inert) Read(string) Handle { return Inert }
func (inert) Write(string, any) bool { return true }
func (inert) Invoke(...any) Handle { return Inert }
func (inert) Instantiate(...any) Handle { return Inert }
func (inert) Close() error { return nil }

// stub is the recording Handle.
type stub struct {
	rec *Recorder
	id  ir.ID

	// parent is the handle this one was read from; invoking the stub uses
	// it as the receiver.
	parent ir.ID

	// label is the last property name on the path, used as the
	// constructed type name.
	label string

	token   *lifecycle.Token
	cleanup runtime.Cleanup
}

func (s *stub) ID() ir.ID {
	return s.id
}

func (s *stub) Read(prop string) Handle {
	return s.rec.read(s, prop)
}

func (s *stub) Write(prop string, value any) bool {
	return s.rec.write(s, prop, value)
}

func (s *stub) Invoke(args ...any) Handle {
	return s.rec.invoke(s, args)
}

func (s *stub) Instantiate(args ...any) Handle {
	return s.rec.instantiate(s, args)
}

func (s *stub) Close() error {
	if s.token == nil {
		return nil
	}
	s.cleanup.Stop()
	s.token.Release()
	return nil
}

func (s *stub) String() string {
	return "stand-in " + string(s.id)
}
