package testutil

import (
	"fmt"
	"sync"
)

// Effect is one real operation observed by a Spy.
type Effect struct {
	Op       string // get, set, call or new
	Path     string
	Property string
	Args     []any
}

func (e Effect) String() string {
	switch e.Op {
	case "get", "set":
		return fmt.Sprintf("%s %s.%s %v", e.Op, e.Path, e.Property, e.Args)
	default:
		return fmt.Sprintf("%s %s %v", e.Op, e.Path, e.Args)
	}
}

type effectLog struct {
	mu      sync.Mutex
	effects []Effect
}

func (l *effectLog) add(e Effect) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.effects = append(l.effects, e)
}

// Spy is a replay target that records every operation performed on it and
// on the objects it hands out. Reading a member that was never written
// yields a child Spy, so any chain of operations succeeds.
//
// Thread-safety: all methods are safe for concurrent use. Children share
// their root's effect log.
type Spy struct {
	path string
	log  *effectLog

	mu      sync.Mutex
	members map[string]any
}

// NewSpy creates a root Spy.
func NewSpy() *Spy {
	return &Spy{path: "root", log: &effectLog{}, members: map[string]any{}}
}

func (s *Spy) child(path string) *Spy {
	return &Spy{path: path, log: s.log, members: map[string]any{}}
}

// Path returns the access path that produced this Spy.
func (s *Spy) Path() string {
	return s.path
}

// Get implements replay.Getter.
func (s *Spy) Get(prop string) (any, error) {
	s.log.add(Effect{Op: "get", Path: s.path, Property: prop})
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.members[prop]; ok {
		return v, nil
	}
	c := s.child(s.path + "." + prop)
	s.members[prop] = c
	return c, nil
}

// Set implements replay.Setter.
func (s *Spy) Set(prop string, value any) error {
	s.log.add(Effect{Op: "set", Path: s.path, Property: prop, Args: []any{value}})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[prop] = value
	return nil
}

// Call implements replay.Function.
func (s *Spy) Call(_ any, args []any) (any, error) {
	s.log.add(Effect{Op: "call", Path: s.path, Args: args})
	return s.child(s.path + "()"), nil
}

// Construct implements replay.Constructor.
func (s *Spy) Construct(args []any) (any, error) {
	s.log.add(Effect{Op: "new", Path: s.path, Args: args})
	return s.child("new " + s.path), nil
}

// Member returns a member without recording a read.
func (s *Spy) Member(prop string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.members[prop]
	return v, ok
}

// Effects returns a copy of everything observed so far.
func (s *Spy) Effects() []Effect {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	return append([]Effect(nil), s.log.effects...)
}

// Count returns the number of observed effects.
func (s *Spy) Count() int {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	return len(s.log.effects)
}

// Reset forgets observed effects. Members are kept.
func (s *Spy) Reset() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.effects = nil
}
