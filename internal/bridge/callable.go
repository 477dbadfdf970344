package bridge

import (
	"fmt"

	"github.com/roach88/mirage/internal/replay"
)

// Func is the signature of a function that can be passed across contexts.
type Func func(args ...any) (any, error)

// Callable gives a Func an identity. Passing the same *Callable twice reuses
// its channel; two Callables wrapping the same Func are distinct.
type Callable struct {
	fn     Func
	pinned bool
}

var (
	_ replay.Function = (*Callable)(nil)
	_ replay.Function = (*Remote)(nil)
)

// Wrap creates a Callable for fn.
func Wrap(fn Func) *Callable {
	return &Callable{fn: fn}
}

// Pinned creates a Callable that the export table keeps alive until it is
// unpinned or its channel is retired. Bare Func values are exported this
// way because nothing holds on to their wrapper until the replay stored it.
// A Bridge retires a pinned channel when the peer's last Remote for it is
// collected.
func Pinned(fn Func) *Callable {
	return &Callable{fn: fn, pinned: true}
}

// Invoke runs the function, converting a panic into an error.
func (c *Callable) Invoke(args ...any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return c.fn(args...)
}

// Call implements replay.Function, so a Callable can be written into a
// replay target directly. The receiver is ignored.
func (c *Callable) Call(_ any, args []any) (any, error) {
	return c.Invoke(args...)
}
