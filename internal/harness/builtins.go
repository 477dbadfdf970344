package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/mirage/internal/replay"
)

// ErrBuiltinFailed is returned by the "fail" builtin.
var ErrBuiltinFailed = errors.New("builtin failed")

// builtins are the functions and constructors a scenario may install on
// its target:
//
//   - call(fn, args...) invokes fn with the remaining arguments
//   - concat(args...) joins the printed arguments
//   - Point(x, y) constructs {x, y}
//   - fail() always fails
var builtins = map[string]func() any{
	"call":   func() any { return callBuiltin{} },
	"concat": func() any { return concatBuiltin{} },
	"Point":  func() any { return pointBuiltin{} },
	"fail":   func() any { return failBuiltin{} },
}

var (
	_ replay.Function    = callBuiltin{}
	_ replay.Function    = concatBuiltin{}
	_ replay.Constructor = pointBuiltin{}
	_ replay.Function    = failBuiltin{}
)

type callBuiltin struct{}

func (callBuiltin) Call(_ any, args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("call: missing function")
	}
	fn, ok := args[0].(replay.Function)
	if !ok {
		return nil, fmt.Errorf("call: %T is not a function", args[0])
	}
	return fn.Call(nil, args[1:])
}

type concatBuiltin struct{}

func (concatBuiltin) Call(_ any, args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		fmt.Fprint(&b, a)
	}
	return b.String(), nil
}

type pointBuiltin struct{}

func (pointBuiltin) Construct(args []any) (any, error) {
	p := map[string]any{"x": nil, "y": nil}
	if len(args) > 0 {
		p["x"] = args[0]
	}
	if len(args) > 1 {
		p["y"] = args[1]
	}
	return p, nil
}

type failBuiltin struct{}

func (failBuiltin) Call(any, []any) (any, error) {
	return nil, ErrBuiltinFailed
}
