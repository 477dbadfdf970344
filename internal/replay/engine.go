package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/mirage/internal/ir"
)

// ChannelResolver turns a callback marker into a callable value, normally a
// bridge Remote that posts calls back to the home context.
type ChannelResolver func(id ir.ID) (any, error)

// Result is the outcome of one replayed record.
type Result struct {
	Index int
	Op    ir.Operation
	Value any
	Err   error
}

// Failed reports whether the record produced an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithHost sets the Host. The default is ReflectHost{}.
func WithHost(h Host) Option {
	return func(e *Engine) {
		e.host = h
	}
}

// WithChannels sets the resolver for callback markers. Without one,
// records carrying callback markers fail with ErrCodeNoChannel.
func WithChannels(r ChannelResolver) Option {
	return func(e *Engine) {
		e.channels = r
	}
}

// Engine replays Operation Logs against one root object.
//
// Thread-safety: the Reference Map is guarded so Bind, Lookup and Forget may
// be called from lifecycle hooks on other goroutines. Replay itself should
// be called from the owning context's scheduler only; it does not hold the
// lock while the Host runs.
type Engine struct {
	mu        sync.Mutex
	root      any
	host      Host
	channels  ChannelResolver
	refs      map[ir.ID]any
	undefined map[ir.ID]bool
}

// New creates an Engine whose Reference Map holds root under ir.RootID.
func New(root any, opts ...Option) *Engine {
	e := &Engine{
		root:      root,
		host:      ReflectHost{},
		refs:      make(map[ir.ID]any),
		undefined: make(map[ir.ID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Root returns the root object.
func (e *Engine) Root() any {
	return e.root
}

// Host returns the engine's host.
func (e *Engine) Host() Host {
	return e.host
}

// Replay executes ops in order. transfers supplies the resources for
// transfer markers, consumed in encounter order across the whole batch.
//
// Every record yields exactly one Result. A failure never stops the batch.
func (e *Engine) Replay(ops []ir.Operation, transfers [][]byte) []Result {
	results := make([]Result, len(ops))
	tc := &transferCursor{items: transfers}
	for i, op := range ops {
		results[i] = e.step(i, op, tc)
		if r := results[i]; r.Err != nil {
			slog.Warn("replay operation failed",
				"index", i,
				"kind", op.Kind,
				"target", op.Target,
				"property", op.Property,
				"code", CodeOf(r.Err),
				"error", r.Err)
		}
	}
	if tc.pos < len(transfers) {
		slog.Warn("unused transfers in batch", "unused", len(transfers)-tc.pos)
	}
	return results
}

func (e *Engine) step(idx int, op ir.Operation, tc *transferCursor) (res Result) {
	res = Result{Index: idx, Op: op}
	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = newOpError(idx, op, ErrCodePanic, fmt.Sprint(r), nil)
		}
		e.bindResult(op.Result, res)
	}()

	if !op.Kind.Valid() {
		res.Err = newOpError(idx, op, ErrCodeUnknownKind, fmt.Sprintf("unknown kind %q", op.Kind), nil)
		return res
	}

	target, err := e.resolveTarget(op.Target)
	if err != nil {
		res.Err = asOpError(idx, op, err)
		return res
	}

	switch op.Kind {
	case ir.KindRead:
		res.Value, err = e.host.Get(target, op.Property)
	case ir.KindWrite:
		var v any
		if v, err = e.resolveValue(op.Value, tc); err == nil {
			err = e.host.Set(target, op.Property, v)
		}
	case ir.KindInvoke:
		var args []any
		if args, err = e.resolveArgs(op.Args, tc); err == nil {
			res.Value, err = e.host.Call(target, e.resolveReceiver(op.Receiver), args)
		}
	case ir.KindInstantiate:
		var args []any
		if args, err = e.resolveArgs(op.Args, tc); err == nil {
			res.Value, err = e.host.Construct(target, args)
		}
	}
	if err != nil {
		res.Value = nil
		res.Err = asOpError(idx, op, err)
	}
	return res
}

func asOpError(idx int, op ir.Operation, err error) *OpError {
	var re *resolveError
	if errors.As(err, &re) {
		return newOpError(idx, op, re.code, re.msg, nil)
	}
	if errors.Is(err, ErrUndefined) {
		return newOpError(idx, op, ErrCodeUndefined, string(op.Kind)+" on undefined", err)
	}
	return newOpError(idx, op, ErrCodeHost, string(op.Kind)+" failed", err)
}

// bindResult records the outcome under the result id. Absent results and
// failures mark the id undefined so later records on it fail instead of
// silently falling back to the root.
func (e *Engine) bindResult(id ir.ID, res Result) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if res.Err == nil && !isNil(res.Value) {
		e.refs[id] = res.Value
		delete(e.undefined, id)
		return
	}
	delete(e.refs, id)
	e.undefined[id] = true
}

func (e *Engine) resolveTarget(id ir.ID) (any, error) {
	if id == "" || id == ir.RootID {
		return e.root, nil
	}
	e.mu.Lock()
	v, ok := e.refs[id]
	undef := e.undefined[id]
	e.mu.Unlock()

	switch {
	case ok:
		return v, nil
	case undef:
		return nil, &resolveError{code: ErrCodeUndefined, msg: fmt.Sprintf("%s is undefined", id)}
	}
	slog.Debug("unknown target, using root", "id", id)
	return e.root, nil
}

func (e *Engine) resolveReceiver(id ir.ID) any {
	if id == "" {
		return nil
	}
	v, err := e.resolveTarget(id)
	if err != nil {
		return nil
	}
	return v
}

func (e *Engine) resolveArgs(args []ir.IRValue, tc *transferCursor) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := e.resolveValue(a, tc)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolveValue turns a serialized value into the live value passed to the
// host. Object keys are visited in canonical order, which is the order the
// recorder used when it assigned transfer positions.
func (e *Engine) resolveValue(v ir.IRValue, tc *transferCursor) (any, error) {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return nil, nil
	case ir.IRRef:
		e.mu.Lock()
		obj, ok := e.refs[val.ID]
		undef := e.undefined[val.ID]
		e.mu.Unlock()
		if val.ID == ir.RootID {
			return e.root, nil
		}
		if ok {
			return obj, nil
		}
		if undef {
			return nil, nil
		}
		return nil, &resolveError{code: ErrCodeMissingRef, msg: fmt.Sprintf("unknown reference %s", val.ID)}
	case ir.IRChannel:
		if e.channels == nil {
			return nil, &resolveError{code: ErrCodeNoChannel, msg: fmt.Sprintf("no resolver for channel %s", val.ID)}
		}
		fn, err := e.channels(val.ID)
		if err != nil {
			return nil, &resolveError{code: ErrCodeNoChannel, msg: err.Error()}
		}
		return fn, nil
	case ir.IRTransfer:
		data, ok := tc.next()
		if !ok {
			return nil, &resolveError{code: ErrCodeMissingTransfer, msg: "transfer marker without resource"}
		}
		return ir.NewBuffer(data), nil
	case ir.IROpaque:
		return nil, &resolveError{code: ErrCodeOpaque, msg: fmt.Sprintf("non-serializable placeholder %s", val.ID)}
	case ir.IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := e.resolveValue(elem, tc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case ir.IRObject:
		out := make(map[string]any, len(val))
		for _, k := range val.SortedKeys() {
			r, err := e.resolveValue(val[k], tc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return ir.ToGo(val), nil
	}
}

// Resolve converts a serialized value using the Reference Map. It is used
// by evaluate requests, which carry references outside a replay batch.
func (e *Engine) Resolve(v ir.IRValue) (any, error) {
	return e.resolveValue(v, &transferCursor{})
}

// Bind stores obj under id in the Reference Map.
func (e *Engine) Bind(id ir.ID, obj any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs[id] = obj
	delete(e.undefined, id)
}

// Lookup returns the live object bound to id.
func (e *Engine) Lookup(id ir.ID) (any, bool) {
	if id == ir.RootID {
		return e.root, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.refs[id]
	return v, ok
}

// Forget drops id from the Reference Map.
func (e *Engine) Forget(id ir.ID) {
	if id == ir.RootID {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.refs, id)
	delete(e.undefined, id)
}

// Len returns the number of bound identifiers, excluding the root.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.refs)
}

type transferCursor struct {
	items [][]byte
	pos   int
}

func (c *transferCursor) next() ([]byte, bool) {
	if c.pos >= len(c.items) {
		return nil, false
	}
	data := c.items[c.pos]
	c.items[c.pos] = nil
	c.pos++
	return data, true
}
