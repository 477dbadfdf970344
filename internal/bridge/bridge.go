package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"weak"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/sched"
	"github.com/roach88/mirage/internal/transport"
)

// Marshaler converts values crossing a sub-channel. The session supplies
// one that knows about stand-ins and the Reference Map.
type Marshaler interface {
	Encode(v any) ir.IRValue
	Decode(v ir.IRValue) any
}

// PlainMarshaler handles literal data only. Values that are not plain data
// encode as an opaque placeholder.
type PlainMarshaler struct{}

// Encode implements Marshaler.
func (PlainMarshaler) Encode(v any) ir.IRValue {
	val, err := ir.FromGo(v)
	if err != nil {
		return ir.IROpaque{}
	}
	return val
}

// Decode implements Marshaler.
func (PlainMarshaler) Decode(v ir.IRValue) any {
	return ir.ToGo(v)
}

// ErrorHandler receives errors from callbacks invoked without a reply
// channel.
type ErrorHandler func(channel ir.ID, err error)

// Option configures a Bridge.
type Option func(*Bridge)

// WithMarshaler sets the value converter. The default is PlainMarshaler.
func WithMarshaler(m Marshaler) Option {
	return func(b *Bridge) {
		b.marshal = m
	}
}

// WithErrorHandler sets the callback error sink. The default logs.
func WithErrorHandler(h ErrorHandler) Option {
	return func(b *Bridge) {
		b.onError = h
	}
}

// Bridge exports local Callables and imports the peer's.
type Bridge struct {
	link    *transport.Link
	table   *Table
	life    *lifecycle.Table
	sched   sched.Scheduler
	marshal Marshaler
	onError ErrorHandler

	mu      sync.Mutex
	remotes map[ir.ID]*remoteEntry
}

// remoteEntry tracks an imported channel without keeping its Remote alive.
// The Remote holds tok until it is collected.
type remoteEntry struct {
	id      ir.ID
	ref     weak.Pointer[Remote]
	tok     *lifecycle.Token
	cleanup runtime.Cleanup
}

// New creates a Bridge. Exported channels are counted in life; when a count
// reaches zero the channel's handler is removed.
func New(link *transport.Link, table *Table, life *lifecycle.Table, s sched.Scheduler, opts ...Option) *Bridge {
	b := &Bridge{
		link:    link,
		table:   table,
		life:    life,
		sched:   s,
		marshal: PlainMarshaler{},
		remotes: make(map[ir.ID]*remoteEntry),
	}
	b.onError = func(channel ir.ID, err error) {
		slog.Warn("callback failed", "channel", channel, "error", err)
	}
	for _, opt := range opts {
		opt(b)
	}

	table.OnRetire(func(id ir.ID) {
		slog.Debug("callback collected", "channel", id)
		life.Release(id)
	})
	life.OnZero(b.drop)
	return b
}

// Table returns the export table.
func (b *Bridge) Table() *Table {
	return b.table
}

// Export returns the channel id for c. On first export the channel starts
// listening for calls; fresh reports that case so the caller can announce
// it with registerCallback.
//
// A weakly held Callable acquires the channel until it is collected. A
// pinned one does not: the peer's Remote is its only reference, so the
// channel is retired once the peer lets go of it.
func (b *Bridge) Export(c *Callable) (ir.ID, bool) {
	id, fresh := b.table.Export(c)
	if fresh {
		b.link.Handle(id, b.handleCall(id))
		if !c.pinned {
			b.life.Acquire(id)
		}
	}
	return id, fresh
}

func (b *Bridge) handleCall(id ir.ID) transport.HandlerFunc {
	return func(m protocol.Message) {
		if m.Type != protocol.TypeCall {
			slog.Warn("unexpected message on callback channel", "channel", id, "type", m.Type)
			return
		}
		if !b.sched.Post(func() { b.invoke(id, m) }) {
			slog.Warn("scheduler stopped, dropping call", "channel", id)
		}
	}
}

func (b *Bridge) invoke(id ir.ID, m protocol.Message) {
	var res any
	c, ok := b.table.Lookup(id)
	err := error(&retiredError{id: id})
	if ok {
		args := make([]any, len(m.Args))
		for i, a := range m.Args {
			args[i] = b.marshal.Decode(a)
		}
		res, err = c.Invoke(args...)
	}

	if m.Reply == "" {
		if err != nil {
			b.onError(id, err)
		}
		return
	}

	ret := protocol.Message{Type: protocol.TypeReturn, Channel: m.Reply}
	if err != nil {
		ret.Error = err.Error()
	} else {
		ret.Value = b.marshal.Encode(res)
	}
	if sendErr := b.link.Send(context.Background(), ret); sendErr != nil {
		slog.Warn("callback reply not sent", "channel", id, "error", sendErr)
	}
}

// drop releases the resources of a channel whose count reached zero.
func (b *Bridge) drop(id ir.ID) {
	if b.table.Retire(id) {
		slog.Debug("callback channel retired", "channel", id)
	}
	b.link.Unhandle(id)
	b.mu.Lock()
	if e, ok := b.remotes[id]; ok {
		e.cleanup.Stop()
		delete(b.remotes, id)
	}
	b.mu.Unlock()
}

// Import returns the Remote for a peer channel. While it is reachable the
// same Remote is returned and the channel holds one reference, mirrored to
// the peer; collecting it releases that reference.
func (b *Bridge) Import(id ir.ID) *Remote {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.remotes[id]; ok {
		if r := e.ref.Value(); r != nil {
			return r
		}
	}
	// A collected Remote whose cleanup has not run yet still releases its
	// own reference; the new one holds another.
	r := &Remote{id: id, bridge: b}
	e := &remoteEntry{id: id, ref: weak.Make(r), tok: b.life.Hold(id)}
	e.cleanup = runtime.AddCleanup(r, b.collected, e)
	b.remotes[id] = e
	return r
}

func (b *Bridge) collected(e *remoteEntry) {
	b.mu.Lock()
	if b.remotes[e.id] == e {
		delete(b.remotes, e.id)
	}
	b.mu.Unlock()
	slog.Debug("remote callback collected", "channel", e.id)
	e.tok.Release()
}

// Resolve implements replay.ChannelResolver.
func (b *Bridge) Resolve(id ir.ID) (any, error) {
	return b.Import(id), nil
}

// Remotes returns the number of imported channels whose Remote has not been
// released yet.
func (b *Bridge) Remotes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.remotes)
}

// Remote is a local callable bound to a peer's callback channel.
type Remote struct {
	id     ir.ID
	bridge *Bridge
}

// ID returns the channel id.
func (r *Remote) ID() ir.ID {
	return r.id
}

// Call posts a call and returns immediately. It implements
// replay.Function, so replay hosts can invoke it like any function.
func (r *Remote) Call(_ any, args []any) (any, error) {
	msg := protocol.Message{Type: protocol.TypeCall, Channel: r.id, Args: r.encodeArgs(args)}
	if err := r.bridge.link.Send(context.Background(), msg); err != nil {
		return nil, fmt.Errorf("call %s: %w", r.id, err)
	}
	return nil, nil
}

// CallWait posts a call with a reply channel and waits for the result.
func (r *Remote) CallWait(ctx context.Context, args ...any) (any, error) {
	msg := protocol.Message{Type: protocol.TypeCall, Channel: r.id, Args: r.encodeArgs(args)}
	resp, err := r.bridge.link.Request(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", r.id, err)
	}
	if resp.Error != "" {
		return nil, &CallError{Channel: r.id, Message: resp.Error}
	}
	if resp.Value == nil {
		return nil, nil
	}
	return r.bridge.marshal.Decode(resp.Value), nil
}

// Func returns r as a Func.
func (r *Remote) Func() Func {
	return func(args ...any) (any, error) {
		return r.Call(nil, args)
	}
}

func (r *Remote) encodeArgs(args []any) []ir.IRValue {
	if len(args) == 0 {
		return nil
	}
	out := make([]ir.IRValue, len(args))
	for i, a := range args {
		out[i] = r.bridge.marshal.Encode(a)
	}
	return out
}

// CallError is a failure reported by the home context of a callback.
type CallError struct {
	Channel ir.ID
	Message string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("callback %s failed: %s", e.Channel, e.Message)
}

// IsCallError reports whether err came from a remote callback.
func IsCallError(err error) bool {
	var ce *CallError
	return errors.As(err, &ce)
}
