package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/registry"
)

// HandlerFunc processes one inbound message. Handlers run on the Serve
// goroutine and should hand real work to the context's scheduler.
type HandlerFunc func(m protocol.Message)

// Observer is notified of traffic on a Link.
type Observer interface {
	MessageSent(t protocol.Type)
	MessageReceived(t protocol.Type)
	MessageDropped(reason string)
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithObserver attaches an Observer.
func WithObserver(o Observer) LinkOption {
	return func(l *Link) {
		l.obs = o
	}
}

// Link multiplexes channels over a Port.
//
// Inbound messages are routed by their Channel field. The empty channel is
// the control channel. Return messages addressed to a pending Request are
// delivered to the waiting caller directly, so a request made from inside a
// scheduler task cannot deadlock behind that task.
//
// Thread-safety: all methods are safe for concurrent use. Serve must run
// on exactly one goroutine.
type Link struct {
	port Port
	gen  *registry.Generator
	obs  Observer

	mu       sync.Mutex
	handlers map[ir.ID]HandlerFunc
	pending  map[ir.ID]chan protocol.Message
	closed   bool
}

// NewLink wraps port. gen mints reply channel ids.
func NewLink(port Port, gen *registry.Generator, opts ...LinkOption) *Link {
	l := &Link{
		port:     port,
		gen:      gen,
		handlers: make(map[ir.ID]HandlerFunc),
		pending:  make(map[ir.ID]chan protocol.Message),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle routes messages on channel to fn, replacing any previous handler.
// Use "" for the control channel.
func (l *Link) Handle(channel ir.ID, fn HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[channel] = fn
}

// Unhandle removes the handler for channel.
func (l *Link) Unhandle(channel ir.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, channel)
}

// Handles reports whether channel has a handler.
func (l *Link) Handles(channel ir.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[channel]
	return ok
}

// Send transmits m. A nil or closed link yields ErrNoChannel.
func (l *Link) Send(ctx context.Context, m protocol.Message) error {
	if l == nil {
		return ErrNoChannel
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrNoChannel
	}

	if err := l.port.Send(ctx, m); err != nil {
		if errors.Is(err, ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNoChannel, err)
		}
		return err
	}
	if l.obs != nil {
		l.obs.MessageSent(m.Type)
	}
	return nil
}

// Request sends m with a fresh reply channel and waits for the matching
// return message. The reply channel is released when ctx is done.
func (l *Link) Request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if l == nil {
		return protocol.Message{}, ErrNoChannel
	}

	reply := l.gen.Next()
	ch := make(chan protocol.Message, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return protocol.Message{}, ErrNoChannel
	}
	l.pending[reply] = ch
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		delete(l.pending, reply)
		l.mu.Unlock()
	}

	m.Reply = reply
	if err := l.Send(ctx, m); err != nil {
		release()
		return protocol.Message{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Message{}, ErrNoChannel
		}
		return resp, nil
	case <-ctx.Done():
		release()
		return protocol.Message{}, ctx.Err()
	}
}

// Pending returns the number of requests awaiting a reply.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Serve receives and dispatches messages until the port reaches EOF, ctx is
// cancelled or the port fails. Malformed messages are logged and dropped.
// Cancelling ctx closes the link, since a blocked Recv may not watch ctx.
func (l *Link) Serve(ctx context.Context) error {
	defer l.shutdown()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		m, err := l.port.Recv(ctx)
		switch {
		case err == nil:
			l.dispatch(m)
		case errors.Is(err, protocol.ErrMalformed):
			slog.Warn("dropping malformed message", "error", err)
			l.dropped("malformed")
		case errors.Is(err, io.EOF):
			return nil
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("receive: %w", err)
		}
	}
}

func (l *Link) dispatch(m protocol.Message) {
	if l.obs != nil {
		l.obs.MessageReceived(m.Type)
	}

	l.mu.Lock()
	if m.Type == protocol.TypeReturn {
		if ch, ok := l.pending[m.Channel]; ok {
			delete(l.pending, m.Channel)
			l.mu.Unlock()
			ch <- m
			return
		}
	}
	fn := l.handlers[m.Channel]
	l.mu.Unlock()

	if fn == nil {
		slog.Warn("dropping message for unknown channel",
			"type", m.Type,
			"channel", m.Channel)
		l.dropped("unknown channel")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked",
				"type", m.Type,
				"channel", m.Channel,
				"panic", fmt.Sprint(r))
		}
	}()
	fn(m)
}

func (l *Link) dropped(reason string) {
	if l.obs != nil {
		l.obs.MessageDropped(reason)
	}
}

func (l *Link) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}

// Close closes the underlying port. Serve returns once the port drains.
func (l *Link) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.port.Close()
}
