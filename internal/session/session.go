package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/mirage/internal/bridge"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/record"
	"github.com/roach88/mirage/internal/registry"
	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/sched"
	"github.com/roach88/mirage/internal/transport"
)

// ErrUnknownEvaluator is reported when an evaluate request names a function
// that was never registered.
var ErrUnknownEvaluator = errors.New("unknown evaluator")

// Evaluator is a named function the peer can run with resolved references.
type Evaluator func(args ...any) (any, error)

// ResultHandler observes every inbound batch after it replayed.
type ResultHandler func(b ir.Batch, results []replay.Result)

type options struct {
	gen      *registry.Generator
	host     replay.Host
	observer transport.Observer
	journal  record.Journal
	results  ResultHandler
	timeout  time.Duration
}

// Option configures a Session.
type Option func(*options)

// WithGenerator sets the identifier generator shared by the recorder, the
// callback table and reply channels.
func WithGenerator(gen *registry.Generator) Option {
	return func(o *options) {
		o.gen = gen
	}
}

// WithHost sets the host used to replay inbound batches.
func WithHost(h replay.Host) Option {
	return func(o *options) {
		o.host = h
	}
}

// WithObserver reports link traffic to o.
func WithObserver(obs transport.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithJournal appends every outbound batch to j.
func WithJournal(j record.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithResultHandler observes inbound batches and their results.
func WithResultHandler(fn ResultHandler) Option {
	return func(o *options) {
		o.results = fn
	}
}

// WithEvaluateTimeout bounds evaluate and proxyGet round trips that were
// started with a context without deadline. Zero means no bound.
func WithEvaluateTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Session is one context connected to a peer.
//
// Thread-safety: all methods are safe for concurrent use. Run must be
// called exactly once.
type Session struct {
	gen     *registry.Generator
	link    *transport.Link
	loop    *sched.Loop
	life    *lifecycle.Table
	bridge  *bridge.Bridge
	rec     *record.Recorder
	engine  *replay.Engine
	host    replay.Host
	results ResultHandler
	timeout time.Duration

	mu         sync.Mutex
	evaluators map[string]Evaluator
}

// New creates a Session on port that replays inbound batches against root.
// Nothing is sent or received until Run.
func New(port transport.Port, root any, opts ...Option) *Session {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.gen == nil {
		o.gen = registry.NewGenerator()
	}
	if o.host == nil {
		o.host = replay.ReflectHost{}
	}

	s := &Session{
		gen:        o.gen,
		loop:       sched.NewLoop(),
		life:       lifecycle.NewTable(nil),
		host:       o.host,
		results:    o.results,
		timeout:    o.timeout,
		evaluators: make(map[string]Evaluator),
	}

	var linkOpts []transport.LinkOption
	if o.observer != nil {
		linkOpts = append(linkOpts, transport.WithObserver(o.observer))
	}
	s.link = transport.NewLink(port, s.gen, linkOpts...)

	s.bridge = bridge.New(s.link, bridge.NewTable(s.gen), s.life, s.loop,
		bridge.WithMarshaler(marshaler{s}))

	recOpts := []record.Option{
		record.WithGenerator(s.gen),
		record.WithScheduler(s.loop),
		record.WithLifecycle(s.life),
		record.WithBridge(s.bridge),
		record.WithHost(s.host),
	}
	if o.journal != nil {
		recOpts = append(recOpts, record.WithJournal(o.journal))
	}
	s.rec = record.New(recOpts...)
	s.rec.SetSink(record.SinkFunc(s.deliver))

	s.engine = replay.New(root,
		replay.WithHost(s.host),
		replay.WithChannels(s.bridge.Resolve))
	s.life.OnZero(s.engine.Forget)

	s.link.Handle("", s.receive)
	return s
}

// Root returns the stand-in for the peer's root object.
func (s *Session) Root() record.Handle {
	return s.rec.Root()
}

// Recorder returns the recording half.
func (s *Session) Recorder() *record.Recorder {
	return s.rec
}

// Engine returns the engine that replays the peer's batches.
func (s *Session) Engine() *replay.Engine {
	return s.engine
}

// Lifecycle returns the reference count table.
func (s *Session) Lifecycle() *lifecycle.Table {
	return s.life
}

// Bridge returns the callback bridge.
func (s *Session) Bridge() *bridge.Bridge {
	return s.bridge
}

// Run serves the link and the scheduler loop until the peer closes, ctx is
// cancelled or the link fails.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.loop.Stop()
		return s.link.Serve(ctx)
	})
	g.Go(func() error {
		err := s.loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Do runs fn on the session's loop and waits for it. Operations recorded
// inside fn share one turn and therefore one batch.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

// Flush sends pending operations now instead of at the end of the turn.
func (s *Session) Flush() error {
	return s.rec.Flush()
}

// Close closes the link.
func (s *Session) Close() error {
	return s.link.Close()
}

// deliver sends one flush in protocol order.
func (s *Session) deliver(f record.Flush) error {
	ctx := context.Background()
	for _, id := range f.Callbacks {
		if err := s.link.Send(ctx, protocol.Message{Type: protocol.TypeRegisterCallback, ID: id}); err != nil {
			return fmt.Errorf("register callback %s: %w", id, err)
		}
	}
	if len(f.Batch.Ops) > 0 {
		if err := s.link.Send(ctx, protocol.ReplayMessage(f.Batch)); err != nil {
			return fmt.Errorf("send batch %d: %w", f.Batch.Seq, err)
		}
	}
	for _, d := range f.Deltas {
		if err := s.link.Send(ctx, protocol.Message{Type: protocol.TypeRefcount, ID: d.ID, Delta: d.Delta}); err != nil {
			return fmt.Errorf("send refcount %s: %w", d.ID, err)
		}
	}
	return nil
}

// receive runs on the Serve goroutine and moves control messages onto the
// loop.
func (s *Session) receive(m protocol.Message) {
	if !s.loop.Post(func() { s.handle(m) }) {
		slog.Warn("session stopped, dropping message", "type", m.Type)
	}
}

func (s *Session) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypeReplay:
		s.replay(m.Batch())
	case protocol.TypeRefcount:
		s.life.Apply(m.ID, m.Delta)
	case protocol.TypeRegisterCallback:
		s.bridge.Import(m.ID)
	case protocol.TypeEvaluate:
		s.reply(m.Reply, s.evaluate(m))
	case protocol.TypeProxyGet:
		s.reply(m.Reply, s.proxyGet(m))
	default:
		slog.Warn("dropping unexpected control message", "type", m.Type)
	}
}

func (s *Session) replay(b ir.Batch) {
	results := s.engine.Replay(b.Ops, b.Transfers)
	for _, res := range results {
		if res.Failed() {
			slog.Warn("replay operation failed",
				"context", b.Context,
				"seq", b.Seq,
				"index", res.Index,
				"code", replay.CodeOf(res.Err),
				"error", res.Err)
		}
	}
	if s.results != nil {
		s.results(b, results)
	}
}

type outcome struct {
	value any
	err   error
}

func (s *Session) evaluate(m protocol.Message) outcome {
	if m.Func == "" {
		v, err := s.engine.Resolve(m.Value)
		return outcome{value: v, err: err}
	}

	s.mu.Lock()
	fn, ok := s.evaluators[m.Func]
	s.mu.Unlock()
	if !ok {
		return outcome{err: fmt.Errorf("%w: %s", ErrUnknownEvaluator, m.Func)}
	}

	args := make([]any, len(m.Args))
	for i, a := range m.Args {
		v, err := s.engine.Resolve(a)
		if err != nil {
			return outcome{err: fmt.Errorf("args[%d]: %w", i, err)}
		}
		args[i] = v
	}
	v, err := invokeEvaluator(fn, args)
	return outcome{value: v, err: err}
}

func invokeEvaluator(fn Evaluator, args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("evaluator panicked: %v", r)
		}
	}()
	return fn(args...)
}

func (s *Session) proxyGet(m protocol.Message) outcome {
	obj, ok := s.engine.Lookup(m.ID)
	if !ok {
		return outcome{err: fmt.Errorf("%s is not bound", m.ID)}
	}
	v, err := s.host.Get(obj, m.Property)
	return outcome{value: v, err: err}
}

func (s *Session) reply(channel ir.ID, out outcome) {
	ret := protocol.Message{Type: protocol.TypeReturn, Channel: channel}
	if out.err != nil {
		ret.Error = out.err.Error()
	} else {
		ret.Value = s.export(out.value)
	}
	if err := s.link.Send(context.Background(), ret); err != nil {
		slog.Warn("reply not sent", "channel", channel, "error", err)
	}
}

// RegisterEvaluator makes fn callable by the peer's Evaluate(Func(name, ...)).
func (s *Session) RegisterEvaluator(name string, fn Evaluator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluators[name] = fn
}
