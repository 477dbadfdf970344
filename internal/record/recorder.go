package record

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/mirage/internal/bridge"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
	"github.com/roach88/mirage/internal/registry"
	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/sched"
)

// Exporter assigns callback channels to Callables. fresh reports a channel
// created by this call.
type Exporter interface {
	Export(c *bridge.Callable) (id ir.ID, fresh bool)
}

// Delta is a mirrored reference count change.
type Delta struct {
	ID    ir.ID
	Delta int
}

// Flush is what one flush hands to a Sink, in delivery order: callback
// registrations first, then the batch, then the count changes that
// happened while recording it.
type Flush struct {
	Callbacks []ir.ID
	Batch     ir.Batch
	Deltas    []Delta
}

// Empty reports whether the flush carries nothing.
func (f Flush) Empty() bool {
	return len(f.Callbacks) == 0 && len(f.Batch.Ops) == 0 && len(f.Deltas) == 0
}

// Sink receives flushed logs in cross-context mode.
type Sink interface {
	Deliver(f Flush) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Flush) error

// Deliver implements Sink.
func (fn SinkFunc) Deliver(f Flush) error {
	return fn(f)
}

// Journal persists every flushed batch. *store.Store implements it.
type Journal interface {
	AppendBatch(ctx context.Context, b ir.Batch) error
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithGenerator sets the identifier generator.
func WithGenerator(gen *registry.Generator) Option {
	return func(r *Recorder) {
		r.gen = gen
	}
}

// WithScheduler sets where flushes run. The default is a Manual scheduler,
// so nothing flushes until the owner drains it or calls Flush.
func WithScheduler(s sched.Scheduler) Option {
	return func(r *Recorder) {
		r.sched = s
	}
}

// WithLifecycle shares a lifecycle table. The Recorder becomes its mirror.
func WithLifecycle(t *lifecycle.Table) Option {
	return func(r *Recorder) {
		r.life = t
	}
}

// WithBridge exports functions through b instead of the local table.
func WithBridge(b *bridge.Bridge) Option {
	return func(r *Recorder) {
		r.exporter = b
		r.table = b.Table()
	}
}

// WithJournal appends every flushed batch to j.
func WithJournal(j Journal) Option {
	return func(r *Recorder) {
		r.journal = j
	}
}

// WithContextID sets the context id stamped on batches. The default is the
// generator namespace.
func WithContextID(id string) Option {
	return func(r *Recorder) {
		r.contextID = id
	}
}

// WithHost sets the host used by direct-mode and manual replays.
func WithHost(h replay.Host) Option {
	return func(r *Recorder) {
		r.host = h
	}
}

// WithResultHandler receives the results of direct-mode replays.
func WithResultHandler(fn func([]replay.Result)) Option {
	return func(r *Recorder) {
		r.onResults = fn
	}
}

// Recorder owns one context's Operation Log and Identity Registry.
//
// Thread-safety: the log is guarded, so handles may be used from the
// goroutine that owns the context while flushes run on the scheduler and
// releases arrive from GC cleanups. Operations issued concurrently from
// several goroutines are each recorded whole, in no particular order.
type Recorder struct {
	gen       *registry.Generator
	reg       *registry.Registry
	life      *lifecycle.Table
	sched     sched.Scheduler
	exporter  Exporter
	table     *bridge.Table
	host      replay.Host
	journal   Journal
	contextID string
	onResults func([]replay.Result)
	root      *stub

	// flushMu keeps deliveries in seq order when a manual Flush races the
	// scheduled one.
	flushMu sync.Mutex

	mu        sync.Mutex
	log       []ir.Operation
	transfers [][]byte
	callbacks []ir.ID
	deltas    []Delta
	forgotten []ir.ID
	replaying int
	seq       int64
	paused    bool
	scheduled bool
	sink      Sink
	direct    *replay.Engine
	manual    *replay.Engine
}

// New creates a Recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	if r.gen == nil {
		r.gen = registry.NewGenerator()
	}
	if r.life == nil {
		r.life = lifecycle.NewTable(nil)
	}
	if r.sched == nil {
		r.sched = sched.NewManual()
	}
	if r.table == nil {
		r.table = bridge.NewTable(r.gen)
	}
	if r.exporter == nil {
		r.exporter = r.table
	}
	if r.host == nil {
		r.host = replay.ReflectHost{}
	}
	if r.contextID == "" {
		r.contextID = r.gen.Namespace()
	}

	r.reg = registry.New(r.gen)
	r.life.SetMirror(r)
	r.life.OnZero(r.forget)
	r.root = &stub{rec: r, id: ir.RootID, label: "root"}
	return r
}

// Root returns the stand-in for the root object.
func (r *Recorder) Root() Handle {
	return r.root
}

// ContextID returns the id stamped on this recorder's batches.
func (r *Recorder) ContextID() string {
	return r.contextID
}

// Registry returns the identity registry.
func (r *Recorder) Registry() *registry.Registry {
	return r.reg
}

// Lifecycle returns the reference count table.
func (r *Recorder) Lifecycle() *lifecycle.Table {
	return r.life
}

// Callables returns the table of exported functions.
func (r *Recorder) Callables() *bridge.Table {
	return r.table
}

// Adopt returns a stand-in for an object the peer already holds under id,
// such as an argument passed to a bridged callback.
func (r *Recorder) Adopt(id ir.ID, label string) Handle {
	if id == "" {
		return Inert
	}
	if id == ir.RootID {
		return r.root
	}
	r.reg.Adopt(id, label)
	return r.newStub(id, "", label)
}

// Enqueue appends already-built records to the log. It is not affected by
// Pause.
func (r *Recorder) Enqueue(ops ...ir.Operation) {
	if len(ops) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, ops...)
	r.scheduleLocked()
}

// Snapshot returns a copy of the pending log.
func (r *Recorder) Snapshot() []ir.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.Operation(nil), r.log...)
}

// Len returns the number of pending records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

// Clear discards the pending log and its transfers. Callback registrations
// and count changes are kept; they describe channels that exist.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
	r.transfers = nil
}

// Pause stops recording. Operations still return handles, but results of
// operations issued while paused are inert.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume restarts recording.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Paused reports whether recording is paused.
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// SetTarget switches to direct mode: flushes replay against target in this
// context. A nil target leaves direct mode.
func (r *Recorder) SetTarget(target any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target == nil {
		r.direct = nil
		return
	}
	r.direct = r.newEngine(target)
	r.sink = nil
	if len(r.log) > 0 {
		r.scheduleLocked()
	}
}

// SetSink switches to cross-context mode.
func (r *Recorder) SetSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
	if s != nil {
		r.direct = nil
		if len(r.log) > 0 || len(r.callbacks) > 0 || len(r.deltas) > 0 {
			r.scheduleLocked()
		}
	}
}

// Replay consumes the pending log and replays it against target now.
// Consecutive replays against the same target share one Reference Map, so
// later batches can refer to earlier results. The log is empty afterwards;
// replaying again without new operations does nothing.
func (r *Recorder) Replay(target any) []replay.Result {
	r.mu.Lock()
	ops, transfers, forgotten := r.log, r.transfers, r.forgotten
	r.log, r.transfers, r.forgotten = nil, nil, nil
	var callbacks []ir.ID
	if r.sink == nil {
		callbacks, r.callbacks = r.callbacks, nil
	}
	if r.manual == nil || !replay.SameObject(r.manual.Root(), target) {
		r.manual = r.newEngine(target)
	}
	engine, direct := r.manual, r.direct
	r.replaying++
	r.mu.Unlock()

	var results []replay.Result
	if len(ops) > 0 {
		results = engine.Replay(ops, transfers)
	}
	r.endReplay(callbacks, forgotten, engine, direct)
	return results
}

func (r *Recorder) newEngine(target any) *replay.Engine {
	return replay.New(target,
		replay.WithHost(r.host),
		replay.WithChannels(r.table.Resolve))
}

// Mirror implements lifecycle.Mirror. Count changes are only forwarded in
// cross-context mode.
func (r *Recorder) Mirror(id ir.ID, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return
	}
	r.deltas = append(r.deltas, Delta{ID: id, Delta: delta})
	r.scheduleLocked()
}

// forget runs when an id's count reaches zero. Records still waiting in the
// log, or being replayed, may target id, so the engines drop it only after
// they ran.
func (r *Recorder) forget(id ir.ID) {
	r.reg.Remove(id)

	r.mu.Lock()
	if len(r.log) > 0 || r.replaying > 0 {
		r.forgotten = append(r.forgotten, id)
		r.mu.Unlock()
		return
	}
	direct, manual := r.direct, r.manual
	r.mu.Unlock()
	for _, e := range []*replay.Engine{direct, manual} {
		if e != nil {
			e.Forget(id)
		}
	}
}

// endReplay runs after a log taken from the recorder was replayed. Bare
// functions it exported are now held by the target if anything needs them,
// and ids released while it was pending leave the Reference Maps.
func (r *Recorder) endReplay(callbacks, forgotten []ir.ID, engines ...*replay.Engine) {
	r.mu.Lock()
	r.replaying--
	if r.replaying == 0 && len(r.log) == 0 {
		forgotten = append(forgotten, r.forgotten...)
		r.forgotten = nil
	}
	r.mu.Unlock()

	for _, id := range callbacks {
		r.table.Unpin(id)
	}
	for _, id := range forgotten {
		for _, e := range engines {
			if e != nil {
				e.Forget(id)
			}
		}
	}
}

func (r *Recorder) scheduleLocked() {
	if r.scheduled {
		return
	}
	r.scheduled = true
	if !r.sched.Post(r.scheduledFlush) {
		r.scheduled = false
	}
}

func (r *Recorder) scheduledFlush() {
	if err := r.Flush(); err != nil {
		slog.Warn("flush failed", "context", r.contextID, "error", err)
	}
}

// Flush delivers the pending log now. Without a target or sink it leaves
// the log in place.
func (r *Recorder) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	r.scheduled = false
	sink, direct := r.sink, r.direct
	if sink == nil && direct == nil {
		r.mu.Unlock()
		return nil
	}
	f := Flush{Callbacks: r.callbacks, Deltas: r.deltas}
	ops, transfers, forgotten := r.log, r.transfers, r.forgotten
	r.log, r.transfers, r.callbacks, r.deltas, r.forgotten = nil, nil, nil, nil, nil
	manual := r.manual
	r.replaying++
	var seq int64
	if len(ops) > 0 {
		r.seq++
		seq = r.seq
	}
	r.mu.Unlock()

	if len(ops) > 0 {
		f.Batch = r.batch(seq, ops, transfers)
		if r.journal != nil {
			if err := r.journal.AppendBatch(context.Background(), f.Batch); err != nil {
				slog.Warn("journal append failed", "context", r.contextID, "seq", seq, "error", err)
			}
		}
	}

	if direct != nil {
		if len(ops) > 0 {
			results := direct.Replay(f.Batch.Ops, f.Batch.Transfers)
			if r.onResults != nil {
				r.onResults(results)
			}
		}
		r.endReplay(f.Callbacks, forgotten, direct, manual)
		return nil
	}
	// The peer drops released ids when their refcount messages arrive,
	// which the wire orders after this batch.
	r.endReplay(nil, forgotten, manual)
	if f.Empty() {
		return nil
	}
	return sink.Deliver(f)
}

func (r *Recorder) batch(seq int64, ops []ir.Operation, transfers [][]byte) ir.Batch {
	b, err := ir.NewBatch(r.contextID, seq, ops, transfers)
	if err != nil {
		slog.Warn("batch id unavailable", "context", r.contextID, "seq", seq, "error", err)
		return ir.Batch{Context: r.contextID, Seq: seq, Ops: ops, Transfers: transfers}
	}
	return b
}
