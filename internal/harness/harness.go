package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/mirage/internal/bridge"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
	"github.com/roach88/mirage/internal/record"
	"github.com/roach88/mirage/internal/registry"
	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/store"
)

// DefaultContext is the generator namespace used when a scenario names none.
const DefaultContext = "t"

const claimant = "harness"

// Option configures Run.
type Option func(*harness)

// WithLogger sets the logger for execution details. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *harness) {
		h.logger = l
	}
}

// harness executes one scenario.
//
// Flushed batches go through the same path a replaying process uses: the
// recorder journals each batch, and delivery claims the next unclaimed batch
// from the store, replays it, and writes its results back.
type harness struct {
	scenario  *Scenario
	ctx       context.Context
	store     *store.Store
	rec       *record.Recorder
	engine    *replay.Engine
	peer      *lifecycle.Table
	target    map[string]any
	handles   map[string]record.Handle
	callbacks map[string]*bridge.Callable
	calls     map[string]int
	deferred  []TraceEvent
	result    *Result
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory journal and a copy of its
// target, with ids from a fixed namespace, so repeated runs produce
// identical traces.
//
// Execution flow:
//  1. Open an in-memory store and build the target
//  2. Execute steps; every flush journals, claims and replays a batch
//  3. Flush whatever the last step left pending
//  4. Evaluate assertions against the trace and final target
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ns := scenario.Context
	if ns == "" {
		ns = DefaultContext
	}

	h := &harness{
		scenario:  scenario,
		ctx:       context.Background(),
		store:     st,
		peer:      lifecycle.NewTable(nil),
		target:    copyMap(scenario.Target),
		handles:   make(map[string]record.Handle),
		callbacks: make(map[string]*bridge.Callable),
		calls:     make(map[string]int),
		result:    NewResult(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, name := range scenario.Builtins {
		mk, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("unknown builtin %q", name)
		}
		h.target[name] = mk()
	}

	host := replay.ReflectHost{AutoVivify: scenario.AutoVivify}
	h.rec = record.New(
		record.WithGenerator(registry.NewFixedGenerator(ns)),
		record.WithHost(host),
		record.WithJournal(st),
	)
	h.engine = replay.New(h.target,
		replay.WithHost(host),
		replay.WithChannels(h.rec.Callables().Resolve),
	)
	h.peer.OnZero(h.release)
	h.handles[""] = h.rec.Root()
	h.rec.SetSink(record.SinkFunc(h.deliver))

	for i, step := range scenario.Steps {
		if err := h.step(i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}
	if err := h.rec.Flush(); err != nil {
		return nil, fmt.Errorf("final flush: %w", err)
	}

	h.result.State = h.target
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.calls) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *harness) step(i int, st Step) error {
	on := h.handles[st.On]
	switch st.Op {
	case StepRead:
		h.bind(st.As, on.Read(st.Prop))
	case StepWrite:
		v, err := h.value(st.Value)
		if err != nil {
			return err
		}
		on.Write(st.Prop, v)
	case StepInvoke:
		args, err := h.values(st.Args)
		if err != nil {
			return err
		}
		h.bind(st.As, on.Invoke(args...))
	case StepInstantiate:
		args, err := h.values(st.Args)
		if err != nil {
			return err
		}
		h.bind(st.As, on.Instantiate(args...))
	case StepPause:
		h.rec.Pause()
	case StepResume:
		h.rec.Resume()
	case StepFlush:
		return h.rec.Flush()
	case StepClose:
		return on.Close()
	case StepPending:
		if n := h.rec.Len(); n != st.Count {
			h.result.AddError(fmt.Sprintf("steps[%d]: pending operations = %d, want %d", i, n, st.Count))
		}
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

func (h *harness) bind(name string, hd record.Handle) {
	if name != "" {
		h.handles[name] = hd
	}
}

// deliver is the recorder's sink. The recorder has already journaled the
// batch, so it is replayed from the store rather than from f.
func (h *harness) deliver(f record.Flush) error {
	if len(f.Batch.Ops) > 0 {
		for {
			b, ok, err := h.store.ClaimNext(h.ctx, h.rec.ContextID(), claimant)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := h.replayBatch(b); err != nil {
				return err
			}
		}
	}
	for _, d := range f.Deltas {
		h.peer.Apply(d.ID, d.Delta)
	}
	return nil
}

func (h *harness) replayBatch(b ir.Batch) error {
	results := h.engine.Replay(b.Ops, b.Transfers)
	if err := h.store.WriteResults(h.ctx, b, results); err != nil {
		return err
	}
	h.logger.Debug("replayed batch", "context", b.Context, "seq", b.Seq, "ops", len(b.Ops))

	for _, r := range results {
		ev := TraceEvent{
			Type:     EventOp,
			Batch:    b.Seq,
			Kind:     string(r.Op.Kind),
			Target:   string(r.Op.Target),
			Property: r.Op.Property,
			Result:   string(r.Op.Result),
		}
		if len(r.Op.Args) > 0 {
			ev.Args = make([]any, len(r.Op.Args))
			for i, a := range r.Op.Args {
				ev.Args[i] = ir.ToPlain(a)
			}
		}
		if r.Op.Kind == ir.KindWrite {
			ev.Value = ir.ToPlain(r.Op.Value)
		}
		if r.Failed() {
			ev.Error = string(replay.CodeOf(r.Err))
		}
		h.result.addEvent(ev)
	}
	// Callbacks run during the replay; they are listed after the batch.
	for _, ev := range h.deferred {
		ev.Batch = b.Seq
		h.result.addEvent(ev)
	}
	h.deferred = nil
	h.result.Batches++
	return nil
}

func (h *harness) release(id ir.ID) {
	h.engine.Forget(id)
	h.result.addEvent(TraceEvent{Type: EventRelease, Target: string(id)})
}

// callback returns the scenario callable for name, creating it on first use.
func (h *harness) callback(name string) *bridge.Callable {
	if c, ok := h.callbacks[name]; ok {
		return c
	}
	c := bridge.Wrap(func(args ...any) (any, error) {
		h.calls[name]++
		h.deferred = append(h.deferred, TraceEvent{
			Type:     EventCallback,
			Callback: name,
			Args:     describeArgs(args),
		})
		return nil, nil
	})
	h.callbacks[name] = c
	return c
}

func (h *harness) values(in []any) ([]any, error) {
	out := make([]any, len(in))
	for i, v := range in {
		conv, err := h.value(v)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		out[i] = conv
	}
	return out, nil
}

// value converts scenario YAML data to recorder input.
func (h *harness) value(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$$") {
			return val[1:], nil
		}
		if len(val) > 1 && val[0] == '$' {
			hd, ok := h.handles[val[1:]]
			if !ok {
				return nil, fmt.Errorf("unknown handle %q", val[1:])
			}
			return hd, nil
		}
		return val, nil
	case []any:
		return h.values(val)
	case map[string]any:
		if len(val) == 1 {
			if s, ok := val["$buffer"].(string); ok {
				return ir.NewBuffer([]byte(s)), nil
			}
			if name, ok := val["$callback"].(string); ok {
				return h.callback(name), nil
			}
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			conv, err := h.value(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	}
	return v, nil
}

// describeArgs renders callback arguments as plain data. Values without
// a plain form are shown by type.
func describeArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		iv, err := ir.FromGo(a)
		if err != nil {
			out[i] = fmt.Sprintf("<%T>", a)
			continue
		}
		out[i] = ir.ToPlain(iv)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
