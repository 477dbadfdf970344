package session

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/bridge"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/record"
	"github.com/roach88/mirage/internal/registry"
	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/testutil"
	"github.com/roach88/mirage/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type widget struct {
	Seen  bool
	Count int
}

func start(ctx context.Context, s *Session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return done
}

// pair connects a recording side to a host side that replays against root.
func pair(t *testing.T, root any, hostOpts ...Option) (remote, host *Session, ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	a, b := transport.Pipe()
	remote = New(a, nil, WithGenerator(registry.NewFixedGenerator("r")))
	host = New(b, root, append([]Option{WithGenerator(registry.NewFixedGenerator("h"))}, hostOpts...)...)
	remoteDone := start(ctx, remote)
	hostDone := start(ctx, host)
	t.Cleanup(func() {
		cancel()
		<-remoteDone
		<-hostDone
	})
	return remote, host, ctx
}

func TestBatchReplaysOnPeer(t *testing.T) {
	spy := testutil.NewSpy()
	var batches atomic.Int32
	remote, _, _ := pair(t, spy, WithResultHandler(func(b ir.Batch, results []replay.Result) {
		batches.Add(1)
	}))

	doc := remote.Root().Read("document")
	doc.Write("title", "hello")
	doc.Read("body").Invoke(1)

	require.Eventually(t, func() bool { return spy.Count() == 4 }, waitFor, tick)
	assert.Equal(t, []string{
		"get root.document []",
		"set root.document.title [hello]",
		"get root.document.body []",
		"call root.document.body [1]",
	}, func() []string {
		var out []string
		for _, e := range spy.Effects() {
			out = append(out, e.String())
		}
		return out
	}())
	assert.GreaterOrEqual(t, batches.Load(), int32(1))
}

func TestOperationsInOneTurnShareABatch(t *testing.T) {
	var sizes []int
	sizesCh := make(chan int, 4)
	remote, _, ctx := pair(t, testutil.NewSpy(), WithResultHandler(func(b ir.Batch, results []replay.Result) {
		sizesCh <- len(results)
	}))

	require.NoError(t, remote.Do(ctx, func() {
		root := remote.Root()
		root.Write("a", 1)
		root.Write("b", 2)
		root.Write("c", 3)
	}))

	select {
	case n := <-sizesCh:
		sizes = append(sizes, n)
	case <-ctx.Done():
		t.Fatal("no batch replayed")
	}
	assert.Equal(t, []int{3}, sizes)
}

func TestEvaluatePlainData(t *testing.T) {
	root := map[string]any{
		"config": map[string]any{"name": "mirage", "size": 3},
	}
	remote, _, ctx := pair(t, root)

	v, err := remote.Evaluate(ctx, remote.Root().Read("config"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "mirage", "size": int64(3)}, v)

	cfg := remote.Root().Read("config")
	v, err = remote.Evaluate(ctx, map[string]any{
		"name":  cfg.Read("name"),
		"size":  cfg.Read("size"),
		"plain": true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "mirage", "size": int64(3), "plain": true}, v)
}

func TestEvaluateNonSerializableReturnsRemoteValue(t *testing.T) {
	w := &widget{Count: 7}
	remote, host, ctx := pair(t, map[string]any{"widget": w})

	v, err := remote.Evaluate(ctx, remote.Root().Read("widget"))
	require.NoError(t, err)
	rv, ok := v.(*RemoteValue)
	require.True(t, ok, "got %T", v)

	count, err := rv.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	obj, ok := host.Engine().Lookup(rv.ID())
	require.True(t, ok)
	assert.Same(t, w, obj)

	// Passing it back into a recorded operation refers to the same object.
	remote.Root().Read("widget").Write("count", 0)
	remote.Root().Write("copy", rv)
	require.NoError(t, remote.Flush())
	require.Eventually(t, func() bool {
		var same bool
		_ = host.Do(ctx, func() {
			root := host.Engine().Root().(map[string]any)
			same = root["copy"] == any(w)
		})
		return same
	}, waitFor, tick)

	require.NoError(t, rv.Close())
	require.Eventually(t, func() bool {
		_, bound := host.Engine().Lookup(rv.ID())
		return !bound
	}, waitFor, tick)
}

func TestEvaluateNamedFunction(t *testing.T) {
	root := map[string]any{"list": []any{1, 2, 3}}
	remote, host, ctx := pair(t, root)
	host.RegisterEvaluator("sum", func(args ...any) (any, error) {
		var total int64
		for _, a := range args {
			total += a.(int64)
		}
		return total, nil
	})
	host.RegisterEvaluator("len", func(args ...any) (any, error) {
		return len(args[0].([]any)), nil
	})

	v, err := remote.Evaluate(ctx, Func("sum", 2, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = remote.Evaluate(ctx, Func("len", remote.Root().Read("list")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = remote.Evaluate(ctx, Func("missing"))
	var evalErr *EvaluateError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "unknown evaluator")
}

func TestEvaluateWithoutChannel(t *testing.T) {
	a, _ := transport.Pipe()
	s := New(a, nil)
	require.NoError(t, s.Close())

	_, err := s.Evaluate(context.Background(), s.Root())
	assert.True(t, errors.Is(err, transport.ErrNoChannel), "got %v", err)
}

func TestCallbackRunsInHomeContext(t *testing.T) {
	remote, host, ctx := pair(t, map[string]any{}, WithHost(replay.ReflectHost{AutoVivify: true}))

	var clicks atomic.Int64
	onClick := bridge.Wrap(func(args ...any) (any, error) {
		return clicks.Add(1), nil
	})
	remote.Root().Read("button").Write("onclick", onClick)

	var fn *bridge.Remote
	require.Eventually(t, func() bool {
		_ = host.Do(ctx, func() {
			root := host.Engine().Root().(map[string]any)
			if button, ok := root["button"].(map[string]any); ok {
				fn, _ = button["onclick"].(*bridge.Remote)
			}
		})
		return fn != nil
	}, waitFor, tick)

	res, err := fn.CallWait(ctx, "evt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)
	res, err = fn.CallWait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res)
	runtime.KeepAlive(onClick)
}

func TestCallbackArgumentsBecomeStandIns(t *testing.T) {
	w := &widget{}
	remote, host, ctx := pair(t, map[string]any{})

	var got atomic.Value
	handler := bridge.Wrap(func(args ...any) (any, error) {
		h, ok := args[0].(record.Handle)
		if !ok {
			return nil, errors.New("argument is not a stand-in")
		}
		got.Store(h.ID())
		h.Write("seen", true)
		return nil, nil
	})
	remote.Root().Write("handler", handler)

	var fn *bridge.Remote
	require.Eventually(t, func() bool {
		_ = host.Do(ctx, func() {
			fn, _ = host.Engine().Root().(map[string]any)["handler"].(*bridge.Remote)
		})
		return fn != nil
	}, waitFor, tick)

	_, err := fn.CallWait(ctx, w)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var seen bool
		_ = host.Do(ctx, func() { seen = w.Seen })
		return seen
	}, waitFor, tick)
	assert.NotEmpty(t, got.Load())
	runtime.KeepAlive(handler)
}

func TestCallbackErrorIsReplied(t *testing.T) {
	remote, host, ctx := pair(t, map[string]any{})
	remote.Root().Write("fail", bridge.Func(func(args ...any) (any, error) {
		return nil, errors.New("boom")
	}))

	var fn *bridge.Remote
	require.Eventually(t, func() bool {
		_ = host.Do(ctx, func() {
			fn, _ = host.Engine().Root().(map[string]any)["fail"].(*bridge.Remote)
		})
		return fn != nil
	}, waitFor, tick)

	_, err := fn.CallWait(ctx)
	require.Error(t, err)
	assert.True(t, bridge.IsCallError(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestReplacedBareFuncsAreRetiredOnBothSides(t *testing.T) {
	remote, host, ctx := pair(t, map[string]any{})

	for i := 0; i < 20; i++ {
		require.NoError(t, remote.Do(ctx, func() {
			remote.Root().Write("handler", func(args ...any) (any, error) { return i, nil })
		}))
	}

	require.Eventually(t, func() bool {
		var fn *bridge.Remote
		_ = host.Do(ctx, func() {
			fn, _ = host.Engine().Root().(map[string]any)["handler"].(*bridge.Remote)
		})
		if fn == nil {
			return false
		}
		res, err := fn.CallWait(ctx)
		return err == nil && res == int64(19)
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		runtime.GC()
		return remote.Bridge().Table().Len() == 1 && host.Bridge().Remotes() == 1
	}, waitFor, tick, "only the stored handler keeps its channel")
}

func TestCloseReleasesPeerReference(t *testing.T) {
	spy := testutil.NewSpy()
	remote, host, _ := pair(t, spy)

	h := remote.Root().Read("temp")
	require.Eventually(t, func() bool {
		_, ok := host.Engine().Lookup(h.ID())
		return ok && host.Lifecycle().Count(h.ID()) == 1
	}, waitFor, tick)

	require.NoError(t, h.Close())
	require.Eventually(t, func() bool {
		_, ok := host.Engine().Lookup(h.ID())
		return !ok
	}, waitFor, tick)
	assert.False(t, remote.Recorder().Registry().Contains(h.ID()))
}

func TestReplayErrorsDoNotStopSession(t *testing.T) {
	var failed atomic.Int32
	remote, host, ctx := pair(t, map[string]any{}, WithResultHandler(func(b ir.Batch, results []replay.Result) {
		for _, r := range results {
			if r.Failed() {
				failed.Add(1)
			}
		}
	}))

	remote.Root().Read("missing").Write("x", 1)
	require.Eventually(t, func() bool { return failed.Load() == 1 }, waitFor, tick)

	remote.Root().Write("ok", true)
	require.Eventually(t, func() bool {
		var ok bool
		_ = host.Do(ctx, func() { ok = host.Engine().Root().(map[string]any)["ok"] == true })
		return ok
	}, waitFor, tick)
}
