package bridge

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/registry"
	"github.com/roach88/mirage/internal/sched"
	"github.com/roach88/mirage/internal/transport"
)

type side struct {
	link   *transport.Link
	life   *lifecycle.Table
	loop   *sched.Loop
	bridge *Bridge
}

func newSide(t *testing.T, ctx context.Context, port transport.Port, ns string, opts ...Option) *side {
	gen := registry.NewFixedGenerator(ns)
	s := &side{
		link: transport.NewLink(port, gen),
		life: lifecycle.NewTable(nil),
		loop: sched.NewLoop(),
	}
	s.bridge = New(s.link, NewTable(gen), s.life, s.loop, opts...)
	go s.loop.Run(ctx)
	go s.link.Serve(ctx)
	t.Cleanup(s.loop.Stop)
	return s
}

func pair(t *testing.T, homeOpts ...Option) (home, peer *side, ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	a, b := transport.Pipe()
	return newSide(t, ctx, a, "h", homeOpts...), newSide(t, ctx, b, "p"), ctx
}

func TestCallableInvokeRecoversPanic(t *testing.T) {
	c := Wrap(func(args ...any) (any, error) { panic("bad callback") })

	_, err := c.Invoke()
	require.ErrorContains(t, err, "bad callback")
}

func TestExportReusesChannelForSameCallable(t *testing.T) {
	home, _, _ := pair(t)
	c := Wrap(func(args ...any) (any, error) { return nil, nil })

	id1, fresh1 := home.bridge.Export(c)
	id2, fresh2 := home.bridge.Export(c)
	id3, fresh3 := home.bridge.Export(Wrap(c.fn))

	assert.True(t, fresh1)
	assert.False(t, fresh2)
	assert.Equal(t, id1, id2)
	assert.True(t, fresh3)
	assert.NotEqual(t, id1, id3)
	assert.Equal(t, 1, home.life.Count(id1))
	assert.True(t, home.link.Handles(id1))
	runtime.KeepAlive(c)
}

func TestRemoteCallRunsOnHomeWithClosureState(t *testing.T) {
	home, peer, ctx := pair(t)

	var mu sync.Mutex
	var seen []any
	counter := 0
	c := Wrap(func(args ...any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		counter++
		seen = append(seen, args...)
		return counter * 10, nil
	})
	id, _ := home.bridge.Export(c)

	remote := peer.bridge.Import(id)
	assert.Same(t, remote, peer.bridge.Import(id), "imports are cached")

	_, err := remote.Call(nil, []any{"fire"})
	require.NoError(t, err)

	res, err := remote.CallWait(ctx, "wait", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res)

	mu.Lock()
	assert.Equal(t, []any{"fire", "wait", int64(2)}, seen)
	mu.Unlock()
	runtime.KeepAlive(c)
}

func TestRemoteCallErrorReplies(t *testing.T) {
	handled := make(chan error, 1)
	home, peer, ctx := pair(t, WithErrorHandler(func(_ ir.ID, err error) { handled <- err }))

	c := Wrap(func(args ...any) (any, error) { return nil, errors.New("nope") })
	id, _ := home.bridge.Export(c)
	remote := peer.bridge.Import(id)

	_, err := remote.CallWait(ctx)
	require.Error(t, err)
	assert.True(t, IsCallError(err))
	assert.Contains(t, err.Error(), "nope")

	_, err = remote.Call(nil, nil)
	require.NoError(t, err, "fire-and-forget never sees the failure")
	select {
	case err := <-handled:
		assert.EqualError(t, err, "nope")
	case <-ctx.Done():
		t.Fatal("error handler not called")
	}
	runtime.KeepAlive(c)
}

func TestRemoteFuncIsUsableAsGoFunc(t *testing.T) {
	home, peer, _ := pair(t)

	got := make(chan any, 1)
	c := Wrap(func(args ...any) (any, error) {
		got <- args[0]
		return nil, nil
	})
	id, _ := home.bridge.Export(c)

	fn := peer.bridge.Import(id).Func()
	_, err := fn("click")
	require.NoError(t, err)
	assert.Equal(t, "click", <-got)
	runtime.KeepAlive(c)
}

func TestReleaseToZeroRetiresChannel(t *testing.T) {
	home, _, _ := pair(t)
	c := Wrap(func(args ...any) (any, error) { return nil, nil })

	id, _ := home.bridge.Export(c)
	home.life.Release(id)

	assert.False(t, home.link.Handles(id))
	_, ok := home.bridge.Table().Lookup(id)
	assert.False(t, ok)

	id2, fresh := home.bridge.Export(c)
	assert.True(t, fresh, "a retired callable is exported again under a new id")
	assert.NotEqual(t, id, id2)
}

func TestCollectedCallableIsRetired(t *testing.T) {
	home, _, _ := pair(t)

	var id ir.ID
	func() {
		c := Wrap(func(args ...any) (any, error) { return nil, nil })
		id, _ = home.bridge.Export(c)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return home.life.Count(id) == 0 && !home.link.Handles(id)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPinnedCallableSurvivesGC(t *testing.T) {
	table := NewTable(registry.NewFixedGenerator("x"))

	var id ir.ID
	func() {
		id, _ = table.Export(Pinned(func(args ...any) (any, error) { return "pinned", nil }))
	}()
	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	fn, err := table.Resolve(id)
	require.NoError(t, err)
	res, err := fn.(*Callable).Invoke()
	require.NoError(t, err)
	assert.Equal(t, "pinned", res)

	require.True(t, table.Retire(id))
	_, err = table.Resolve(id)
	require.Error(t, err)
}

func TestUnpinnedCallableIsCollected(t *testing.T) {
	table := NewTable(registry.NewFixedGenerator("x"))
	retired := make(chan ir.ID, 1)
	table.OnRetire(func(id ir.ID) { retired <- id })

	var id ir.ID
	func() {
		id, _ = table.Export(Pinned(func(args ...any) (any, error) { return nil, nil }))
	}()
	assert.True(t, table.Unpin(id))
	assert.False(t, table.Unpin(id))

	require.Eventually(t, func() bool {
		runtime.GC()
		return table.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, <-retired)
}

// mirrored links the two lifecycle tables the way sessions do over the wire.
func mirrored(home, peer *side) {
	home.life.SetMirror(lifecycle.MirrorFunc(func(id ir.ID, delta int) { peer.life.Apply(id, delta) }))
	peer.life.SetMirror(lifecycle.MirrorFunc(func(id ir.ID, delta int) { home.life.Apply(id, delta) }))
}

func TestPinnedChannelRetiresWithPeerRemote(t *testing.T) {
	home, peer, _ := pair(t)
	mirrored(home, peer)

	ids := make([]ir.ID, 20)
	for i := range ids {
		id, fresh := home.bridge.Export(Pinned(func(args ...any) (any, error) { return nil, nil }))
		require.True(t, fresh)
		assert.Zero(t, home.life.Count(id), "a pinned export holds no reference of its own")
		peer.bridge.Import(id)
		assert.Equal(t, 1, home.life.Count(id))
		ids[i] = id
	}

	require.Eventually(t, func() bool {
		runtime.GC()
		return home.bridge.Table().Len() == 0 && peer.bridge.Remotes() == 0
	}, 5*time.Second, 10*time.Millisecond)
	for _, id := range ids {
		assert.False(t, home.link.Handles(id))
		assert.Zero(t, home.life.Count(id))
		assert.Zero(t, peer.life.Count(id))
	}
}

func TestHeldRemoteKeepsPinnedChannel(t *testing.T) {
	home, peer, ctx := pair(t)
	mirrored(home, peer)

	id, _ := home.bridge.Export(Pinned(func(args ...any) (any, error) { return "still here", nil }))
	remote := peer.bridge.Import(id)
	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	res, err := remote.CallWait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still here", res)
	assert.Equal(t, 1, home.bridge.Table().Len())
	runtime.KeepAlive(remote)
}

func TestCollectedRemoteReleasesWeakChannel(t *testing.T) {
	home, peer, _ := pair(t)
	mirrored(home, peer)

	c := Wrap(func(args ...any) (any, error) { return nil, nil })
	id, _ := home.bridge.Export(c)
	func() {
		peer.bridge.Import(id)
	}()
	require.Eventually(t, func() bool { return home.life.Count(id) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		runtime.GC()
		return home.life.Count(id) == 1 && peer.bridge.Remotes() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, home.link.Handles(id), "the home still holds the callable")
	runtime.KeepAlive(c)
}

func TestCallOnRetiredChannelRepliesWithError(t *testing.T) {
	home, peer, ctx := pair(t)
	c := Wrap(func(args ...any) (any, error) { return nil, nil })
	id, _ := home.bridge.Export(c)

	// Keep the handler but drop the table entry, as if collection raced the call.
	home.bridge.Table().Retire(id)

	_, err := peer.bridge.Import(id).CallWait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retired")
	runtime.KeepAlive(c)
}

func TestPlainMarshaler(t *testing.T) {
	m := PlainMarshaler{}

	assert.Equal(t, ir.IRString("x"), m.Encode("x"))
	assert.Equal(t, ir.IROpaque{}, m.Encode(struct{}{}))
	assert.Equal(t, map[string]any{"a": int64(1)}, m.Decode(ir.IRObject{"a": ir.IRInt(1)}))
}

func TestUnexpectedMessageOnCallbackChannel(t *testing.T) {
	home, peer, ctx := pair(t)
	c := Wrap(func(args ...any) (any, error) { return nil, nil })
	id, _ := home.bridge.Export(c)

	require.NoError(t, peer.link.Send(ctx, protocol.Message{Type: protocol.TypeRegisterCallback, Channel: id, ID: "x"}))
	res, err := peer.bridge.Import(id).CallWait(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)
	runtime.KeepAlive(c)
}
