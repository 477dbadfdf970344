package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/registry"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipeOrderAndEOF(t *testing.T) {
	ctx := testCtx(t)
	a, b := Pipe()

	for i := 1; i <= 3; i++ {
		require.NoError(t, a.Send(ctx, protocol.Message{Type: protocol.TypeRefcount, ID: "t/1", Delta: i}))
	}
	require.NoError(t, a.Close())

	for i := 1; i <= 3; i++ {
		m, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, m.Delta)
	}
	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.Send(ctx, protocol.Message{Type: protocol.TypeRefcount}), ErrClosed)
}

func TestPipeRecvHonorsContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamOverTCP(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.NewJSONCodec(), protocol.NewCBORCodec()} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := testCtx(t)
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			accepted := make(chan net.Conn, 1)
			go func() {
				c, err := ln.Accept()
				if err == nil {
					accepted <- c
				}
			}()

			client, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)
			server := <-accepted

			sa := NewStream(client, codec)
			sb := NewStream(server, codec)
			defer sa.Close()
			defer sb.Close()

			sent := protocol.Message{
				Type:      protocol.TypeReplay,
				Context:   "c",
				Seq:       1,
				Ops:       []ir.Operation{{Kind: ir.KindWrite, Target: ir.RootID, Property: "x", Value: ir.IRTransfer{}}},
				Transfers: [][]byte{[]byte("moved")},
			}
			require.NoError(t, sa.Send(ctx, sent))

			got, err := sb.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, sent, got)
		})
	}
}

type rwc struct {
	io.Reader
	io.Writer
}

func (rwc) Close() error { return nil }

func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func TestStreamMalformedFrameIsRecoverable(t *testing.T) {
	ctx := testCtx(t)
	pr, pw := io.Pipe()
	s := NewStream(rwc{Reader: pr, Writer: io.Discard}, protocol.NewJSONCodec())

	go func() {
		pw.Write(frame([]byte(`{"type":"teleport"}`)))
		pw.Write(frame([]byte(`{"type":"registerCallback","id":"t/2"}`)))
		pw.Close()
	}()

	_, err := s.Recv(ctx)
	require.ErrorIs(t, err, protocol.ErrMalformed)

	m, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRegisterCallback, m.Type)

	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

type countingObserver struct {
	mu       sync.Mutex
	sent     int
	received int
	dropped  []string
}

func (o *countingObserver) MessageSent(protocol.Type) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *countingObserver) MessageReceived(protocol.Type) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func (o *countingObserver) MessageDropped(reason string) {
	o.mu.Lock()
	o.dropped = append(o.dropped, reason)
	o.mu.Unlock()
}

func TestLinkRoutesByChannel(t *testing.T) {
	ctx := testCtx(t)
	a, b := Pipe()
	obs := &countingObserver{}
	la := NewLink(a, registry.NewFixedGenerator("a"))
	lb := NewLink(b, registry.NewFixedGenerator("b"), WithObserver(obs))

	control := make(chan protocol.Message, 4)
	sub := make(chan protocol.Message, 4)
	lb.Handle("", func(m protocol.Message) { control <- m })
	lb.Handle("a/9", func(m protocol.Message) { sub <- m })
	go lb.Serve(ctx)

	require.NoError(t, la.Send(ctx, protocol.Message{Type: protocol.TypeRegisterCallback, ID: "a/9"}))
	require.NoError(t, la.Send(ctx, protocol.Message{Type: protocol.TypeCall, Channel: "a/9"}))
	require.NoError(t, la.Send(ctx, protocol.Message{Type: protocol.TypeCall, Channel: "a/404"}))

	assert.Equal(t, protocol.TypeRegisterCallback, (<-control).Type)
	assert.Equal(t, ir.ID("a/9"), (<-sub).Channel)
	lb.Unhandle("a/9")
	assert.False(t, lb.Handles("a/9"))

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.dropped) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"unknown channel"}, obs.dropped)
}

func TestLinkRequestReply(t *testing.T) {
	ctx := testCtx(t)
	a, b := Pipe()
	la := NewLink(a, registry.NewFixedGenerator("a"))
	lb := NewLink(b, registry.NewFixedGenerator("b"))

	lb.Handle("", func(m protocol.Message) {
		lb.Send(ctx, protocol.Message{Type: protocol.TypeReturn, Channel: m.Reply, Value: ir.IRString("pong")})
	})
	go la.Serve(ctx)
	go lb.Serve(ctx)

	resp, err := la.Request(ctx, protocol.Message{Type: protocol.TypeEvaluate, Value: ir.IRRef{ID: "a/1"}})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("pong"), resp.Value)
	assert.Equal(t, 0, la.Pending())
}

func TestLinkRequestTimeoutReleasesReply(t *testing.T) {
	a, _ := Pipe()
	la := NewLink(a, registry.NewFixedGenerator("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := la.Request(ctx, protocol.Message{Type: protocol.TypeProxyGet, ID: "b/1", Property: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, la.Pending())
}

func TestLinkNoChannel(t *testing.T) {
	ctx := testCtx(t)
	var nilLink *Link

	assert.ErrorIs(t, nilLink.Send(ctx, protocol.Message{}), ErrNoChannel)
	_, err := nilLink.Request(ctx, protocol.Message{})
	assert.ErrorIs(t, err, ErrNoChannel)

	a, _ := Pipe()
	l := NewLink(a, registry.NewFixedGenerator("a"))
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Send(ctx, protocol.Message{Type: protocol.TypeRegisterCallback, ID: "x"}), ErrNoChannel)
}

func TestLinkServeEndsOnEOFAndFailsPending(t *testing.T) {
	ctx := testCtx(t)
	a, b := Pipe()
	la := NewLink(a, registry.NewFixedGenerator("a"))

	done := make(chan error, 1)
	go func() { done <- la.Serve(ctx) }()

	reqErr := make(chan error, 1)
	go func() {
		_, err := la.Request(ctx, protocol.Message{Type: protocol.TypeProxyGet, ID: "b/1", Property: "x"})
		reqErr <- err
	}()

	require.Eventually(t, func() bool { return la.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())

	require.NoError(t, <-done)
	assert.ErrorIs(t, <-reqErr, ErrNoChannel)
}

func TestLinkHandlerPanicIsContained(t *testing.T) {
	ctx := testCtx(t)
	a, b := Pipe()
	la := NewLink(a, registry.NewFixedGenerator("a"))
	lb := NewLink(b, registry.NewFixedGenerator("b"))

	got := make(chan protocol.Message, 1)
	calls := 0
	lb.Handle("", func(m protocol.Message) {
		calls++
		if calls == 1 {
			panic("handler bug")
		}
		got <- m
	})
	go lb.Serve(ctx)

	require.NoError(t, la.Send(ctx, protocol.Message{Type: protocol.TypeRegisterCallback, ID: "a/1"}))
	require.NoError(t, la.Send(ctx, protocol.Message{Type: protocol.TypeRegisterCallback, ID: "a/2"}))

	assert.Equal(t, ir.ID("a/2"), (<-got).ID)
}

func TestLinkServeStopsOnCancelWhileStreamIsIdle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted

	l := NewLink(NewStream(server, protocol.NewJSONCodec()), registry.NewFixedGenerator("s"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	// The peer stays connected and silent, so Recv is parked in a read.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.ErrorIs(t, l.Send(context.Background(), protocol.Message{Type: protocol.TypeRefcount}), ErrNoChannel)
}
