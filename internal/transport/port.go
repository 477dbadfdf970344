package transport

import (
	"context"
	"errors"
	"io"

	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/sched"
)

var (
	// ErrClosed is returned when sending on a closed port.
	ErrClosed = errors.New("port closed")

	// ErrNoChannel is returned when an operation needs a channel and none
	// is configured.
	ErrNoChannel = errors.New("no channel configured")
)

// Port is a duplex message channel. Messages are delivered in send order
// and at most once per Send.
type Port interface {
	Send(ctx context.Context, m protocol.Message) error
	// Recv blocks for the next message. It returns io.EOF once the peer
	// has closed and all queued messages were received.
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Pipe returns two connected in-memory ports. Messages are handed over by
// value; transfers move with the message and are not copied.
func Pipe() (Port, Port) {
	ab := sched.NewQueue[protocol.Message]()
	ba := sched.NewQueue[protocol.Message]()
	return &pipePort{out: ab, in: ba}, &pipePort{out: ba, in: ab}
}

type pipePort struct {
	out *sched.Queue[protocol.Message]
	in  *sched.Queue[protocol.Message]
}

func (p *pipePort) Send(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.out.Enqueue(m) {
		return ErrClosed
	}
	return nil
}

func (p *pipePort) Recv(ctx context.Context) (protocol.Message, error) {
	for {
		if m, ok := p.in.TryDequeue(); ok {
			return m, nil
		}
		if p.in.Closed() && p.in.Len() == 0 {
			return protocol.Message{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-p.in.Wait():
		}
	}
}

// Close shuts both directions. The peer drains what was already sent and
// then sees io.EOF.
func (p *pipePort) Close() error {
	p.out.Close()
	p.in.Close()
	return nil
}
