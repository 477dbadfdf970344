package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/roach88/mirage/internal/protocol"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 16 << 20

// Stream is a Port over a byte stream. Each message is one frame: a 4-byte
// big-endian length followed by the codec payload.
//
// A frame that fails to decode is reported as a protocol.ErrMalformed error
// from Recv; the stream stays usable. An oversized or truncated frame is
// fatal because the framing is lost.
type Stream struct {
	rwc   io.ReadWriteCloser
	codec protocol.Codec

	wmu sync.Mutex
	w   *bufio.Writer

	rmu sync.Mutex
	r   *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps rwc. The Stream owns rwc and closes it on Close.
func NewStream(rwc io.ReadWriteCloser, codec protocol.Codec) *Stream {
	return &Stream{
		rwc:   rwc,
		codec: codec,
		w:     bufio.NewWriter(rwc),
		r:     bufio.NewReader(rwc),
	}
}

// Codec returns the stream's codec.
func (s *Stream) Codec() protocol.Codec {
	return s.codec
}

// Send implements Port.
func (s *Stream) Send(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := s.codec.Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(hdr[:]); err != nil {
		return s.writeErr(err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return s.writeErr(err)
	}
	return s.writeErr(s.w.Flush())
}

func (s *Stream) writeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return fmt.Errorf("write frame: %w", err)
}

// Recv implements Port. Cancelling ctx does not interrupt a blocked read;
// close the stream for that.
func (s *Stream) Recv(ctx context.Context) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return protocol.Message{}, fmt.Errorf("read frame header: %w", err)
		}
		return protocol.Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return protocol.Message{}, fmt.Errorf("frame too large: %d bytes", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return protocol.Message{}, fmt.Errorf("read frame body: %w", err)
	}
	return s.codec.Decode(payload)
}

// Close implements Port.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}
