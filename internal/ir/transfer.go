package ir

import (
	"errors"
	"sync"
)

// ErrDetached is returned when a transferable resource is used after its
// ownership has moved.
var ErrDetached = errors.New("resource has been transferred")

// Transferable is a resource that is moved, not copied, across a context
// boundary. Detach hands over the underlying bytes; afterwards the original
// is unusable.
type Transferable interface {
	Detach() ([]byte, error)
}

// Buffer is a byte buffer with move semantics.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	detached bool
}

// NewBuffer wraps data. The caller must not retain data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the buffer contents, or ErrDetached after a transfer.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	return b.data, nil
}

// Len returns the number of bytes held, 0 once detached.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Detached reports whether ownership has moved.
func (b *Buffer) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// Detach implements Transferable.
func (b *Buffer) Detach() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, nil
}
