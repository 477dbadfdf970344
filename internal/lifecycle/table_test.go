package lifecycle

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
)

type delta struct {
	id ir.ID
	d  int
}

type recordingMirror struct {
	mu     sync.Mutex
	deltas []delta
}

func (m *recordingMirror) Mirror(id ir.ID, d int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, delta{id, d})
}

func (m *recordingMirror) all() []delta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delta(nil), m.deltas...)
}

func TestAcquireReleaseBalanced(t *testing.T) {
	mirror := &recordingMirror{}
	table := NewTable(mirror)

	var zeroed []ir.ID
	table.OnZero(func(id ir.ID) { zeroed = append(zeroed, id) })

	for i := 0; i < 3; i++ {
		table.Acquire("t/1")
	}
	assert.Equal(t, 3, table.Count("t/1"))

	for i := 0; i < 3; i++ {
		table.Release("t/1")
	}
	assert.Equal(t, 0, table.Count("t/1"))
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, []ir.ID{"t/1"}, zeroed, "hook fires once, at zero")

	assert.Equal(t, []delta{
		{"t/1", 1}, {"t/1", 1}, {"t/1", 1},
		{"t/1", -1}, {"t/1", -1}, {"t/1", -1},
	}, mirror.all())
}

func TestReleaseUnderflowClamps(t *testing.T) {
	mirror := &recordingMirror{}
	table := NewTable(mirror)

	hookRuns := 0
	table.OnZero(func(ir.ID) { hookRuns++ })

	assert.Equal(t, 0, table.Release("t/9"))
	assert.Equal(t, 0, table.Count("t/9"))
	assert.Equal(t, 0, hookRuns)
	assert.Empty(t, mirror.all(), "underflow is not mirrored")
}

func TestApplyIsNotMirrored(t *testing.T) {
	mirror := &recordingMirror{}
	table := NewTable(mirror)

	var zeroed []ir.ID
	table.OnZero(func(id ir.ID) { zeroed = append(zeroed, id) })

	assert.Equal(t, 2, table.Apply("peer/1", 2))
	assert.Equal(t, 1, table.Apply("peer/1", -1))
	assert.Equal(t, 0, table.Apply("peer/1", -5), "clamped at zero")

	assert.Empty(t, mirror.all())
	assert.Equal(t, []ir.ID{"peer/1"}, zeroed)
}

func TestApplyZeroDeltaOnAbsentIsQuiet(t *testing.T) {
	table := NewTable(nil)
	hookRuns := 0
	table.OnZero(func(ir.ID) { hookRuns++ })

	assert.Equal(t, 0, table.Apply("x/1", 0))
	assert.Equal(t, 0, table.Apply("x/1", -1))
	assert.Equal(t, 0, hookRuns, "an absent id never reached zero")
}

func TestTokenReleasesOnce(t *testing.T) {
	table := NewTable(nil)

	tok := table.Hold("t/1")
	table.Acquire("t/1")
	require.Equal(t, 2, table.Count("t/1"))

	assert.True(t, tok.Release())
	assert.False(t, tok.Release())
	assert.True(t, tok.Released())
	assert.Equal(t, 1, table.Count("t/1"))

	var nilTok *Token
	assert.False(t, nilTok.Release())
}

type holder struct {
	name string
	pad  [8]*int
}

func TestAttachCleanupReleasesUnreachableOwner(t *testing.T) {
	table := NewTable(nil)

	released := make(chan ir.ID, 1)
	table.OnZero(func(id ir.ID) { released <- id })

	func() {
		h := &holder{name: "stand-in"}
		AttachCleanup(h, table.Hold("t/7"))
		runtime.KeepAlive(h)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case id := <-released:
			return id == "t/7"
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, table.Count("t/7"))
}

func TestAttachCleanupAfterExplicitRelease(t *testing.T) {
	table := NewTable(nil)
	table.Acquire("t/8")

	var zeroCount int
	var mu sync.Mutex
	table.OnZero(func(ir.ID) {
		mu.Lock()
		zeroCount++
		mu.Unlock()
	})

	tok := table.Hold("t/8")
	func() {
		h := &holder{name: "disposed"}
		AttachCleanup(h, tok)
		tok.Release()
		runtime.KeepAlive(h)
	}()

	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 1, table.Count("t/8"), "cleanup must not decrement a released token again")
	mu.Lock()
	assert.Equal(t, 0, zeroCount)
	mu.Unlock()
}
