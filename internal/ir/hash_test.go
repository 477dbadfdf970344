package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOps() []Operation {
	return []Operation{
		{Kind: KindRead, Target: RootID, Property: "a", Result: "t/1"},
		{Kind: KindWrite, Target: "t/1", Property: "value", Value: IRString("x")},
	}
}

func TestBatchIDDeterminism(t *testing.T) {
	id1, err := BatchID("ctx-1", 1, sampleOps())
	require.NoError(t, err)
	id2, err := BatchID("ctx-1", 1, sampleOps())
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "BatchID must be deterministic")
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestBatchIDChangesWithInput(t *testing.T) {
	base := MustBatchID("ctx-1", 1, sampleOps())

	assert.NotEqual(t, base, MustBatchID("ctx-2", 1, sampleOps()), "different context")
	assert.NotEqual(t, base, MustBatchID("ctx-1", 2, sampleOps()), "different seq")
	assert.NotEqual(t, base, MustBatchID("ctx-1", 1, sampleOps()[:1]), "different ops")
}

func TestTraceHashIgnoresContext(t *testing.T) {
	h1, err := TraceHash(sampleOps())
	require.NoError(t, err)
	h2, err := TraceHash(sampleOps())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, MustBatchID("ctx", 1, sampleOps()), "domains are separated")
}
