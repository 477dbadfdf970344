package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/mirage/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestBatch builds a two-operation batch with its content id.
func createTestBatch(t *testing.T, contextID string, seq int64) ir.Batch {
	t.Helper()
	result := ir.ID(contextID + "/1")
	ops := []ir.Operation{
		{Kind: ir.KindRead, Target: ir.RootID, Property: "doc", Result: result},
		{Kind: ir.KindWrite, Target: result, Property: "title", Value: ir.IRString("hi")},
	}
	b, err := ir.NewBatch(contextID, seq, ops, nil)
	if err != nil {
		t.Fatalf("NewBatch() failed: %v", err)
	}
	return b
}
