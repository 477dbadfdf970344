package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/store"
)

// execute runs cmd with args and returns stdout, stderr and the error.
func execute(cmd *cobra.Command, args ...string) (string, string, error) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// seedJournal writes batches for contextID into a fresh database and
// returns its path.
func seedJournal(t *testing.T, contextID string, batches ...[]ir.Operation) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mirage.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	for i, ops := range batches {
		b, err := ir.NewBatch(contextID, int64(i+1), ops, nil)
		require.NoError(t, err)
		require.NoError(t, st.AppendBatch(context.Background(), b))
	}
	return dbPath
}

// titleOps reads root.doc and writes its title.
func titleOps(contextID, title string) []ir.Operation {
	doc := ir.ID(contextID + "/1")
	return []ir.Operation{
		{Kind: ir.KindRead, Target: ir.RootID, Property: "doc", Result: doc},
		{Kind: ir.KindWrite, Target: doc, Property: "title", Value: ir.IRString(title)},
	}
}
