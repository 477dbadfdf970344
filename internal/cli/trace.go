package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Kind string // optional - filter to one operation kind
}

// TraceOp is one journaled operation with its replay outcome.
type TraceOp struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Status string `json:"status"` // "ok", "failed" or "pending"
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TraceBatch is one journaled batch.
type TraceBatch struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	Transfers int       `json:"transfers,omitempty"`
	Ops       []TraceOp `json:"ops"`
}

// TraceResult holds the complete trace output for one context.
type TraceResult struct {
	Context string       `json:"context"`
	Batches []TraceBatch `json:"batches"`
	Stats   TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Batches    int `json:"batches"`
	Operations int `json:"operations"`
	Replayed   int `json:"replayed"`
	Failed     int `json:"failed"`
}

// ContextList is the trace output when no context is given.
type ContextList struct {
	Contexts []store.ContextSummary `json:"contexts"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show journaled batches and their replay results",
		Long: `Show the Operation Log journaled for a recording context.

Without --context, lists every context in the journal. With it, prints
each batch in seq order and, for every operation, whether it replayed,
failed (with its error code) or is still pending.

Examples:
  mirage trace --db ./mirage.db
  mirage trace --db ./mirage.db --context ui
  mirage trace --db ./mirage.db --context ui --kind invoke --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().String("db", "", "path to SQLite database (default from config)")
	cmd.Flags().String("context", "", "recording context to trace")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one operation kind (read|write|invoke|instantiate)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd, "db", "context")
	if err != nil {
		return err
	}
	if opts.Kind != "" && !ir.Kind(opts.Kind).Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q", opts.Kind))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Context == "" {
		contexts, err := st.ListContexts(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list contexts", err)
		}
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), ContextList{Contexts: contexts}, nil)
		}
		return outputContextsText(cmd, contexts)
	}

	result, err := buildTrace(ctx, st, cfg.Context, ir.Kind(opts.Kind))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result, nil)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

// buildTrace joins batches with their stored results. When kind is set,
// only operations of that kind are listed; stats always cover every
// operation.
func buildTrace(ctx context.Context, st *store.Store, contextID string, kind ir.Kind) (TraceResult, error) {
	batches, err := st.ReadBatches(ctx, contextID)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{Context: contextID, Batches: make([]TraceBatch, 0, len(batches))}
	for _, b := range batches {
		rows, err := st.ReadResults(ctx, b.Context, b.Seq)
		if err != nil {
			return TraceResult{}, err
		}
		byIndex := make(map[int]store.ResultRow, len(rows))
		for _, r := range rows {
			byIndex[r.Index] = r
		}

		tb := TraceBatch{
			Seq:       b.Seq,
			ID:        b.ID,
			ClaimedBy: b.ClaimedBy,
			Transfers: len(b.Transfers),
			Ops:       []TraceOp{},
		}
		for i, op := range b.Ops {
			top := TraceOp{Index: i, Kind: string(op.Kind), Text: op.String(), Status: "pending"}
			if row, ok := byIndex[i]; ok {
				result.Stats.Replayed++
				top.Status = "ok"
				if row.Failed() {
					result.Stats.Failed++
					top.Status = "failed"
					top.Code = row.ErrorCode
					top.Error = row.Error
				}
			}
			result.Stats.Operations++
			if kind == "" || op.Kind == kind {
				tb.Ops = append(tb.Ops, top)
			}
		}
		result.Batches = append(result.Batches, tb)
	}
	result.Stats.Batches = len(result.Batches)
	return result, nil
}

func outputContextsText(cmd *cobra.Command, contexts []store.ContextSummary) error {
	w := cmd.OutOrStdout()
	if len(contexts) == 0 {
		fmt.Fprintln(w, "No contexts found in journal.")
		return nil
	}
	for _, c := range contexts {
		fmt.Fprintf(w, "%s: %d batch(es), %d operation(s), %d claimed, last seq %d\n",
			c.Context, c.Batches, c.Operations, c.Claimed, c.LastSeq)
	}
	return nil
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if len(result.Batches) == 0 {
		fmt.Fprintf(w, "No batches found for context: %s\n", result.Context)
		return nil
	}

	fmt.Fprintf(w, "Trace for Context: %s\n", result.Context)
	fmt.Fprintln(w)
	for _, b := range result.Batches {
		claim := "unclaimed"
		if b.ClaimedBy != "" {
			claim = "claimed by " + b.ClaimedBy
		}
		fmt.Fprintf(w, "Batch %d (%s)\n", b.Seq, claim)
		if verbose {
			fmt.Fprintf(w, "  ID: %s\n", b.ID)
			fmt.Fprintf(w, "  Transfers: %d\n", b.Transfers)
		}
		for _, op := range b.Ops {
			mark := "·"
			switch op.Status {
			case "ok":
				mark = "✓"
			case "failed":
				mark = "✗"
			}
			line := fmt.Sprintf("  %s [%d] %s", mark, op.Index, op.Text)
			if op.Code != "" {
				line += "  " + op.Code
			}
			fmt.Fprintln(w, line)
			if verbose && op.Error != "" {
				fmt.Fprintf(w, "      %s\n", op.Error)
			}
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== Stats ===\n")
	fmt.Fprintf(w, "  Batches: %d\n", result.Stats.Batches)
	fmt.Fprintf(w, "  Operations: %d (%d replayed, %d failed)\n",
		result.Stats.Operations, result.Stats.Replayed, result.Stats.Failed)
	return nil
}
