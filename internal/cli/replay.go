package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Target   string // JSON document to replay against
	Output   string // where to write the final document
	Claimant string
}

// ReplayBatchResult holds the outcome of one replayed batch.
type ReplayBatchResult struct {
	Seq        int64    `json:"seq"`
	BatchID    string   `json:"batch_id"`
	Operations int      `json:"operations"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Context    string              `json:"context"`
	Claimant   string              `json:"claimant"`
	Batches    []ReplayBatchResult `json:"batches"`
	Operations int                 `json:"operations"`
	Failed     int                 `json:"failed"`
	State      map[string]any      `json:"state"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay journaled batches against a JSON document",
		Long: `Claim every unreplayed batch of a context from the journal, replay it
against a JSON document and store the per-operation results.

Each batch is claimed exactly once, so running replay again only picks
up batches journaled since. Callback markers cannot be resolved outside
a live session and fail with NO_CHANNEL.

Exit codes:
  0 - All operations succeeded
  1 - One or more operations failed
  2 - Command error (database not found, bad target, etc.)

Examples:
  mirage replay --db ./mirage.db --context 0a1b2c3d4e5f
  mirage replay --db ./mirage.db --context ui --target state.json --output state.json
  mirage replay --context ui --auto-vivify --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().String("db", "", "path to SQLite database (default from config)")
	cmd.Flags().String("context", "", "recording context to replay")
	cmd.Flags().Bool("auto-vivify", false, "create missing members on read")
	cmd.Flags().StringVar(&opts.Target, "target", "", "JSON document to replay against (default {})")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the final document to this file")
	cmd.Flags().StringVar(&opts.Claimant, "claimant", "", "claimant recorded with each batch (default random)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd, "db", "context", "auto_vivify")
	if err != nil {
		return err
	}
	if cfg.Context == "" {
		return NewExitError(ExitCommandError, "a context is required (--context or MIRAGE_CONTEXT)")
	}

	target, err := loadDocument(opts.Target)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load target", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	claimant := opts.Claimant
	if claimant == "" {
		claimant = "replay-" + uuid.NewString()
	}

	engine := replay.New(target, replay.WithHost(replay.ReflectHost{AutoVivify: cfg.AutoVivify}))
	result, err := replayContext(cmd.Context(), st, engine, cfg.Context, claimant)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	result.State = target

	if opts.Output != "" {
		if err := writeDocument(opts.Output, target); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}

	if opts.Format == "json" {
		var failure *CLIError
		if result.Failed > 0 {
			failure = &CLIError{Code: "E_REPLAY", Message: fmt.Sprintf("%d operation(s) failed", result.Failed)}
		}
		return writeJSON(cmd.OutOrStdout(), result, failure)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayContext claims and replays batches until none are left.
func replayContext(ctx context.Context, st *store.Store, engine *replay.Engine, contextID, claimant string) (ReplayResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := ReplayResult{Context: contextID, Claimant: claimant, Batches: []ReplayBatchResult{}}

	for {
		b, ok, err := st.ClaimNext(ctx, contextID, claimant)
		if err != nil {
			return result, err
		}
		if !ok {
			return result, nil
		}
		if err := st.VerifyBatch(ctx, b.Context, b.Seq); err != nil {
			return result, err
		}

		results := engine.Replay(b.Ops, b.Transfers)
		if err := st.WriteResults(ctx, b, results); err != nil {
			return result, err
		}

		br := ReplayBatchResult{Seq: b.Seq, BatchID: b.ID, Operations: len(results)}
		for _, r := range results {
			if r.Failed() {
				br.Failed++
				br.Errors = append(br.Errors, r.Err.Error())
			}
		}
		result.Batches = append(result.Batches, br)
		result.Operations += br.Operations
		result.Failed += br.Failed
	}
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if len(result.Batches) == 0 {
		fmt.Fprintf(w, "No unreplayed batches for context %s.\n", result.Context)
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d batch(es), %d operation(s)\n", len(result.Batches), result.Operations)
	fmt.Fprintln(w)
	for _, b := range result.Batches {
		status := "✓"
		if b.Failed > 0 {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Batch %d: %d operation(s), %d failed\n", status, b.Seq, b.Operations, b.Failed)
		if verbose {
			fmt.Fprintf(w, "  ID: %s\n", b.BatchID)
		}
		for _, e := range b.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintln(w)

	state, err := json.MarshalIndent(result.State, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "State:\n%s\n", state)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed", result.Failed))
	}
	return nil
}

// loadDocument reads a JSON object. An empty path yields an empty object.
func loadDocument(path string) (map[string]any, error) {
	doc := map[string]any{}
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err = decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func writeDocument(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
