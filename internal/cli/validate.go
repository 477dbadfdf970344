package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/harness"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/protocol"
)

// FileValidation is the outcome for one file.
type FileValidation struct {
	Path   string   `json:"path"`
	Kind   string   `json:"kind"` // "scenario" or "message"
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate scenarios and wire messages",
		Long: `Check files without running them. Directories are walked.

  *.yaml, *.yml  scenarios: schema, handles, assertion fields
  *.json         messages: CUE schema, required fields, and for replay
                 messages that no operation references a later result
  *.cbor         messages: required fields and references as above`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	if _, err := opts.loadConfig(cmd); err != nil {
		return err
	}

	var files []string
	for _, p := range paths {
		found, err := findValidatable(p)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read path", err)
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no files to validate")
	}

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, f := range files {
		fv := validateFile(f)
		result.Files = append(result.Files, fv)
		if !fv.Valid {
			result.Valid = false
		}
	}

	var failure *CLIError
	if !result.Valid {
		failure = &CLIError{Code: "E_INVALID", Message: "validation failed"}
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result, failure)
	}

	w := cmd.OutOrStdout()
	for _, fv := range result.Files {
		if fv.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", fv.Path, fv.Kind)
			continue
		}
		fmt.Fprintf(w, "✗ %s (%s)\n", fv.Path, fv.Kind)
		for _, e := range fv.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

func findValidatable(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case ".yaml", ".yml", ".json", ".cbor":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func validateFile(path string) FileValidation {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		fv := FileValidation{Path: path, Kind: "scenario", Valid: true}
		if _, err := harness.LoadScenario(path); err != nil {
			fv.Valid = false
			fv.Errors = []string{err.Error()}
		}
		return fv
	case ".json":
		return validateMessage(path, protocol.NewJSONCodec())
	case ".cbor":
		return validateMessage(path, protocol.NewCBORCodec())
	default:
		return FileValidation{
			Path:   path,
			Valid:  false,
			Errors: []string{fmt.Sprintf("unsupported file type %q", filepath.Ext(path))},
		}
	}
}

func validateMessage(path string, codec protocol.Codec) FileValidation {
	fv := FileValidation{Path: path, Kind: "message", Valid: true}
	fail := func(format string, args ...any) {
		fv.Valid = false
		fv.Errors = append(fv.Errors, fmt.Sprintf(format, args...))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fail("%v", err)
		return fv
	}
	m, err := codec.Decode(data)
	if err != nil {
		fail("%v", err)
		return fv
	}
	if m.Type == protocol.TypeReplay {
		for _, id := range laterRefs(m.Ops) {
			fail("reference to %s before the operation that produces it", id)
		}
	}
	return fv
}

// laterRefs returns ids used before the operation in the same batch that
// produces them. Ids produced by earlier batches are not checked.
func laterRefs(ops []ir.Operation) []ir.ID {
	produced := make(map[ir.ID]bool, len(ops))
	for _, op := range ops {
		if op.Result != "" {
			produced[op.Result] = true
		}
	}
	var out []ir.ID
	for _, id := range ir.ForwardRefs(ops) {
		if produced[id] {
			out = append(out, id)
		}
	}
	return out
}
