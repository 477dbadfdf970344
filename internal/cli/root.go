package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/mirage/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// Viper holds file and env configuration; commands bind their flags
	// to it before loading.
	Viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mirage CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Viper: config.New()}

	cmd := &cobra.Command{
		Use:   "mirage",
		Short: "mirage - record operations here, replay them there",
		Long: `Record reads, writes, invocations and constructions against stand-ins,
ship them as batches, and replay them against the real object graph.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := config.ReadFile(opts.Viper, opts.ConfigFile); err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./mirage.yaml)")

	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// loadConfig binds the command's flags to the config keys of the same name,
// loads the config and installs the default logger.
//
// Flags are bound here rather than at construction because viper keeps one
// flag per key and several commands define --db.
func (o *RootOptions) loadConfig(cmd *cobra.Command, keys ...string) (config.Config, error) {
	v := o.Viper
	if v == nil {
		v = config.New()
	}
	for _, key := range keys {
		if f := cmd.Flags().Lookup(flagName(key)); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, WrapExitError(ExitCommandError, "failed to bind flag", err)
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	level, _ := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

// flagName maps a config key to its flag ("auto_vivify" -> "auto-vivify").
func flagName(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}
