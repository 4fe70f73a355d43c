package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/sunil55999/AISignalPro-sub001/internal/config"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides app.database_path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the signalcore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "signalcore",
		Short: "Trading signal core",
		Long: `signalcore ingests trading signals from external channels, suppresses
duplicates, gates low-confidence signals, executes the rest through a
durable retry queue, scores channel trust, and rolls out parser builds to
desktop agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSignalsCommand(opts))
	cmd.AddCommand(NewChannelCommand(opts))
	cmd.AddCommand(NewTrustCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewDeployCommand(opts))

	return cmd
}

// loadConfig reads --config and applies --db.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.App.DatabasePath = o.Database
	}
	return cfg, nil
}

// openStore loads the config and opens its database.
func (o *RootOptions) openStore() (*store.Store, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.App.DatabasePath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, cfg, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return NewOutputFormatter(cmd.OutOrStdout(), o.Format, o.Verbose)
}
