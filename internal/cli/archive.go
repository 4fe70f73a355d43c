package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// ArchiveResult is the output of the archive command.
type ArchiveResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Archived int64     `json:"archived"`
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Hide old terminal signals from listings",
		Long: `Archive executed, failed and ignored signals created before the cutoff.

Archived signals drop out of default listings but keep their fingerprints,
so a repeat of an archived signal is still reported as a duplicate.

Example:
  signalcore archive --older-than 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 30*24*time.Hour, "archive signals older than this")

	return cmd
}

func runArchive(opts *ArchiveOptions, cmd *cobra.Command) error {
	if opts.OlderThan <= 0 {
		return NewExitError(ExitCommandError, "--older-than must be positive")
	}

	st, _, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now().UTC()
	res := ArchiveResult{Cutoff: now.Add(-opts.OlderThan)}
	res.Archived, err = st.ArchiveSignals(cmd.Context(), res.Cutoff, now)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to archive signals", err)
	}

	return opts.output(cmd).Emit(res, func(out *OutputFormatter) error {
		fmt.Fprintf(out.Writer, "Archived %d signals created before %s\n", res.Archived, res.Cutoff.Format(time.RFC3339))
		return nil
	})
}
