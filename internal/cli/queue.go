package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the retry queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "stats",
		Short:         "Show queue depth and attempt outcomes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStats(rootOpts, cmd)
		},
	})
	return cmd
}

func runQueueStats(opts *RootOptions, cmd *cobra.Command) error {
	st, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := newQueue(st, clock.Wall{}, cfg, zerolog.Nop()).Stats(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue stats", err)
	}

	return opts.output(cmd).Emit(stats, func(out *OutputFormatter) error {
		const w = 13
		out.Heading("Tasks")
		out.Field(w, "Ready", stats.Ready)
		out.Field(w, "Delayed", stats.Delayed)
		out.Field(w, "Leased", stats.Leased)
		out.Field(w, "Expired", stats.Expired)
		if !stats.OldestReady.IsZero() {
			out.Field(w, "Oldest ready", stats.OldestReady.Format("2006-01-02 15:04:05"))
		}

		fmt.Fprintln(out.Writer)
		out.Heading("Signals")
		if err := out.Table(countRows("STATUS", stats.SignalCounts)); err != nil {
			return err
		}

		fmt.Fprintln(out.Writer)
		out.Heading("Attempts")
		out.Field(w, "Total", stats.Attempts.Total)
		out.Field(w, "Success rate", strconv.FormatFloat(stats.Attempts.SuccessRate*100, 'f', 1, 64)+"%")
		if len(stats.Attempts.ByReason) > 0 {
			return out.Table(countRows("REASON", stats.Attempts.ByReason))
		}
		return nil
	})
}

func countRows(header string, counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := [][]string{{header, "COUNT"}}
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return rows
}
