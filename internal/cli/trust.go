package cli

import (
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// TrustOptions holds flags for the trust command.
type TrustOptions struct {
	*RootOptions
	Period  string
	History bool
}

// NewTrustCommand creates the trust command.
func NewTrustCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrustOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trust <channel-id>",
		Short: "Show a channel's trust score",
		Long: `Show a channel's trust score.

The score is computed from the live counts for the period. Periods are
bucket keys in the configured granularity: 2026-03-02 (daily), 2026-W10
(weekly) or 2026-03 (monthly). The current period is used by default.

Examples:
  signalcore trust vip
  signalcore trust vip --period 2026-W10
  signalcore trust vip --history --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrust(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Period, "period", "", "period key (default: current)")
	cmd.Flags().BoolVar(&opts.History, "history", false, "list every rolled-up period")

	return cmd
}

func runTrust(opts *TrustOptions, cmd *cobra.Command, channelID string) error {
	st, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	scorer, err := newScorer(st, clock.Wall{}, cfg, zerolog.Nop())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid trust config", err)
	}

	ctx := cmd.Context()
	if _, err := st.GetChannel(ctx, channelID); err != nil {
		return WrapExitError(ExitFailure, "unknown channel", err)
	}

	if opts.History {
		records, err := scorer.History(ctx, channelID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read trust history", err)
		}
		return opts.output(cmd).Emit(records, func(out *OutputFormatter) error {
			if len(records) == 0 {
				out.Note("No rolled-up trust records for %s.", channelID)
				return nil
			}
			rows := [][]string{{"PERIOD", "SIGNALS", "EXECUTED", "WINS", "SCORE"}}
			for _, r := range records {
				rows = append(rows, trustRow(r))
			}
			return out.Table(rows)
		})
	}

	counts, err := scorer.GetTrustScore(ctx, channelID, opts.Period)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read trust score", err)
	}
	return opts.output(cmd).Emit(counts, func(out *OutputFormatter) error {
		const w = 9
		out.Heading("Trust %s (%s %s)", channelID, scorer.Period(), counts.Period)
		out.Field(w, "Signals", counts.TotalSignals)
		out.Field(w, "Executed", counts.ExecutedTrades)
		out.Field(w, "Wins", counts.WinningTrades)
		out.Field(w, "Score", strconv.FormatFloat(counts.TrustScore, 'f', 3, 64))
		return nil
	})
}

func trustRow(r store.TrustCounts) []string {
	return []string{
		r.Period,
		strconv.FormatInt(r.TotalSignals, 10),
		strconv.FormatInt(r.ExecutedTrades, 10),
		strconv.FormatInt(r.WinningTrades, 10),
		strconv.FormatFloat(r.TrustScore, 'f', 3, 64),
	}
}
