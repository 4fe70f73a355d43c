package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// SignalsListOptions holds flags for signals list.
type SignalsListOptions struct {
	*RootOptions
	Channel string
	Status  string
	All     bool
	Limit   int
	Cursor  string
}

// SignalDetail is the output of signals show.
type SignalDetail struct {
	Signal   signal.Signal   `json:"signal"`
	Attempts []store.Attempt `json:"attempts"`
}

// NewSignalsCommand creates the signals command group.
func NewSignalsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Inspect and cancel signals",
	}
	cmd.AddCommand(newSignalsListCommand(rootOpts))
	cmd.AddCommand(newSignalsShowCommand(rootOpts))
	cmd.AddCommand(newSignalsCancelCommand(rootOpts))
	return cmd
}

func newSignalsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignalsListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals, newest first",
		Long: `List signals, newest first.

Archived signals are hidden unless --all is given. When more results exist
the next page's cursor is printed; pass it back with --cursor.

Examples:
  signalcore signals list --db ./core.db
  signalcore signals list --channel vip --status failed
  signalcore signals list --limit 20 --cursor 1772442000000000000_0195...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalsList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "only signals from this channel")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only signals in this status")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include archived signals")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size (1-500)")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "resume after this cursor")

	return cmd
}

func runSignalsList(opts *SignalsListOptions, cmd *cobra.Command) error {
	status := signal.Status(opts.Status)
	if status != "" && !status.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", opts.Status))
	}
	if opts.Limit < 1 || opts.Limit > 500 {
		return NewExitError(ExitCommandError, "limit must be between 1 and 500")
	}

	st, _, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	page, err := st.ListSignals(cmd.Context(), store.SignalFilter{
		ChannelID:       opts.Channel,
		Status:          status,
		IncludeArchived: opts.All,
		Limit:           opts.Limit,
		Cursor:          opts.Cursor,
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		return WrapExitError(ExitCommandError, "bad cursor", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list signals", err)
	}

	return opts.output(cmd).Emit(page, func(out *OutputFormatter) error {
		if len(page.Signals) == 0 {
			out.Note("No signals found.")
			return nil
		}
		rows := [][]string{{"ID", "CHANNEL", "PAIR", "ACTION", "INTENT", "CONF", "STATUS", "RETRIES", "CREATED"}}
		for _, s := range page.Signals {
			rows = append(rows, []string{
				s.ID,
				s.ChannelID,
				dash(s.Pair),
				dash(s.Action),
				string(s.Intent),
				strconv.FormatFloat(s.Confidence, 'f', 2, 64),
				statusLabel(s),
				strconv.Itoa(s.RetryCount),
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		if err := out.Table(rows); err != nil {
			return err
		}
		if page.NextCursor != "" {
			out.Note("next cursor: %s", page.NextCursor)
		}
		return nil
	})
}

func newSignalsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <signal-id>",
		Short:         "Show a signal and its execution attempts",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalsShow(rootOpts, cmd, args[0])
		},
	}
}

func runSignalsShow(opts *RootOptions, cmd *cobra.Command, id string) error {
	st, _, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	sig, err := st.GetSignal(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to get signal", err)
	}
	attempts, err := st.ListAttempts(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list attempts", err)
	}
	detail := SignalDetail{Signal: sig, Attempts: attempts}

	return opts.output(cmd).Emit(detail, func(out *OutputFormatter) error {
		const w = 12
		out.Heading("Signal %s", sig.ID)
		out.Field(w, "Channel", sig.ChannelID)
		out.Field(w, "Source", sig.Source)
		out.Field(w, "Status", statusLabel(sig))
		if sig.ErrorMessage != "" {
			out.Field(w, "Error", sig.ErrorMessage)
		}
		out.Field(w, "Pair", dash(sig.Pair))
		out.Field(w, "Action", dash(sig.Action))
		out.Field(w, "Intent", sig.Intent)
		out.Field(w, "Entry", nullPrice(sig.Entry.Valid, sig.Entry.Decimal.String()))
		out.Field(w, "Stop loss", nullPrice(sig.StopLoss.Valid, sig.StopLoss.Decimal.String()))
		out.Field(w, "Take profit", takeProfits(sig))
		out.Field(w, "Confidence", strconv.FormatFloat(sig.Confidence, 'f', 2, 64))
		out.Field(w, "Retries", sig.RetryCount)
		out.Field(w, "Created", sig.CreatedAt.Format("2006-01-02 15:04:05"))
		out.Field(w, "Fingerprint", sig.Fingerprint)
		if out.Verbose {
			out.Field(w, "Raw text", strconv.Quote(sig.RawText))
		}

		fmt.Fprintln(out.Writer)
		if len(attempts) == 0 {
			out.Note("No execution attempts.")
			return nil
		}
		rows := [][]string{{"#", "OUTCOME", "REASON", "WORKER", "AT", "MESSAGE"}}
		for _, a := range attempts {
			rows = append(rows, []string{
				strconv.Itoa(a.Attempt),
				string(a.Outcome),
				dash(a.Reason),
				dash(a.WorkerID),
				a.RecordedAt.Format("15:04:05"),
				a.Message,
			})
		}
		return out.Table(rows)
	})
}

func newSignalsCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <signal-id>",
		Short: "Cancel a signal before it executes",
		Long: `Cancel a signal before it executes.

A queued signal is ignored at once. A signal whose task is being executed
is flagged; its worker settles it before calling the executor.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignalsCancel(rootOpts, cmd, args[0])
		},
	}
}

func runSignalsCancel(opts *RootOptions, cmd *cobra.Command, id string) error {
	st, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	q := newQueue(st, clock.Wall{}, cfg, zerolog.Nop())
	sig, err := q.Cancel(cmd.Context(), id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to cancel signal", err)
	}

	return opts.output(cmd).Emit(sig, func(out *OutputFormatter) error {
		if sig.Status.Terminal() {
			fmt.Fprintf(out.Writer, "%s %s\n", sig.ID, statusLabel(sig))
			return nil
		}
		fmt.Fprintf(out.Writer, "%s flagged as cancelled; the worker executing it will settle it\n", sig.ID)
		return nil
	})
}

func statusLabel(s signal.Signal) string {
	if s.ReasonCode == "" {
		return string(s.Status)
	}
	return fmt.Sprintf("%s (%s)", s.Status, s.ReasonCode)
}

func takeProfits(s signal.Signal) string {
	if len(s.TakeProfits) == 0 {
		return "-"
	}
	parts := make([]string, len(s.TakeProfits))
	for i, tp := range s.TakeProfits {
		parts[i] = tp.String()
	}
	return strings.Join(parts, ", ")
}

func nullPrice(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
