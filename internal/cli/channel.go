package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sunil55999/AISignalPro-sub001/internal/signal"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// ChannelSetOptions holds flags for channel set.
type ChannelSetOptions struct {
	*RootOptions
	Name      string
	Threshold float64
	Active    bool
}

// NewChannelCommand creates the channel command group.
func NewChannelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage monitored channels",
	}
	cmd.AddCommand(newChannelSetCommand(rootOpts))
	cmd.AddCommand(newChannelListCommand(rootOpts))
	return cmd
}

func newChannelSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChannelSetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <channel-id>",
		Short: "Create or update a channel",
		Long: `Create or update a channel.

Only the flags given are changed. A new channel starts active with the
configured default confidence threshold.

Examples:
  signalcore channel set vip --threshold 0.9
  signalcore channel set spam --active=false`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelSet(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "minimum parser confidence (0-1)")
	cmd.Flags().BoolVar(&opts.Active, "active", true, "accept signals from this channel")

	return cmd
}

func runChannelSet(opts *ChannelSetOptions, cmd *cobra.Command, id string) error {
	flags := cmd.Flags()
	if flags.Changed("threshold") && (opts.Threshold < 0 || opts.Threshold > 1) {
		return NewExitError(ExitCommandError, fmt.Sprintf("threshold %v not in [0,1]", opts.Threshold))
	}

	st, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	ch, err := st.GetChannel(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ch = signal.Channel{
			ID:                  id,
			Name:                id,
			ConfidenceThreshold: cfg.Gate.DefaultChannelThreshold,
			IsActive:            true,
			CreatedAt:           time.Now().UTC(),
		}
	case err != nil:
		return WrapExitError(ExitFailure, "failed to read channel", err)
	}

	if flags.Changed("name") {
		ch.Name = opts.Name
	}
	if flags.Changed("threshold") {
		ch.ConfidenceThreshold = opts.Threshold
	}
	if flags.Changed("active") {
		ch.IsActive = opts.Active
	}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		return WrapExitError(ExitFailure, "failed to save channel", err)
	}

	return opts.output(cmd).Emit(ch, func(out *OutputFormatter) error {
		printChannel(out, ch)
		return nil
	})
}

func newChannelListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List channels",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			channels, err := st.ListChannels(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list channels", err)
			}
			return rootOpts.output(cmd).Emit(channels, func(out *OutputFormatter) error {
				if len(channels) == 0 {
					out.Note("No channels registered.")
					return nil
				}
				rows := [][]string{{"ID", "NAME", "THRESHOLD", "ACTIVE"}}
				for _, ch := range channels {
					rows = append(rows, []string{
						ch.ID, ch.Name,
						strconv.FormatFloat(ch.ConfidenceThreshold, 'f', 2, 64),
						strconv.FormatBool(ch.IsActive),
					})
				}
				return out.Table(rows)
			})
		},
	}
}

func printChannel(out *OutputFormatter, ch signal.Channel) {
	const w = 10
	out.Heading("Channel %s", ch.ID)
	out.Field(w, "Name", ch.Name)
	out.Field(w, "Threshold", strconv.FormatFloat(ch.ConfidenceThreshold, 'f', 2, 64))
	out.Field(w, "Active", ch.IsActive)
}
