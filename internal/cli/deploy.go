package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/sunil55999/AISignalPro-sub001/internal/api"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
)

// DeployOptions holds flags shared by the deploy subcommands.
type DeployOptions struct {
	*RootOptions
	Server  string
	Timeout time.Duration
}

// DeployPushOptions holds flags for deploy push.
type DeployPushOptions struct {
	*DeployOptions
	File    string
	Version string
}

// NewDeployCommand creates the deploy command group. Its subcommands talk
// to a running server rather than the database.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeployOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Roll out parser builds to desktop agents",
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "signalcore server URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", time.Minute, "request timeout")

	cmd.AddCommand(newDeployPushCommand(opts))
	cmd.AddCommand(newDeployStatusCommand(opts))
	cmd.AddCommand(newDeployRebroadcastCommand(opts))
	return cmd
}

func newDeployPushCommand(deployOpts *DeployOptions) *cobra.Command {
	opts := &DeployPushOptions{DeployOptions: deployOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload a parser build and broadcast it",
		Long: `Upload a parser build and broadcast it to every connected agent.

The deployment succeeds once the configured quorum of agents acknowledges
it before the deadline. Use "deploy status" to follow it.

Example:
  signalcore deploy push --server http://core:8080 --file ./parser.exe --version 2.4.0`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeployPush(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "parser build to upload (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&opts.Version, "version", "", "version label (required)")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func runDeployPush(opts *DeployPushOptions, cmd *cobra.Command) error {
	f, err := os.Open(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open build", err)
	}
	defer f.Close()

	out := opts.output(cmd)
	out.VerboseLog("uploading %s to %s", opts.File, opts.Server)

	var d store.Deployment
	err = opts.call(cmd.Context(), func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetFileReader("file", filepath.Base(opts.File), f).
			SetFormData(map[string]string{"version": opts.Version}).
			SetResult(&d).
			Post("/v1/deployments")
	})
	if err != nil {
		return err
	}
	return out.Emit(d, func(out *OutputFormatter) error {
		printDeployment(out, d)
		return nil
	})
}

func newDeployStatusCommand(opts *DeployOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <deployment-id>",
		Short:         "Show a deployment's acknowledgements",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var d store.Deployment
			err := opts.call(cmd.Context(), func(r *resty.Request) (*resty.Response, error) {
				return r.SetResult(&d).SetPathParam("id", args[0]).Get("/v1/deployments/{id}")
			})
			if err != nil {
				return err
			}
			return opts.output(cmd).Emit(d, func(out *OutputFormatter) error {
				printDeployment(out, d)
				return nil
			})
		},
	}
}

func newDeployRebroadcastCommand(opts *DeployOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rebroadcast <deployment-id>",
		Short:         "Retry a failed deployment",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var d store.Deployment
			err := opts.call(cmd.Context(), func(r *resty.Request) (*resty.Response, error) {
				return r.SetResult(&d).SetPathParam("id", args[0]).Post("/v1/deployments/{id}/rebroadcast")
			})
			if err != nil {
				return err
			}
			return opts.output(cmd).Emit(d, func(out *OutputFormatter) error {
				printDeployment(out, d)
				return nil
			})
		},
	}
}

// call runs one request against the server and turns transport failures
// and error replies into ExitErrors.
func (o *DeployOptions) call(ctx context.Context, do func(*resty.Request) (*resty.Response, error)) error {
	client := resty.New().
		SetBaseURL(strings.TrimRight(o.Server, "/")).
		SetTimeout(o.Timeout)

	var apiErr api.ErrorResponse
	resp, err := do(client.R().SetContext(ctx).SetError(&apiErr))
	if err != nil {
		return WrapExitError(ExitCommandError, "server unreachable", err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return NewExitError(ExitFailure, fmt.Sprintf("server returned %d: %s", resp.StatusCode(), msg))
	}
	return nil
}

func printDeployment(out *OutputFormatter, d store.Deployment) {
	const w = 10
	out.Heading("Deployment %s", d.ID)
	out.Field(w, "Version", d.Version)
	out.Field(w, "Status", d.Status)
	if d.ErrorMessage != "" {
		out.Field(w, "Error", d.ErrorMessage)
	}
	out.Field(w, "File", d.FileHash)
	out.Field(w, "Download", d.DownloadURL)
	out.Field(w, "Acked", fmt.Sprintf("%d of %d", len(d.Acked), d.TotalTerminals))
	if !d.DeadlineAt.IsZero() {
		out.Field(w, "Deadline", d.DeadlineAt.Format(time.RFC3339))
	}
	if len(d.Roster) > 0 {
		acked := make(map[string]bool, len(d.Acked))
		for _, t := range d.Acked {
			acked[t] = true
		}
		rows := [][]string{{"TERMINAL", "ACKED"}}
		for _, t := range d.Roster {
			rows = append(rows, []string{t, fmt.Sprint(acked[t])})
		}
		fmt.Fprintln(out.Writer)
		_ = out.Table(rows)
	}
	if len(d.Late) > 0 {
		out.Note("late acks: %s", strings.Join(d.Late, ", "))
	}
}
