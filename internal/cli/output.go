package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Command completed
	ExitFailure      = 1 // Operation refused (not found, wrong state, rejected by server)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, database unavailable)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err.
// Errors that are not ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope for --format json.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OutputFormatter renders command results as text or JSON.
//
// Text styling goes through a lipgloss renderer bound to Writer, so output
// redirected to a file or buffer carries no escape codes.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool

	heading lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
}

// NewOutputFormatter binds a formatter to w.
func NewOutputFormatter(w io.Writer, format string, verbose bool) *OutputFormatter {
	r := lipgloss.NewRenderer(w)
	return &OutputFormatter{
		Format:  format,
		Writer:  w,
		Verbose: verbose,
		heading: r.NewStyle().Bold(true),
		label:   r.NewStyle().Foreground(lipgloss.Color("8")),
		dim:     r.NewStyle().Faint(true),
	}
}

// JSON reports whether --format json was requested.
func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

// Emit writes data as a JSON envelope, or calls text to render it.
func (f *OutputFormatter) Emit(data any, text func(*OutputFormatter) error) error {
	if f.JSON() {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f)
}

// Error writes err in the configured format.
func (f *OutputFormatter) Error(err error) {
	if f.JSON() {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: GetExitCode(err), Message: err.Error()},
		})
		return
	}
	fmt.Fprintf(f.Writer, "Error: %s\n", err)
}

// Heading prints a bold line.
func (f *OutputFormatter) Heading(format string, args ...any) {
	fmt.Fprintln(f.Writer, f.heading.Render(fmt.Sprintf(format, args...)))
}

// Field prints one "label: value" line with the label padded to width.
func (f *OutputFormatter) Field(width int, label string, value any) {
	pad := width - len(label) - 1
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(f.Writer, "%s%s %v\n", f.label.Render(label+":"), strings.Repeat(" ", pad), value)
}

// Note prints a faint line.
func (f *OutputFormatter) Note(format string, args ...any) {
	fmt.Fprintln(f.Writer, f.dim.Render(fmt.Sprintf(format, args...)))
}

// Table writes rows aligned in columns. The first row is the header.
func (f *OutputFormatter) Table(rows [][]string) error {
	tw := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// VerboseLog prints only with --verbose. JSON output is never interleaved
// with diagnostics.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose || f.JSON() {
		return
	}
	fmt.Fprintf(f.Writer, format+"\n", args...)
}
