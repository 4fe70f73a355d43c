package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// NewLogger builds a timestamped JSON logger on stdout. Unknown or empty
// levels fall back to info.
func NewLogger(level string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// NewLoggerFor writes human-readable lines when f is a terminal and JSON
// otherwise.
func NewLoggerFor(f *os.File, level string) zerolog.Logger {
	if IsTerminal(f) {
		return NewLoggerTo(zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly}, level)
	}
	return NewLoggerTo(f, level)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
