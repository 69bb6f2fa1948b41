// Package logging builds the diagnostic logger. Diagnostics go to stderr so
// command output on stdout stays clean.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup returns the process logger: human-readable by default, JSON lines
// when structured is set. Only warnings and errors are shown unless debug is
// set.
func Setup(debug, structured bool) zerolog.Logger {
	return New(os.Stderr, debug, structured)
}

// New is Setup writing to w.
func New(w io.Writer, debug, structured bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}

	out := w
	if !structured {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("component", "octo").Logger()
}
