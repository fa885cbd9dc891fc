package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the logger of one component. SWAP_LOG_LEVEL picks the
// level (default info); SWAP_LOG_FORMAT=console switches from JSON lines
// to human-readable output for local runs.
func NewLogger(component string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("SWAP_LOG_FORMAT") == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	return NewLoggerTo(w, component, ParseLogLevel(os.Getenv("SWAP_LOG_LEVEL")))
}

// NewLoggerTo writes to w at an explicit level.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel accepts any zerolog level name, case-insensitively.
// Unknown or empty names mean info.
func ParseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
