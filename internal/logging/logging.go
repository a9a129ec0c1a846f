// Package logging builds the engine's slog loggers. Everything logs through
// one JSON handler on stderr; subsystem loggers are derived with
// [WithComponent] so cache, store, and HTTP records can be filtered apart.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// levelNames maps accepted LOG_LEVEL values, case-insensitively.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New creates a [slog.Logger] that writes JSON to stderr at the given level.
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing JSON to w at the given level.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// WithComponent tags every record from the returned logger with a component
// name.
func WithComponent(log *slog.Logger, component string) *slog.Logger {
	return log.With(slog.String("component", component))
}

// ParseLevel converts a level string to a [slog.Level]. Unrecognised values,
// the empty string included, resolve to [slog.LevelInfo].
func ParseLevel(s string) slog.Level {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level
	}

	return slog.LevelInfo
}
