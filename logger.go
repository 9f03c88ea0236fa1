package strata

import (
	"log/slog"
	"os"
)

// NewJSONLogger returns a logger emitting JSON lines to stderr, for use
// with WithLogger.
func NewJSONLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger returns a human-readable logger to stderr.
func NewTextLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger returns a logger that discards everything. This is the
// default when WithLogger is not given.
func NoopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
