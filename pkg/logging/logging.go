// Package logging provides the proxy's two logging surfaces: a structured
// process-wide slog.Logger for diagnostics, and a broadcast+file trace sink
// dedicated to the request/response lifecycle an external shell subscribes
// to.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger, following the
// teacher's convention of constructing one *slog.Logger at startup and
// deriving subsystem loggers from it via .With.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Component derives a child logger tagged with a component name via
// logger.With("component", name); server.New uses it for its own logger.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
