// Package logging constructs the single *slog.Logger used by the service.
// It is built once at startup and threaded through every constructor; no
// package-level logger is mutated afterward.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// New builds a logger appropriate for the current stdout: a colorized,
// human-readable tint handler when stdout is a terminal, and plain JSON
// otherwise (containers, log aggregators, redirected output).
func New(level slog.Level) *slog.Logger {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// ParseLevel maps a case-insensitive level name to a slog.Level, defaulting
// to Info for an empty or unrecognized value.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
