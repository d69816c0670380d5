package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger on stderr appropriate for the
// environment. Production uses JSON at info, everything else uses
// human-readable text at debug. A non-empty level overrides the default.
// Stdout is left for command output.
func NewLogger(env, level string) *slog.Logger {
	return New(os.Stderr, env, level)
}

// New is NewLogger with an explicit destination.
func New(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: defaultLevel(env),
	}

	if lvl, ok := ParseLevel(level); ok {
		opts.Level = lvl
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func defaultLevel(env string) slog.Level {
	if env == "production" {
		return slog.LevelInfo
	}

	return slog.LevelDebug
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog
// levels. Anything else reports false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
