package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a structured text logger writing to stderr.
// app: application name (e.g., "muxd")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return NewWithWriter(os.Stderr, app, level, "text")
}

// NewWithWriter creates a structured logger writing to w.
// format: "json" selects the JSON handler, anything else the text handler.
func NewWithWriter(w io.Writer, app string, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	// Add default attributes: app and pid
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
