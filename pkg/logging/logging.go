// Package logging is the ambient structured-logging setup (§6): it
// builds the process-wide slog.Logger from AURITE_LOG_LEVEL and
// AURITE_LOG_FORMAT, grounded on the teacher's pkg/logger — same
// env-var-driven level parsing and text/JSON handler selection, with
// level coloring added only when stderr is a terminal.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a level name to a slog.Level, defaulting to Info
// for an unrecognized value (same fallback the teacher's logger uses).
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

// Init builds and installs the process-wide logger from
// AURITE_LOG_LEVEL (debug|info|warn|error, default info) and
// AURITE_LOG_FORMAT (text|json, default text). When stderr is a
// terminal the handler is wrapped so messages are colored by level.
func Init() *slog.Logger {
	level := ParseLevel(os.Getenv("AURITE_LOG_LEVEL"))
	format := os.Getenv("AURITE_LOG_FORMAT")

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String(slog.LevelKey, "WARN")
			}
			return a
		},
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	if !isTerminal(os.Stderr) {
		// non-interactive output never needs the colored wrapper.
		logger := slog.New(handler)
		slog.SetDefault(logger)
		return logger
	}

	logger := slog.New(&coloredHandler{inner: handler})
	slog.SetDefault(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// coloredHandler wraps the log message in a level-dependent ANSI color
// code and a reset for
// interactive terminal sessions; non-terminal output passes through
// inner unmodified (handled by Init before this wrapper is ever built).
type coloredHandler struct{ inner slog.Handler }

func (h *coloredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *coloredHandler) Handle(ctx context.Context, record slog.Record) error {
	record.Message = levelColor(record.Level) + record.Message + "\033[0m"
	return h.inner.Handle(ctx, record)
}

func (h *coloredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &coloredHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *coloredHandler) WithGroup(name string) slog.Handler {
	return &coloredHandler{inner: h.inner.WithGroup(name)}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}
