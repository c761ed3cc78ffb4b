package internal

import (
	"context"
	"io"
	"log/slog"
)

// Shared level for every logger created by [NewLogger].
var logLevel slog.LevelVar

// Creates a text logger writing to w, grouped under the program name.
//
// The level is shared and can be changed later with [ApplyLogLevel], so the
// logger installed before flag parsing picks up the final level.
func NewLogger(w io.Writer) *slog.Logger {
	logLevel.Set(LogLevel())

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       &logLevel,
		ReplaceAttr: replaceLevel,
	})

	return slog.New(handler).With("app", Name)
}

// Re-reads the runtime flags and updates the shared log level.
func ApplyLogLevel() {
	logLevel.Set(LogLevel())
}

// Renders [LevelTrace] as "TRACE" instead of "DEBUG-4".
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// Logs at [LevelTrace] through the default logger.
func Trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}
