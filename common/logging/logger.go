// Package logging provides the structured logger shared by the
// pipeline and its tools. It is a thin wrapper over log/slog so every
// component logs with the same handler setup and field names.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger. The zero surface beyond slog is deliberate:
// components attach their identity once with Component and use plain
// slog calls after that.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given level and format. format can be
// "json" or "text" (default is json). Source locations are attached
// when the level is error or stricter.
func New(level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level >= slog.LevelError,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns a Logger over slog.Default.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// With returns a child logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a child logger that nests subsequent attributes
// under the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel converts a string level to slog.Level. Valid values:
// "debug", "info", "warn", "error". Anything else maps to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault installs l as the process default for slog and the log
// package.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}
