// Package logging provides structured logging for the transports.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const loggerKey contextKey = "logger"

// New creates a structured logger writing to w at the given level.
func New(level string, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// FromEnv builds a logger from LOG_LEVEL, LOG_FORMAT, LOG_ENABLED,
// LOG_DESTINATION (stdout|stderr|file) and LOG_FILE. Relay transports often
// share a process with an stdio MCP server, so the default destination is
// stderr to keep stdout clean.
func FromEnv() *slog.Logger {
	if os.Getenv("LOG_ENABLED") == "false" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var w io.Writer = os.Stderr
	switch os.Getenv("LOG_DESTINATION") {
	case "stdout":
		w = os.Stdout
	case "file":
		if path := os.Getenv("LOG_FILE"); path != "" {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				w = f
			}
		}
	}

	return New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), w)
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience alias for FromContext.
func L(ctx context.Context) *slog.Logger {
	return FromContext(ctx)
}
