package logging

import (
	"context"
	"io"
	"log/slog"
)

type loggingCtxKey struct{}

// FromContext returns the logger stored in ctx, falling back to slog.Default()
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggingCtxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func ToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggingCtxKey{}, logger)
}

// DefaultLogger writes text logs to w at info level, or debug level when verbose
func DefaultLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func NoOpLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
