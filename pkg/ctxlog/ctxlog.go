// Package ctxlog carries a slog.Logger through context.Context so every
// layer of a run logs with the run and step identifiers attached.
package ctxlog

import (
	"context"
	"log/slog"
)

type key struct{}

var loggerKey = key{}

// With returns a new context with the provided logger embedded.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// From extracts the logger from ctx, falling back to the process default.
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
