// Package ctxlog provides a context key for safely passing a slog.Logger
// instance through context.Context, plus helpers for scoping the logger to
// a run, phase, or node.
package ctxlog

import (
	"context"
	"log/slog"
)

// key is an unexported type to prevent collisions with context keys from other packages.
type key struct{}

// loggerKey is the key for the slog.Logger in a context.Context.
var loggerKey = key{}

// WithLogger returns a new context with the provided logger embedded.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the slog.Logger from a context.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	panic("ctxlog: logger missing from context")
}

// WithRun embeds a child logger carrying the run identifier.
func WithRun(ctx context.Context, runID string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With("runID", runID))
}

// WithNode embeds a child logger carrying the node identifier.
func WithNode(ctx context.Context, nodeID string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With("nodeID", nodeID))
}

// WithPhase embeds a child logger carrying the phase index.
func WithPhase(ctx context.Context, phase int) context.Context {
	return WithLogger(ctx, FromContext(ctx).With("phase", phase))
}
