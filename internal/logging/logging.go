// Package logging wraps log/slog with the component/operation attribute
// shape the error taxonomy (internal/syncerr) expects on every log line,
// threaded as a *slog.Logger through every long-lived operation this
// daemon runs.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// New returns the process-wide base logger, emitting structured JSON lines
// for machine consumption.
func New(level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Component returns a logger scoped to one of the engine's components
// (store, clients.pm, orchestrator, ...), matching the {component,
// operation, project?, identifier?} structured-context shape used
// throughout this engine's logging.
func Component(base *slog.Logger, component string) *slog.Logger {
	return base.With("component", component)
}

// Operation further scopes a component logger to a single operation name.
func Operation(log *slog.Logger, operation string) *slog.Logger {
	return log.With("operation", operation)
}

// ctxKey is unexported so only this package can stash/retrieve a logger on
// a context.
type ctxKey struct{}

// Into attaches a logger to a context for handlers deep in a call chain that
// don't take a logger parameter directly (e.g. HTTP middleware).
func Into(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// From retrieves the logger attached by Into, or returns slog.Default() if
// none was attached.
func From(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}
