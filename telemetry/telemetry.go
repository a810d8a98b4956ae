// Package telemetry defines the logging surface shared by all agents and two
// implementations: a Clue-backed structured logger and a no-op used by tests.
package telemetry

import "context"

// Logger emits structured, context-scoped log events. Key/value pairs
// alternate keys and values.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}
