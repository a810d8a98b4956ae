package telemetry

import "context"

// NoopLogger discards everything. Default for tests and for components built
// without an explicit logger.
type NoopLogger struct{}

// NewNoopLogger constructs a Logger that discards all events.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}
