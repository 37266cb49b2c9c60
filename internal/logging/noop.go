package logging

import "context"

// noopLogger discards everything. Used in tests and as a safe default when a
// component receives a nil logger.
type noopLogger struct{}

// NewNoop returns a logger that discards all output.
func NewNoop() Logger {
	return noopLogger{}
}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

func (noopLogger) DebugContext(context.Context, string, ...interface{}) {}
func (noopLogger) InfoContext(context.Context, string, ...interface{})  {}
func (noopLogger) WarnContext(context.Context, string, ...interface{})  {}
func (noopLogger) ErrorContext(context.Context, string, ...interface{}) {}

func (n noopLogger) WithTraceID(string) Logger   { return n }
func (n noopLogger) WithComponent(string) Logger { return n }

// OrNoop returns the given logger, or a noop logger when nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NewNoop()
	}
	return l
}
