// Package logging provides structured JSON-line logging with trace IDs.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the pipeline.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	// Context-aware variants pick up the trace ID stored in the context.
	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithTraceID(traceID string) Logger
	WithComponent(component string) Logger
}

// Level represents logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

type contextKey string

// traceIDKey is the context key under which trace IDs travel.
const traceIDKey contextKey = "trace_id"

// entry is the wire shape of one log line.
type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// jsonLogger writes one JSON object per line to stdout.
type jsonLogger struct {
	level     Level
	traceID   string
	component string
}

// New creates a structured logger at the given level.
func New(level Level) Logger {
	return &jsonLogger{level: level}
}

func (l *jsonLogger) WithTraceID(traceID string) Logger {
	return &jsonLogger{level: l.level, traceID: traceID, component: l.component}
}

func (l *jsonLogger) WithComponent(component string) Logger {
	return &jsonLogger{level: l.level, traceID: l.traceID, component: component}
}

func (l *jsonLogger) Debug(msg string, fields ...interface{}) {
	l.log(LevelDebug, "DEBUG", "", msg, fields)
}

func (l *jsonLogger) Info(msg string, fields ...interface{}) {
	l.log(LevelInfo, "INFO", "", msg, fields)
}

func (l *jsonLogger) Warn(msg string, fields ...interface{}) {
	l.log(LevelWarn, "WARN", "", msg, fields)
}

func (l *jsonLogger) Error(msg string, fields ...interface{}) {
	l.log(LevelError, "ERROR", "", msg, fields)
}

func (l *jsonLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelDebug, "DEBUG", TraceID(ctx), msg, fields)
}

func (l *jsonLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelInfo, "INFO", TraceID(ctx), msg, fields)
}

func (l *jsonLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelWarn, "WARN", TraceID(ctx), msg, fields)
}

func (l *jsonLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelError, "ERROR", TraceID(ctx), msg, fields)
}

func (l *jsonLogger) log(level Level, name, contextTraceID, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	traceID := l.traceID
	if contextTraceID != "" {
		traceID = contextTraceID
	}

	// Fields come in as alternating key/value pairs.
	var fieldMap map[string]interface{}
	if len(fields) > 0 {
		fieldMap = make(map[string]interface{}, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
		}
		if len(fields)%2 == 1 {
			fieldMap["extra"] = fields[len(fields)-1]
		}
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     name,
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
		Fields:    fieldMap,
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace ID on the context, generating one when empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from a context, or "".
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
