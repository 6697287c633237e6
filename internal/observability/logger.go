// Package observability defines shared logging, metrics, and failure
// notification primitives for the outbox stack.
package observability

import (
	"fmt"
	"log"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	Out *log.Logger
}

// Debug implements Logger.
func (l StdLogger) Debug(msg string, fields ...Field) { l.emit("DEBUG", msg, fields) }

// Info implements Logger.
func (l StdLogger) Info(msg string, fields ...Field) { l.emit("INFO", msg, fields) }

// Warn implements Logger.
func (l StdLogger) Warn(msg string, fields ...Field) { l.emit("WARN", msg, fields) }

// Error implements Logger.
func (l StdLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (l StdLogger) emit(level, msg string, fields []Field) {
	if l.Out == nil {
		return
	}
	args := make([]any, 0, 2+len(fields))
	args = append(args, level, msg)
	for _, f := range fields {
		args = append(args, f.Key+"="+formatValue(f.Value))
	}
	l.Out.Println(args...)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(v)
	}
}
