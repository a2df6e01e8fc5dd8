package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger so scoped copies can carry identifying fields.
type Logger struct {
	*slog.Logger
}

// New builds a logger for the given level and output format. Format "json"
// emits machine-readable lines; anything else gets tinted console output.
func New(level, format string) *Logger {
	lv := levelFor(level)

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lv,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

func (l *Logger) with(key string, value any) *Logger {
	return &Logger{Logger: l.With(key, value)}
}

// WithComponent tags every line with the owning component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithBlueprintID scopes the logger to one blueprint.
func (l *Logger) WithBlueprintID(id string) *Logger {
	return l.with("blueprint_id", id)
}

// WithNodeID scopes the logger to one node.
func (l *Logger) WithNodeID(id string) *Logger {
	return l.with("node_id", id)
}

// WithExecutionID scopes the logger to one execution attempt.
func (l *Logger) WithExecutionID(id string) *Logger {
	return l.with("execution_id", id)
}

// Error logs at error level with a stack trace attached.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

// ErrorContext is Error with a context for handler-aware backends.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}

func levelFor(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
