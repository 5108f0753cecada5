package driftsql

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/driftsql/driftsql/model"
)

// Logger wraps slog.Logger with driftsql-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithQueryID adds a query_id field to the logger.
func (l *Logger) WithQueryID(id model.QueryID) *Logger {
	return &Logger{
		Logger: l.Logger.With("query_id", id.String()),
	}
}

// LogQueryCreated logs a query admission.
func (l *Logger) LogQueryCreated(ctx context.Context, id model.QueryID, user string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query admission failed",
			"query_id", id.String(),
			"user", user,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query created",
			"query_id", id.String(),
			"user", user,
		)
	}
}

// LogQueryCompleted logs a query reaching a terminal state.
func (l *Logger) LogQueryCompleted(ctx context.Context, info model.BasicQueryInfo) {
	attrs := []any{
		"query_id", info.QueryID.String(),
		"state", info.State.String(),
		"cpu_time", info.CPUTime,
		"peak_memory_bytes", info.PeakMemoryBytes,
	}
	if info.State == model.StateFailed {
		attrs = append(attrs, "error_code", info.ErrorCode.String(), "error", info.ErrorText)
		l.WarnContext(ctx, "query failed", attrs...)
	} else {
		l.InfoContext(ctx, "query completed", attrs...)
	}
}

// LogEnforcement logs the outcome of one limit-enforcement pass.
func (l *Logger) LogEnforcement(ctx context.Context, step string, duration time.Duration) {
	l.DebugContext(ctx, "enforcement pass completed",
		"step", step,
		"duration", duration,
	)
}

// LogLeakCheck logs a memory-leak audit result.
func (l *Logger) LogLeakCheck(ctx context.Context, leaked []model.QueryID) {
	if len(leaked) > 0 {
		l.WarnContext(ctx, "memory leak audit found stale reservations",
			"count", len(leaked),
		)
	} else {
		l.DebugContext(ctx, "memory leak audit clean")
	}
}
