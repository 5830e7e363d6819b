// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	GlobalLogger = NewLogger(os.Stdout, slog.LevelInfo)
}

// NewLogger builds a JSON logger writing to w.
func NewLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// SetGlobalLogger replaces GlobalLogger and the slog default.
func SetGlobalLogger(l *Logger) {
	GlobalLogger = l
	slog.SetDefault(l.Logger)
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID LogContextKey = "correlation_id"
	VisitorID     LogContextKey = "visitor_id"
)

// LoggingConfig defines which types of automated logging are enabled.
type LoggingConfig struct {
	EnableCorrelationID bool
	EnableRemoteLogging bool
}

var (
	// Config holds the current logging configuration.
	Config = LoggingConfig{
		EnableCorrelationID: true,
		EnableRemoteLogging: true,
	}
)

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// WithVisitorID tags ctx with the site visitor the work is done for.
func WithVisitorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, VisitorID, id)
}

// ExtractVisitorID retrieves the visitor ID from the context.
func ExtractVisitorID(ctx context.Context) string {
	if id, ok := ctx.Value(VisitorID).(string); ok {
		return id
	}
	return ""
}

func contextAttrs(ctx context.Context, attrs ...any) []any {
	if Config.EnableCorrelationID {
		attrs = append(attrs, slog.String("correlation_id", ExtractCorrelationID(ctx)))
	}
	if v := ExtractVisitorID(ctx); v != "" {
		attrs = append(attrs, slog.String("visitor_id", v))
	}
	return attrs
}

// RemoteLogger provides structured logging for remote table operations.
type RemoteLogger struct {
	tableName string
	logger    *Logger
}

// NewRemoteLogger creates a new RemoteLogger for the given table.
func NewRemoteLogger(tableName string) *RemoteLogger {
	return &RemoteLogger{
		tableName: tableName,
		logger:    GlobalLogger,
	}
}

func (l *RemoteLogger) log(ctx context.Context, operation string, fields map[string]interface{}) {
	if !Config.EnableRemoteLogging {
		return
	}
	attrs := contextAttrs(ctx,
		slog.String("table", l.tableName),
		slog.String("operation", operation),
	)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.DebugContext(ctx, "remote "+operation, attrs...)
}

// LogRead logs a remote read operation.
func (l *RemoteLogger) LogRead(ctx context.Context, fields map[string]interface{}) {
	l.log(ctx, "read", fields)
}

// LogCreate logs a remote insert.
func (l *RemoteLogger) LogCreate(ctx context.Context, fields map[string]interface{}) {
	l.log(ctx, "create", fields)
}

// LogUpsert logs a remote upsert.
func (l *RemoteLogger) LogUpsert(ctx context.Context, fields map[string]interface{}) {
	l.log(ctx, "upsert", fields)
}

// LogDelete logs a remote delete.
func (l *RemoteLogger) LogDelete(ctx context.Context, fields map[string]interface{}) {
	l.log(ctx, "delete", fields)
}

// LogError logs a remote error.
func (l *RemoteLogger) LogError(ctx context.Context, err error, operation string) {
	if !Config.EnableRemoteLogging {
		return
	}
	l.logger.ErrorContext(ctx, "remote error", contextAttrs(ctx,
		slog.String("table", l.tableName),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)...)
}

// LogAsyncOperationStart logs the start of an asynchronous operation.
func LogAsyncOperationStart(ctx context.Context, operation string, fields map[string]interface{}) {
	attrs := contextAttrs(ctx,
		slog.String("operation", operation),
		slog.String("type", "async_start"),
	)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.DebugContext(ctx, "async operation started", attrs...)
}

// LogAsyncOperationEnd logs the completion of an asynchronous operation.
func LogAsyncOperationEnd(ctx context.Context, operation string, fields map[string]interface{}) {
	attrs := contextAttrs(ctx,
		slog.String("operation", operation),
		slog.String("type", "async_end"),
	)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.DebugContext(ctx, "async operation completed", attrs...)
}

// LogAsyncOperationError logs an error in an asynchronous operation.
func LogAsyncOperationError(ctx context.Context, operation string, err error, fields map[string]interface{}) {
	attrs := contextAttrs(ctx,
		slog.String("operation", operation),
		slog.String("type", "async_error"),
		slog.String("error", err.Error()),
	)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.ErrorContext(ctx, "async operation failed", attrs...)
}
