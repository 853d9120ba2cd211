package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	taskKey   contextKey = "task"
)

type taskIdentity struct {
	link      string
	requestID string
}

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithTask tags the context with the task being worked on. TraceHandler adds
// the identity to every record logged with this context.
func WithTask(ctx context.Context, link, requestID string) context.Context {
	return context.WithValue(ctx, taskKey, taskIdentity{link: link, requestID: requestID})
}

// TaskFromContext returns the task identity stored by WithTask.
func TaskFromContext(ctx context.Context) (link, requestID string, ok bool) {
	id, ok := ctx.Value(taskKey).(taskIdentity)

	return id.link, id.requestID, ok
}
