package core

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	ctxKeyLogger   contextKey = "import_logger"
	ctxKeyClientIP contextKey = "import_client_ip"
)

// ContextWithLogger attaches a request-scoped logger that Service uses for
// the job's log entries.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// ContextWithClientIP records the client address that started an import.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// ClientIPFromContext returns the address set by ContextWithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyClientIP).(string); ok {
		return v
	}
	return ""
}

// loggerFrom returns the context logger, or fallback.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger := fallback
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok && l != nil {
		logger = l
	}
	if ip := ClientIPFromContext(ctx); ip != "" {
		logger = logger.With("client_ip", ip)
	}
	return logger
}
