package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/ficheimport/internal/core"
	"github.com/JonMunkholm/ficheimport/internal/logging"
	"github.com/JonMunkholm/ficheimport/internal/web/middleware"
)

// WithRequestMetadata passes the request logger and client IP down to the
// import core so job log entries carry request_id and client_ip.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = core.ContextWithLogger(ctx, logging.FromContext(r.Context()))
	ctx = core.ContextWithClientIP(ctx, middleware.ClientIP(r))
	return ctx
}
