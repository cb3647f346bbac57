// Package web provides the HTTP API of the contact import service.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/ficheimport/internal/config"
	"github.com/JonMunkholm/ficheimport/internal/core"
	"github.com/JonMunkholm/ficheimport/internal/web/middleware"
)

// Importer is the import workflow served over HTTP. *core.Service implements it.
type Importer interface {
	Preview(ctx context.Context, data []byte, ext string, opts core.PreviewOptions) (*core.PreviewResult, error)
	Process(ctx context.Context, req core.ProcessRequest) (*core.ImportJobResult, error)
	Abandon(ctx context.Context, handle string) error
	Report(ctx context.Context, id string) ([]byte, error)
	DecodeReference(ref string) (int64, error)
	Limiter() *core.ImportLimiter
}

// Pinger checks the record store during health probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the import API.
type Server struct {
	importer Importer
	pinger   Pinger
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server

	generalLimit *middleware.RateLimiter
	importLimit  *middleware.RateLimiter
}

// NewServer creates a Server. pinger may be nil.
func NewServer(importer Importer, pinger Pinger, cfg *config.Config) *Server {
	s := &Server{
		importer: importer,
		pinger:   pinger,
		cfg:      cfg,
		router:   chi.NewRouter(),
	}
	if cfg.Rate.Enabled {
		s.generalLimit = middleware.NewRateLimiter(cfg.Rate.RequestsPerMinute, cfg.Rate.Burst)
		s.importLimit = middleware.NewRateLimiter(cfg.Rate.ImportPerMinute, cfg.Rate.ImportBurst)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Rate.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)

	// Security hardening
	s.router.Use(securityHeaders)

	if s.generalLimit != nil {
		s.router.Use(s.generalLimit.Handler(rateLimited))
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Import phases, throttled separately. Process runs for as long as
		// the job does, so it is kept out of the request timeout.
		r.Group(func(r chi.Router) {
			if s.importLimit != nil {
				r.Use(s.importLimit.Handler(rateLimited))
			}
			r.With(chimw.Timeout(s.cfg.Server.RequestTimeout)).Post("/import/preview", s.handlePreview)
			r.Post("/import/process", s.handleProcess)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
			r.Delete("/import/{handle}", s.handleAbandon)
			r.Get("/import/report/{reportID}", s.handleReport)
			r.Get("/reference/{ref}", s.handleReference)
		})
	})
}

// Start begins listening for HTTP requests. The rate limiter cleanup stops
// when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.generalLimit != nil {
		s.generalLimit.StartCleanup(ctx)
		s.importLimit.StartCleanup(ctx)
	}

	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// JSON API: nothing to load
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Encoding errors are only logged since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", "error", err)
	}
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status   string                   `json:"status"`
	Database string                   `json:"database"`
	Imports  core.ImportLimiterStatus `json:"imports"`
	Time     time.Time                `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Database: "unknown",
		Imports:  s.importer.Limiter().Status(),
		Time:     time.Now().UTC(),
	}
	status := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp.Status, resp.Database = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
			slog.Warn("health check: database unreachable", "error", err)
		} else {
			resp.Database = "ok"
		}
	}
	writeJSON(w, status, resp)
}
