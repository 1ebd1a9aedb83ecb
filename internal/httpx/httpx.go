// Package httpx contains the HTTP delivery layer for the goneshare service.
// It maps HTTP requests to the application service while enforcing upload
// authentication, size limits, security headers and error translation.
// Handlers are split across files (shares.go, health.go, errors.go).
package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/domain"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	Upload(ctx context.Context, req app.UploadRequest, secret []byte) (domain.ShareRecord, error)
	ConsumeDownload(ctx context.Context, id string, secret []byte) ([]byte, domain.ShareRecord, error)
	Inspect(ctx context.Context, id string) (domain.ShareRecord, error)
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use once Router has been called.
type Handler struct {
	Service   ServicePort
	Secret    []byte                      // server-wide payload secret, passed per call
	AuthKey   []byte                      // HS256 key for upload tokens; empty => anonymous uploads
	MaxBody   int64                       // mirror service.MaxBytes
	MinTTL    time.Duration               // lower TTL bound (from config)
	MaxTTL    time.Duration               // upper TTL bound (from config)
	Readiness func(context.Context) error // optional readiness probe
	Now       func() time.Time            // defaults to time.Now
	Logger    *slog.Logger                // request log; defaults to slog.Default()

	Instruments *Instruments // optional prometheus request metrics
	Prometheus  http.Handler // optional /metrics exposition
	MetricsJSON http.Handler // optional /api/metrics snapshot
}

// New returns a configured Handler.
// svc: application service port implementation.
// secret: payload secret handed to the service on every upload and download.
// maxBody: maximum allowed request body size (0 disables the extra check).
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc ServicePort, secret []byte, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, Secret: secret, MaxBody: maxBody, Readiness: readiness}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the middleware chain applied.
func (h *Handler) Router() http.Handler {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationIDMiddleware)
	r.Use(RequestLogger(h.Logger))
	if h.Instruments != nil {
		r.Use(h.Instruments.Middleware)
	}
	r.Use(secureHeaders)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", h.Prometheus)
	}
	r.Route("/api", func(r chi.Router) {
		if h.MetricsJSON != nil {
			r.Method(http.MethodGet, "/metrics", h.MetricsJSON)
		}
		r.With(h.authenticate).Post("/shares", h.handleCreateShare)
		r.Get("/shares/{id}", h.handleConsumeShare)
		r.Get("/shares/{id}/info", h.handleShareInfo)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// secureHeaders adds standard security and cache control headers. Nothing
// served here is cacheable or meant to be rendered by a browser.
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		next.ServeHTTP(w, r)
	})
}
