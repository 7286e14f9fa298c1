package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/caller"
	"github.com/lumenclass/aigateway/internal/gateway"
	"github.com/lumenclass/aigateway/internal/metrics"
	"github.com/lumenclass/aigateway/internal/ratelimit"
	"github.com/lumenclass/aigateway/internal/usage"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gateway        *gateway.Gateway
	Auth           *auth.Service
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
	CallerStore    *caller.Store
	UsageStore     *usage.Store
	AdminKeyHash   string
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(httpMetricsMiddleware(deps.Metrics))
	r.Use(slogRequestLogger)

	callers := newCallersHandler(deps.CallerStore)
	usageH := newUsageHandler(deps.UsageStore)

	// Health checks. The bare endpoint is for load balancers; the AI health
	// endpoint includes queue state.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	// Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))

	// The AI endpoint: caller-authed and rate limited. Its health check is
	// public.
	r.Route("/api/v1/ai", func(ar chi.Router) {
		ar.Get("/health", deps.Gateway.HandleHealth)

		ar.Group(func(g chi.Router) {
			g.Use(auth.CallerAuthMiddleware(deps.Auth, func(ok bool) {
				if ok {
					deps.Metrics.IncAuthSuccess("api_key")
				} else {
					deps.Metrics.IncAuthFailure("api_key")
				}
			}))
			g.Use(ratelimit.Middleware(deps.Limiter, deps.Metrics.IncRateLimitRejection))

			g.Post("/", deps.Gateway.HandleAI)
		})
	})

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKeyHash))

		// Caller management.
		ar.Post("/callers", callers.CreateCaller)
		ar.Get("/callers", callers.ListCallers)
		ar.Get("/callers/{id}", callers.GetCaller)
		ar.Put("/callers/{id}", callers.UpdateCaller)
		ar.Delete("/callers/{id}", callers.DeleteCaller)
		ar.Post("/callers/{id}/key", callers.RotateKey)

		// Usage queries.
		ar.Get("/usage", usageH.GetSummary)
		ar.Get("/usage/records", usageH.ListRecords)
		ar.Get("/usage/models", usageH.GetModelCounts)

		// Digested live metrics for the admin dashboard.
		ar.Get("/stats", deps.Metrics.Handler())
	})

	return r
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
