package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/pipewatch/internal/auth"
	"github.com/alecgard/pipewatch/internal/history"
	"github.com/alecgard/pipewatch/internal/metrics"
	"github.com/alecgard/pipewatch/internal/ratelimit"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Credentials    CredentialService
	Monitor        MonitorService
	Results        history.Lister
	Usage          UsageQuerier
	Verifier       *auth.Verifier
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
	HealthChecks   map[string]HealthCheck
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(chimw.Recoverer)
	r.Use(slogRequestLogger)

	r.Get("/health", healthHandler(deps.HealthChecks))
	r.Get("/.well-known/pipewatch.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	if deps.Verifier == nil {
		return r
	}

	credentials := newCredentialsHandler(deps.Credentials)
	leases := newLeasesHandler(deps.Credentials)
	monitorings := newMonitoringsHandler(deps.Monitor, deps.Results)
	usage := newUsageHandler(deps.Usage)

	// Admin routes (require an admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		if deps.Metrics != nil {
			ar.Use(metricsMiddleware(deps.Metrics, "admin"))
		}
		if deps.Limiter != nil {
			var onReject []func()
			if deps.Metrics != nil {
				onReject = append(onReject, func() { deps.Metrics.IncRateLimitRejection("admin") })
			}
			ar.Use(ratelimit.Middleware(deps.Limiter, onReject...))
		}
		ar.Use(auth.AdminKeyMiddleware(deps.Verifier))

		// Credential pool.
		ar.Get("/credentials", credentials.ListCredentials)
		ar.Post("/credentials", credentials.CreateCredential)
		ar.Get("/credentials/{id}", credentials.GetCredential)
		ar.Put("/credentials/{id}", credentials.UpdateCredential)
		ar.Delete("/credentials/{id}", credentials.DeleteCredential)
		ar.Post("/credentials/{id}/reset", credentials.ResetCredential)
		ar.Post("/credentials/{id}/usage", credentials.RecordUsage)

		// Leases.
		ar.Post("/leases", leases.Reserve)
		ar.Post("/leases/{id}/confirm", leases.Confirm)
		ar.Post("/leases/{id}/release", leases.Release)

		// Monitoring schedules.
		ar.Post("/monitorings", monitorings.CreateMonitoring)
		ar.Get("/monitorings", monitorings.ListMonitorings)
		ar.Post("/monitorings/recover", monitorings.RecoverMonitorings)
		ar.Get("/monitorings/{itemID}", monitorings.GetMonitoring)
		ar.Delete("/monitorings/{itemID}", monitorings.DeleteMonitoring)
		ar.Get("/monitorings/{itemID}/results", monitorings.ListResults)

		// Usage log.
		if deps.Usage != nil {
			ar.Get("/usage", usage.GetUsage)
			ar.Get("/usage/events", usage.ListEvents)
			ar.Get("/usage/credentials/{id}", usage.GetCredentialUsage)
		}

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
	})

	return r
}

// healthHandler runs every check with a short timeout. Any failure turns the
// response into a 503 naming the unreachable dependency.
func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		body := map[string]string{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				slog.Warn("health check failed", "dependency", name, "error", err)
				body[name] = "unreachable"
				body["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			body[name] = "connected"
		}
		writeJSON(w, status, body)
	}
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
