package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/llmgate/llmgate/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Auth handlers
	Register http.HandlerFunc
	Login    http.HandlerFunc
	Refresh  http.HandlerFunc
	Logout   http.HandlerFunc

	// Chat and key handlers
	ChatCompletions http.HandlerFunc
	GenerateKey     http.HandlerFunc
	GetKey          http.HandlerFunc

	// Account views
	GetAccount    http.HandlerFunc
	ListBilling   http.HandlerFunc
	ListAuditLogs http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
}

// HealthCheck reports whether a dependency is usable. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler
	// Required checks fail readiness; optional ones only mark it degraded.
	Required map[string]HealthCheck
	Optional map[string]HealthCheck
}

const healthTimeout = 2 * time.Second

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(mw.CORS(cfg.CORSAllowedOrigins))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readiness := readinessHandler(cfg.Required, cfg.Optional)
	r.Get("/health/ready", readiness)
	r.Get("/health", readiness)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public auth routes, optionally rate-limited
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)
				r.Post("/logout", h.Logout)
			})
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Post("/chat/completions", h.ChatCompletions)

			r.Route("/keys", func(r chi.Router) {
				r.Post("/", h.GenerateKey)
				r.Get("/", h.GetKey)
			})

			r.Route("/account", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/billing", h.ListBilling)
				r.Get("/audit", h.ListAuditLogs)
			})
		})
	})

	return r
}

func readinessHandler(required, optional map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for name, check := range required {
			if err := check(ctx); err != nil {
				health[name] = "unhealthy"
				health["status"] = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			health[name] = "healthy"
		}

		for name, check := range optional {
			if check == nil {
				health[name] = "not configured"
				continue
			}
			if err := check(ctx); err != nil {
				health[name] = "unhealthy"
				if status == http.StatusOK {
					health["status"] = "degraded"
				}
				continue
			}
			health[name] = "healthy"
		}

		JSON(w, status, health)
	}
}
