package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydesk/relaydesk/control-plane/internal/api/handlers"
	"github.com/relaydesk/relaydesk/control-plane/internal/api/middleware"
	"github.com/relaydesk/relaydesk/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes. gatherer backs
// /metrics.
func NewRouter(cfg *config.Config, h *handlers.Handlers, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TenantExtractor(cfg.Auth.DefaultTenant))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.CreateConversation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Get("/messages", h.ListMessages)
				r.Post("/messages", h.PostVisitorMessage)
				r.Post("/triage", h.Triage)
				r.Patch("/status", h.UpdateStatus)
				r.Post("/release", h.Release)
			})
		})

		r.Get("/inbox", h.ListInbox)

		r.Get("/diagnostics", h.GetDiagnostic)
		r.Delete("/diagnostics", h.ClearDiagnostic)

		r.Get("/responses", h.ListResponses)

		r.Get("/settings/agent", h.GetAgentSettings)
		r.Put("/settings/agent", h.PutAgentSettings)
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{
			"status":  status,
			"service": "relaydesk-control-plane",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": cfg.Version,
			"service": "relaydesk-control-plane",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
