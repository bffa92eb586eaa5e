package api

import (
	"encoding/json"
	"net/http"

	"github.com/gproxy/gproxy/internal/api/handlers"
	"github.com/gproxy/gproxy/internal/api/middleware"
	"github.com/gproxy/gproxy/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	// OpenAI-compatible surface, authenticated by tenant key inside the
	// orchestrator.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletion)
		r.Get("/models", h.ListModels)
	})

	// Admin API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Admin.Token))

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", h.ListTenantKeys)
			r.Post("/", h.CreateTenantKey)
			r.Route("/{keyId}", func(r chi.Router) {
				r.Get("/", h.GetTenantKey)
				r.Put("/", h.UpdateTenantKey)
				r.Delete("/", h.DeleteTenantKey)
			})
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredentials)
			r.Post("/", h.CreateCredential)
			r.Route("/{credId}", func(r chi.Router) {
				r.Put("/", h.UpdateCredential)
				r.Delete("/", h.DeleteCredential)
			})
		})

		r.Route("/presets", func(r chi.Router) {
			r.Get("/", h.ListPresets)
			r.Post("/", h.CreatePreset)
			r.Route("/{presetId}", func(r chi.Router) {
				r.Get("/", h.GetPreset)
				r.Put("/", h.UpdatePreset)
				r.Delete("/", h.DeletePreset)
			})
		})

		r.Route("/regex", func(r chi.Router) {
			r.Get("/", h.ListRegexRules)
			r.Post("/", h.CreateRegexRule)
			r.Route("/{ruleId}", func(r chi.Router) {
				r.Put("/", h.UpdateRegexRule)
				r.Delete("/", h.DeleteRegexRule)
			})
		})

		r.Get("/logs", h.ListLogs)
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "gproxy",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "gproxy",
		})
	}
}
