package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/solacehealth/solace/internal/api/handlers"
	"github.com/solacehealth/solace/internal/api/middleware"
	"github.com/solacehealth/solace/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Dialogue turns
		r.Post("/turns", h.SendTurn)
		r.Post("/turns/stream", h.SendTurnStream)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Route("/{conversationId}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Delete("/", h.DeleteConversation)
				r.Get("/messages", h.ListMessages)
				r.Get("/analysis", h.GetAnalysis)
			})
		})

		// Usage
		r.Get("/usage", h.GetUsage)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"name":    "solace-dialogue",
			"version": cfg.Version,
		})
	}
}
