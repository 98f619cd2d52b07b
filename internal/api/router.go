// Package api is the HTTP surface of the gateway: routing, auth, CORS,
// request validation, and the SSE writer.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/internal/api/middleware"
	"github.com/yhyyz/mcp-agent-gateway/internal/config"
)

// NewRouter assembles the route tree. The CORS gate is only installed
// when origins are explicitly configured; the default denies all
// cross-origin requests, and a wildcard origin is never accepted.
func NewRouter(cfg *config.Config, h *Handler, key middleware.KeyProvider) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)

	if origins := corsOrigins(cfg.AllowedOrigins); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID"},
			ExposedHeaders:   []string{"X-Stream-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(key))

		r.Get("/list/models", h.ListModels)
		r.Post("/stop/stream/{streamID}", h.StopStream)

		// User-scoped endpoints require the tenant header.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUserID)
			r.Get("/list/mcp_server", h.ListMCPServers)
			r.Post("/add/mcp_server", h.AddMCPServer)
			r.Delete("/remove/mcp_server/{serverID}", h.RemoveMCPServer)
			r.Post("/chat/completions", h.ChatCompletions)
			r.Post("/remove/history", h.RemoveHistory)
		})
	})

	return r
}

func corsOrigins(configured []string) []string {
	var out []string
	for _, o := range configured {
		if o == "*" {
			log.Warn().Msg("wildcard CORS origin rejected; configure explicit origins")
			continue
		}
		out = append(out, o)
	}
	return out
}
