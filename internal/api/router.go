package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gasable/hub/internal/api/middleware"
	"github.com/gasable/hub/internal/config"
)

// NewRouter assembles the chi router. Mutating routes and tool invocation
// sit behind the API token gate; with no token configured they are open,
// which is the single-operator default.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Namespace)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Namespace"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/recent_errors", h.RecentErrors)

		r.Post("/query", h.Query)
		r.Get("/query_stream", h.QueryStream)
		r.Post("/orchestrate", h.Orchestrate)
		r.Get("/orchestrate_stream", h.OrchestrateStream)

		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)

		r.Get("/mcp_tools", h.ListMCPTools)
		r.Get("/nodes", h.ListNodes)

		r.Get("/workflows", h.ListWorkflows)
		r.Get("/workflows/{id}", h.GetWorkflow)

		r.Get("/runs", h.ListRuns)
		r.Get("/jobs/{id}", h.GetJob)

		// Mutating surface behind the token gate.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(cfg.APIToken))

			r.Post("/agents", h.UpsertAgent)
			r.Post("/agents/{id}/rotate_key", h.RotateAgentKey)

			r.Post("/mcp_tools", h.InstallTool)
			r.Post("/mcp_invoke", h.InvokeTool)
			r.Post("/nodes/install", h.InstallTool)
			r.Post("/nodes/run", h.InvokeTool)

			r.Post("/workflows", h.UpsertWorkflow)
			r.Post("/workflows/{id}/run", h.RunWorkflow)

			r.Get("/keys", h.ListKeys)
			r.Post("/keys", h.PutKey)
			r.Post("/keys/rotate", h.RotateKey)
			r.Post("/keys/mcp_token/rotate", h.RotateMCPToken)
		})
	})

	return r
}
