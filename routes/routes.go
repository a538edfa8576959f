package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/agent-guard/app"
	"github.com/upb/agent-guard/middleware"
	"github.com/upb/agent-guard/utils"
)

// Setup configures all application routes and middleware
func Setup(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	if timeout := deps.Config.Server.WriteTimeout; timeout > 0 {
		r.Use(chimw.Timeout(timeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader, deps.Config.Gateway.AgentIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", deps.HealthHandler.HandleHealth)
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Agent-facing endpoints carry the upstream identity assertion
		r.Group(func(r chi.Router) {
			r.Use(deps.Identity.Identify)
			r.Post("/actions/evaluate", deps.ActionHandler.HandleEvaluate)
			r.Post("/actions/usage", deps.ActionHandler.HandleUsage)
			if deps.InferenceHandler != nil {
				r.Post("/inference", deps.InferenceHandler.HandleInvoke)
			}
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/records", deps.AuditHandler.HandleRecords)
			r.Get("/denied", deps.AuditHandler.HandleDenied)
		})

		r.Get("/agents", deps.AgentHandler.HandleList)
		r.Get("/agents/{agentID}/stats", deps.AgentHandler.HandleStats)
		r.Get("/security/summary", deps.AgentHandler.HandleSummary)

		r.Route("/admin/policies", func(r chi.Router) {
			r.Post("/reload", deps.AgentHandler.HandleReload)
			r.Put("/{agentID}", deps.AgentHandler.HandleUpsert)
			r.Delete("/{agentID}", deps.AgentHandler.HandleRemove)
		})
		r.Post("/admin/agents/{agentID}/reset", deps.AgentHandler.HandleReset)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
