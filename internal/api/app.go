// Package api wires the HTTP surface.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgrid/flowgrid/internal/api/handlers"
	"github.com/flowgrid/flowgrid/internal/api/middleware"
	"github.com/flowgrid/flowgrid/internal/api/response"
	"github.com/flowgrid/flowgrid/internal/buildinfo"
	"github.com/flowgrid/flowgrid/internal/organization"
	"github.com/flowgrid/flowgrid/internal/queue"
)

// Deps carries the constructed services the router needs.
type Deps struct {
	Logger     *slog.Logger
	Orgs       *organization.Service
	QueueSvc   *queue.Service
	Workflows  *handlers.WorkflowHandler
	Executions *handlers.ExecutionHandler
	Webhooks   *handlers.WebhookHandler
	Connectors *handlers.ConnectorHandler
	Usage      *handlers.UsageHandler
	Registry   prometheus.Gatherer
}

// NewRouter builds the chi router for the API surface.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Organization-Id"},
		MaxAge:         300,
	}))

	logger := deps.Logger

	// Liveness and build identity.
	liveness := func(w http.ResponseWriter, req *http.Request) {
		response.Data(w, logger, http.StatusOK, map[string]any{
			"status": "ok",
			"build":  buildinfo.Get(),
		})
	}
	r.Get("/health", liveness)
	r.Get("/health/app", liveness)
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Webhook ingestion is unauthenticated; the signature is the credential.
	r.Post("/api/webhooks/{webhookId}", deps.Webhooks.Ingest)

	authed := middleware.Authenticate(logger)
	orgScoped := middleware.RequireOrganization(logger)

	r.Group(func(r chi.Router) {
		r.Use(authed)

		r.Group(func(r chi.Router) {
			r.Use(orgScoped)
			r.Post("/api/workflows/validate", deps.Workflows.Validate)
			r.Post("/api/flows/save", deps.Workflows.Save)
			r.Post("/api/executions/dry-run", deps.Workflows.DryRun)
			r.Post("/api/executions", deps.Executions.Enqueue)
			r.Get("/api/executions/{executionId}", deps.Executions.Get)
			r.Get("/api/connections", deps.Connectors.Connections)
		})

		r.Get("/api/connectors", deps.Connectors.List)
		r.Get("/api/connectors/catalog", deps.Connectors.Catalog)
		r.Get("/api/functions/{appId}", deps.Connectors.Functions)

		// Admin surfaces.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(deps.Orgs, organization.RoleAdmin, logger))
			r.Get("/api/webhooks/admin/listeners", deps.Webhooks.ListListeners)
			r.Post("/api/webhooks/admin/listeners/{id}/deactivate", deps.Webhooks.Deactivate)
			r.Delete("/api/webhooks/admin/listeners/{id}", deps.Webhooks.Remove)
			r.Get("/api/webhooks/admin/health", func(w http.ResponseWriter, req *http.Request) {
				health, err := deps.QueueSvc.Health(req.Context())
				if err != nil {
					response.Error(w, logger, err)
					return
				}
				response.Data(w, logger, http.StatusOK, health)
			})
			r.Get("/api/usage/export", deps.Usage.Export)
			r.Get("/api/usage/alerts", deps.Usage.Alerts)
		})
	})

	return r
}
