package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowgrid/flowgrid/internal/api/middleware"
	"github.com/flowgrid/flowgrid/internal/api/response"
	"github.com/flowgrid/flowgrid/internal/connection"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/organization"
)

// ConnectorHandler serves the connector catalog and connection listings.
type ConnectorHandler struct {
	registry    *connector.Registry
	orgs        *organization.Service
	connections *connection.Repository
	logger      *slog.Logger
}

// NewConnectorHandler creates a connector handler.
func NewConnectorHandler(registry *connector.Registry, orgs *organization.Service, connections *connection.Repository, logger *slog.Logger) *ConnectorHandler {
	return &ConnectorHandler{registry: registry, orgs: orgs, connections: connections, logger: logger}
}

// List handles GET /api/connectors?organizationId=…
func (h *ConnectorHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	organizationID := r.URL.Query().Get("organizationId")
	if organizationID == "" {
		organizationID = identity.OrganizationID
	}

	filter := connector.ListFilter{}
	if organizationID != "" {
		org, err := h.orgs.Get(r.Context(), organizationID)
		if err == nil {
			filter.PlanRank = org.Plan.Rank()
			filter.Overrides = org.OverrideSet()
		}
	}
	listed := h.registry.ListConnectors(filter)

	type entry struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		Category          string `json:"category"`
		Availability      string `json:"availability"`
		StatusLabel       string `json:"statusLabel"`
		HasImplementation bool   `json:"hasImplementation"`
		PricingTier       string `json:"pricingTier"`
		TierEligible      bool   `json:"tierEligible"`
	}
	entries := make([]entry, 0, len(listed))
	for _, c := range listed {
		entries = append(entries, entry{
			ID:                c.ID,
			Name:              c.Name,
			Category:          c.Category,
			Availability:      string(c.Resolved),
			StatusLabel:       c.StatusLabel,
			HasImplementation: c.HasImplementation,
			PricingTier:       c.PricingTier,
			TierEligible:      c.TierEligible,
		})
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"connectors": entries})
}

// Functions handles GET /api/functions/{appId}.
func (h *ConnectorHandler) Functions(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	def, ok := h.registry.Get(appID)
	if !ok {
		response.ErrorCode(w, h.logger, http.StatusNotFound, "MISSING_APP", "connector not found")
		return
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{
		"actions":  def.Actions,
		"triggers": def.Triggers,
	})
}

// Catalog handles GET /api/connectors/catalog.
func (h *ConnectorHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	response.Data(w, h.logger, http.StatusOK, map[string]any{"catalog": h.registry.NodeCatalog()})
}

// Connections handles GET /api/connections. Secrets never serialize.
func (h *ConnectorHandler) Connections(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	conns, err := h.connections.ListByOrganization(r.Context(), identity.OrganizationID, identity.UserID)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	public := make([]*connection.Connection, 0, len(conns))
	for _, conn := range conns {
		public = append(public, conn.Public())
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"connections": public})
}
