// Package handlers implements the HTTP API surface.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/flowgrid/flowgrid/internal/api/middleware"
	"github.com/flowgrid/flowgrid/internal/api/response"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// WorkflowHandler serves workflow validation, save and dry-run.
type WorkflowHandler struct {
	workflows *workflow.Repository
	registry  *connector.Registry
	runner    *runtime.Runner
	logger    *slog.Logger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(workflows *workflow.Repository, registry *connector.Registry, runner *runtime.Runner, logger *slog.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, registry: registry, runner: runner, logger: logger}
}

// registryChecker adapts the connector registry to graph validation.
type registryChecker struct {
	registry *connector.Registry
}

func (c *registryChecker) FunctionExists(nodeType string) bool {
	_, ok := c.registry.FunctionByType(nodeType)
	return ok
}

// Validate handles POST /api/workflows/validate.
func (h *WorkflowHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Graph   json.RawMessage `json:"graph"`
		Options map[string]any  `json:"options,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "malformed request body")
		return
	}
	graph, err := workflow.ParseGraph(body.Graph)
	if err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "graph is not valid JSON")
		return
	}

	result := workflow.Validate(graph, &registryChecker{registry: h.registry})
	response.Data(w, h.logger, http.StatusOK, map[string]any{"validation": result})
}

var validate = validator.New()

// saveRequest is the POST /api/flows/save body.
type saveRequest struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name" validate:"required,min=1,max=255"`
	Graph    json.RawMessage `json:"graph" validate:"required"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Save handles POST /api/flows/save.
func (h *WorkflowHandler) Save(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())

	var body saveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "malformed request body")
		return
	}
	if err := validate.Struct(body); err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	graph, err := workflow.ParseGraph(body.Graph)
	if err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "graph is not valid JSON")
		return
	}
	if result := workflow.Validate(graph, &registryChecker{registry: h.registry}); !result.Valid {
		response.Data(w, h.logger, http.StatusUnprocessableEntity, map[string]any{"validation": result})
		return
	}

	wf := &workflow.Workflow{
		ID:             body.ID,
		OrganizationID: identity.OrganizationID,
		Name:           body.Name,
		Graph:          body.Graph,
		Status:         "active",
		CreatedBy:      identity.UserID,
		Metadata:       body.Metadata,
	}
	if err := h.workflows.Save(r.Context(), wf); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"workflowId": wf.ID})
}

// DryRun handles POST /api/executions/dry-run.
func (h *WorkflowHandler) DryRun(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())

	var body struct {
		WorkflowID string          `json:"workflowId,omitempty"`
		Graph      json.RawMessage `json:"graph,omitempty"`
		Options    struct {
			InitialData map[string]any `json:"initialData,omitempty"`
		} `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "malformed request body")
		return
	}

	raw := body.Graph
	if len(raw) == 0 && body.WorkflowID != "" {
		wf, err := h.workflows.GetByID(r.Context(), identity.OrganizationID, body.WorkflowID)
		if err != nil {
			response.ErrorCode(w, h.logger, http.StatusNotFound, "INVALID_GRAPH", "workflow not found")
			return
		}
		raw = wf.Graph
	}
	graph, err := workflow.ParseGraph(raw)
	if err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "graph is not valid JSON")
		return
	}

	initial := body.Options.InitialData
	if initial == nil {
		initial = sampleTriggerData(graph)
	}

	result, err := h.runner.Execute(r.Context(), graph, initial, runtime.Context{
		WorkflowID:     body.WorkflowID,
		UserID:         identity.UserID,
		OrganizationID: identity.OrganizationID,
	}, runtime.Options{DryRun: true})
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, result)
}

// sampleTriggerData synthesizes trigger input from the first trigger node's
// declared sample output.
func sampleTriggerData(graph *workflow.Graph) map[string]any {
	for _, node := range graph.Nodes {
		if node.Role() == workflow.RoleTrigger && node.Data.SampleOutput != nil {
			return node.Data.SampleOutput
		}
	}
	return map[string]any{}
}
