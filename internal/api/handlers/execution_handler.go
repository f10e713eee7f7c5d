package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowgrid/flowgrid/internal/api/middleware"
	"github.com/flowgrid/flowgrid/internal/api/response"
	"github.com/flowgrid/flowgrid/internal/audit"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/queue"
)

// ExecutionHandler serves enqueue and execution lookups.
type ExecutionHandler struct {
	queueSvc   *queue.Service
	executions *execution.Repository
	auditor    *audit.Service
	logger     *slog.Logger
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(queueSvc *queue.Service, executions *execution.Repository, auditor *audit.Service, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{queueSvc: queueSvc, executions: executions, auditor: auditor, logger: logger}
}

// Enqueue handles POST /api/executions.
func (h *ExecutionHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())

	var body struct {
		WorkflowID  string         `json:"workflowId"`
		TriggerType string         `json:"triggerType"`
		InitialData map[string]any `json:"initialData,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INVALID_GRAPH", "malformed request body")
		return
	}
	if body.TriggerType == "" {
		body.TriggerType = string(queue.TriggerManual)
	}

	request := &queue.RunRequest{
		WorkflowID:     body.WorkflowID,
		OrganizationID: identity.OrganizationID,
		UserID:         identity.UserID,
		TriggerType:    queue.TriggerType(body.TriggerType),
	}
	if body.InitialData != nil {
		payload, err := json.Marshal(body.InitialData)
		if err == nil {
			request.TriggerData = &queue.TriggerData{
				Payload:   payload,
				Timestamp: time.Now().UTC(),
				Source:    "api",
			}
		}
	}

	executionID, err := h.queueSvc.Enqueue(r.Context(), request)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if h.auditor != nil {
		h.auditor.Record(r.Context(), identity.OrganizationID, identity.UserID,
			audit.EventExecutionEnqueued, executionID, map[string]any{"workflow_id": body.WorkflowID})
	}
	response.Data(w, h.logger, http.StatusAccepted, map[string]any{"executionId": executionID})
}

// Get handles GET /api/executions/{executionId}.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	executionID := chi.URLParam(r, "executionId")

	record, err := h.executions.GetByID(r.Context(), identity.OrganizationID, executionID)
	if err != nil {
		response.ErrorCode(w, h.logger, http.StatusNotFound, "NOT_FOUND", "execution not found")
		return
	}
	nodes, err := h.executions.ListNodeDetails(r.Context(), executionID)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"execution": record, "nodes": nodes})
}
