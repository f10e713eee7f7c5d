package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowgrid/flowgrid/internal/api/middleware"
	"github.com/flowgrid/flowgrid/internal/api/response"
	"github.com/flowgrid/flowgrid/internal/audit"
	"github.com/flowgrid/flowgrid/internal/metrics"
	"github.com/flowgrid/flowgrid/internal/webhook"
)

// maxWebhookBody bounds inbound webhook payload size (5 MiB).
const maxWebhookBody = 5 << 20

// WebhookHandler serves webhook ingestion and the admin listener surface.
type WebhookHandler struct {
	service *webhook.Service
	auditor *audit.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(service *webhook.Service, auditor *audit.Service, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, auditor: auditor, metrics: m, logger: logger}
}

// Ingest handles POST /api/webhooks/{webhookId}. Unauthenticated; the
// signature is the credential.
func (h *WebhookHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookId")

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.ErrorCode(w, h.logger, http.StatusBadRequest, "INTERNAL_ERROR", "failed to read body")
		return
	}

	result, err := h.service.Ingest(r.Context(), webhookID, &webhook.VerifyRequest{
		RawBody: rawBody,
		Headers: r.Header,
		Host:    r.Host,
		Path:    r.URL.Path,
		Now:     time.Now().UTC(),
	})
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	if h.metrics != nil {
		h.metrics.WebhookVerification.WithLabelValues("", string(result.Outcome)).Inc()
	}

	if result.Outcome == webhook.OutcomeRejected {
		response.ErrorCode(w, h.logger, result.HTTPStatus, result.Reason, "webhook rejected")
		return
	}
	response.Data(w, h.logger, result.HTTPStatus, result)
}

// ListListeners handles GET /api/webhooks/admin/listeners.
func (h *WebhookHandler) ListListeners(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	listeners, err := h.service.ListListeners(r.Context(), identity.OrganizationID, limit, offset)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"listeners": listeners})
}

// Deactivate handles POST /api/webhooks/admin/listeners/{id}/deactivate.
func (h *WebhookHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.service.Deactivate(r.Context(), id); err != nil {
		if err == webhook.ErrNotFound {
			response.ErrorCode(w, h.logger, http.StatusNotFound, "NOT_FOUND", "listener not found")
			return
		}
		response.Error(w, h.logger, err)
		return
	}
	if h.auditor != nil {
		h.auditor.Record(r.Context(), identity.OrganizationID, identity.UserID,
			audit.EventTriggerDeactivated, id, nil)
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"deactivated": true})
}

// Remove handles DELETE /api/webhooks/admin/listeners/{id}.
func (h *WebhookHandler) Remove(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.service.Remove(r.Context(), id); err != nil {
		if err == webhook.ErrNotFound {
			response.ErrorCode(w, h.logger, http.StatusNotFound, "NOT_FOUND", "listener not found")
			return
		}
		response.Error(w, h.logger, err)
		return
	}
	if h.auditor != nil {
		h.auditor.Record(r.Context(), identity.OrganizationID, identity.UserID,
			audit.EventTriggerRemoved, id, nil)
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"removed": true})
}
