package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flowgrid/flowgrid/internal/api/response"
	"github.com/flowgrid/flowgrid/internal/usage"
)

// UsageHandler serves the admin usage export.
type UsageHandler struct {
	meter  *usage.Service
	logger *slog.Logger
}

// NewUsageHandler creates a usage handler.
func NewUsageHandler(meter *usage.Service, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{meter: meter, logger: logger}
}

// Export handles GET /api/usage/export?format=csv|json&plan=…&startDate=…&endDate=…
func (h *UsageHandler) Export(w http.ResponseWriter, r *http.Request) {
	opts := usage.ExportOptions{
		Format:     usage.ExportFormat(r.URL.Query().Get("format")),
		PlanFilter: r.URL.Query().Get("plan"),
	}
	if raw := r.URL.Query().Get("startDate"); raw != "" {
		start, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.ErrorCode(w, h.logger, http.StatusBadRequest, "VALIDATION_ERROR", "invalid startDate")
			return
		}
		opts.Start = start
	}
	if raw := r.URL.Query().Get("endDate"); raw != "" {
		end, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.ErrorCode(w, h.logger, http.StatusBadRequest, "VALIDATION_ERROR", "invalid endDate")
			return
		}
		opts.End = end
	}

	payload, contentType, err := h.meter.GenerateUsageExport(r.Context(), opts)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="usage-export"`)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// Alerts handles GET /api/usage/alerts?threshold=80.
func (h *UsageHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	threshold := 80.0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			threshold = parsed
		}
	}
	alerts, err := h.meter.ListUsageAlerts(r.Context(), threshold)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, map[string]any{"alerts": alerts})
}
