// Package response provides standardized HTTP response helpers.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/flowgrid/flowgrid/internal/apperr"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError is the serialized error payload.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes a JSON body with the given status.
func JSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// Data writes a success envelope.
func Data(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	JSON(w, logger, status, Envelope{Success: true, Data: data})
}

// Error writes an error envelope from a typed platform error, mapping the
// code to its HTTP status. Untyped errors become 500 internal errors.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	if appErr, ok := err.(*apperr.Error); ok {
		JSON(w, logger, apperr.HTTPStatus(appErr.Code), Envelope{
			Success: false,
			Error:   &APIError{Code: string(appErr.Code), Message: appErr.Message, Details: appErr.Details},
		})
		return
	}
	if logger != nil {
		logger.Error("request failed", "error", err)
	}
	JSON(w, logger, http.StatusInternalServerError, Envelope{
		Success: false,
		Error:   &APIError{Code: "INTERNAL_ERROR", Message: "internal error"},
	})
}

// ErrorCode writes an error envelope with an explicit status and code.
func ErrorCode(w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	JSON(w, logger, status, Envelope{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}
