// Package audit records significant state transitions in an append-only log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType classifies an audit entry
type EventType string

const (
	EventExecutionEnqueued  EventType = "execution.enqueued"
	EventExecutionFinished  EventType = "execution.finished"
	EventTriggerDeactivated EventType = "trigger.deactivated"
	EventTriggerRemoved     EventType = "trigger.removed"
	EventConnectionRevoked  EventType = "connection.revoked"
	EventQuotaOverage       EventType = "quota.overage"
	EventOutboxExhausted    EventType = "outbox.exhausted"
)

// Event is one append-only audit entry
type Event struct {
	ID             string          `db:"id" json:"id"`
	OrganizationID string          `db:"organization_id" json:"organization_id"`
	UserID         string          `db:"user_id" json:"user_id,omitempty"`
	EventType      EventType       `db:"event_type" json:"event_type"`
	ResourceID     string          `db:"resource_id" json:"resource_id"`
	Details        json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Service appends audit events. Failures are logged, never propagated:
// auditing must not break the write path it observes.
type Service struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewService creates an audit service.
func NewService(db *sqlx.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Record appends an event.
func (s *Service) Record(ctx context.Context, organizationID, userID string, eventType EventType, resourceID string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		encoded, err := json.Marshal(details)
		if err == nil {
			raw = encoded
		}
	}
	event := &Event{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		UserID:         userID,
		EventType:      eventType,
		ResourceID:     resourceID,
		Details:        raw,
		CreatedAt:      time.Now().UTC(),
	}
	query := `
		INSERT INTO audit_log (id, organization_id, user_id, event_type, resource_id, details, created_at)
		VALUES (:id, :organization_id, :user_id, :event_type, :resource_id, :details, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		s.logger.Error("failed to append audit event",
			"error", err,
			"event_type", eventType,
			"resource_id", resourceID,
		)
	}
}

// List returns an organization's recent audit entries.
func (s *Service) List(ctx context.Context, organizationID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []*Event
	query := `SELECT * FROM audit_log WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &events, query, organizationID, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
