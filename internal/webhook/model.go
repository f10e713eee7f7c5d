package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a trigger does not exist
	ErrNotFound = errors.New("trigger not found")
	// ErrInactive is returned when a trigger exists but is deactivated
	ErrInactive = errors.New("trigger is not active")
)

// TriggerKind distinguishes webhook registrations from polling registrations
type TriggerKind string

const (
	KindWebhook TriggerKind = "webhook"
	KindPolling TriggerKind = "polling"
)

// DefaultDedupeRingSize bounds the per-trigger dedupe token ring.
const DefaultDedupeRingSize = 500

// DedupeState is the persisted dedupe token ring for a trigger.
// Tokens is a FIFO: index 0 is the oldest token.
type DedupeState struct {
	Tokens []string `json:"tokens"`
}

// Trigger is a persisted webhook or polling registration
type Trigger struct {
	ID             string      `db:"id" json:"id"`
	Kind           TriggerKind `db:"kind" json:"kind"`
	WorkflowID     string      `db:"workflow_id" json:"workflow_id"`
	OrganizationID string      `db:"organization_id" json:"organization_id"`
	UserID         string      `db:"user_id" json:"user_id"`
	ConnectorID    string      `db:"connector_id" json:"connector_id"`
	TriggerFnID    string      `db:"trigger_fn_id" json:"trigger_fn_id"`
	NodeID         string      `db:"node_id" json:"node_id"`
	Active         bool        `db:"active" json:"active"`

	// Webhook fields
	EndpointPath      string `db:"endpoint_path" json:"endpoint_path,omitempty"`
	Secret            string `db:"secret" json:"-"`
	SignatureTemplate string `db:"signature_template" json:"signature_template,omitempty"`

	// Polling fields
	IntervalSeconds int        `db:"interval_seconds" json:"interval_seconds,omitempty"`
	LastPoll        *time.Time `db:"last_poll" json:"last_poll,omitempty"`
	NextPollAt      *time.Time `db:"next_poll_at" json:"next_poll_at,omitempty"`
	DedupeKey       string     `db:"dedupe_key" json:"dedupe_key,omitempty"`
	ConnectionID    string     `db:"connection_id" json:"connection_id,omitempty"`

	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	DedupeJSON    json.RawMessage `db:"dedupe_state" json:"-"`
	LastTriggered *time.Time      `db:"last_triggered" json:"last_triggered,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// DedupeState decodes the stored dedupe ring.
func (t *Trigger) DedupeState() DedupeState {
	var state DedupeState
	if len(t.DedupeJSON) > 0 {
		_ = json.Unmarshal(t.DedupeJSON, &state)
	}
	return state
}

// MetadataMap decodes the trigger metadata object.
func (t *Trigger) MetadataMap() map[string]any {
	meta := make(map[string]any)
	if len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &meta)
	}
	return meta
}

// Filters extracts the declared metadata filters (dot-path -> expected).
// Supports {"filters": {"event.type": "order.created"}} and the contains
// form {"filters": {"event.type": {"contains": "order"}}}.
func (t *Trigger) Filters() map[string]any {
	meta := t.MetadataMap()
	filters, ok := meta["filters"].(map[string]any)
	if !ok {
		return nil
	}
	return filters
}

// PollMethod returns the configured poll method override, if any.
func (t *Trigger) PollMethod() string {
	meta := t.MetadataMap()
	if method, ok := meta["pollMethod"].(string); ok {
		return method
	}
	return ""
}

// LogStatus classifies a webhook log entry
type LogStatus string

const (
	LogAccepted  LogStatus = "accepted"
	LogDuplicate LogStatus = "duplicate"
	LogFiltered  LogStatus = "filtered"
	LogRejected  LogStatus = "rejected"
)

// Log is an append-only record of a webhook delivery attempt
type Log struct {
	ID          string    `db:"id" json:"id"`
	TriggerID   string    `db:"trigger_id" json:"trigger_id"`
	WorkflowID  string    `db:"workflow_id" json:"workflow_id"`
	Status      LogStatus `db:"status" json:"status"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	DedupeToken string    `db:"dedupe_token" json:"dedupe_token,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
