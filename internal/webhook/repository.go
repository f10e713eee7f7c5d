package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository handles trigger and webhook log persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new webhook repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a trigger registration
func (r *Repository) Create(ctx context.Context, trigger *Trigger) error {
	query := `
		INSERT INTO workflow_triggers (
			id, kind, workflow_id, organization_id, user_id, connector_id, trigger_fn_id, node_id, active,
			endpoint_path, secret, signature_template,
			interval_seconds, last_poll, next_poll_at, dedupe_key, connection_id,
			metadata, dedupe_state, last_triggered, created_at, updated_at
		) VALUES (
			:id, :kind, :workflow_id, :organization_id, :user_id, :connector_id, :trigger_fn_id, :node_id, :active,
			:endpoint_path, :secret, :signature_template,
			:interval_seconds, :last_poll, :next_poll_at, :dedupe_key, :connection_id,
			:metadata, :dedupe_state, :last_triggered, :created_at, :updated_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, trigger); err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// GetByID retrieves a trigger by id
func (r *Repository) GetByID(ctx context.Context, id string) (*Trigger, error) {
	var trigger Trigger
	query := `SELECT * FROM workflow_triggers WHERE id = $1`
	if err := r.db.GetContext(ctx, &trigger, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return &trigger, nil
}

// List retrieves triggers for an organization, newest first.
func (r *Repository) List(ctx context.Context, organizationID string, kind TriggerKind, limit, offset int) ([]*Trigger, error) {
	var triggers []*Trigger
	query := `
		SELECT * FROM workflow_triggers
		WHERE organization_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`
	if err := r.db.SelectContext(ctx, &triggers, query, organizationID, string(kind), limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	return triggers, nil
}

// ListActivePolling retrieves all active polling triggers for scheduler warm-up.
func (r *Repository) ListActivePolling(ctx context.Context) ([]*Trigger, error) {
	var triggers []*Trigger
	query := `SELECT * FROM workflow_triggers WHERE kind = 'polling' AND active = TRUE`
	if err := r.db.SelectContext(ctx, &triggers, query); err != nil {
		return nil, fmt.Errorf("failed to list polling triggers: %w", err)
	}
	return triggers, nil
}

// SaveDedupeState persists the dedupe ring snapshot atomically with the
// trigger's last-triggered timestamp.
func (r *Repository) SaveDedupeState(ctx context.Context, triggerID string, state DedupeState, triggeredAt time.Time) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal dedupe state: %w", err)
	}
	query := `UPDATE workflow_triggers SET dedupe_state = $2, last_triggered = $3, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, triggerID, raw, triggeredAt); err != nil {
		return fmt.Errorf("failed to save dedupe state: %w", err)
	}
	return nil
}

// SavePollState atomically persists a polling trigger's runtime state
// (watermark, next poll, dedupe ring).
func (r *Repository) SavePollState(ctx context.Context, triggerID string, lastPoll, nextPollAt time.Time, state DedupeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal dedupe state: %w", err)
	}
	query := `
		UPDATE workflow_triggers
		SET last_poll = $2, next_poll_at = $3, dedupe_state = $4, updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, triggerID, lastPoll, nextPollAt, raw); err != nil {
		return fmt.Errorf("failed to save poll state: %w", err)
	}
	return nil
}

// SetActive activates or deactivates a trigger.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE workflow_triggers SET active = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a trigger registration.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflow_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog inserts a webhook delivery log entry.
func (r *Repository) AppendLog(ctx context.Context, log *Log) error {
	query := `
		INSERT INTO webhook_logs (id, trigger_id, workflow_id, status, reason, dedupe_token, created_at)
		VALUES (:id, :trigger_id, :workflow_id, :status, :reason, :dedupe_token, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("failed to append webhook log: %w", err)
	}
	return nil
}

// AcquirePartitionLease claims a polling partition for a scheduler instance.
// Returns false when another live holder owns the lease.
func (r *Repository) AcquirePartitionLease(ctx context.Context, partition int, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO polling_triggers (partition, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (partition) DO UPDATE
		SET holder = $2, expires_at = $3
		WHERE polling_triggers.expires_at < $4 OR polling_triggers.holder = $2`
	result, err := r.db.ExecContext(ctx, query, partition, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire partition lease: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}
