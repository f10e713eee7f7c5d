// Package outbox is the durable staging table between trigger ingestion and
// the execution queue.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowgrid/flowgrid/internal/queue"
)

// Status of an outbox record
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

// Record is a persisted hand-off entry
type Record struct {
	ID            string          `db:"id" json:"id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        Status          `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	LastAttemptAt *time.Time      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	// LeasedUntil prevents double dispatch across replayer instances.
	LeasedUntil *time.Time `db:"leased_until" json:"-"`
	NextAttemptAt time.Time `db:"next_attempt_at" json:"next_attempt_at"`
}

// Request decodes the canonical run request carried by the record.
func (r *Record) Request() (*queue.RunRequest, error) {
	var request queue.RunRequest
	if err := json.Unmarshal(r.Payload, &request); err != nil {
		return nil, fmt.Errorf("failed to decode outbox payload: %w", err)
	}
	return &request, nil
}

// Repository handles outbox persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new outbox repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Append inserts a pending record carrying the canonical run request.
func (r *Repository) Append(ctx context.Context, request *queue.RunRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode run request: %w", err)
	}
	record := &Record{
		ID:            uuid.NewString(),
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
		NextAttemptAt: time.Now().UTC(),
	}
	query := `
		INSERT INTO webhook_outbox (id, payload, status, attempts, created_at, next_attempt_at)
		VALUES (:id, :payload, :status, :attempts, :created_at, :next_attempt_at)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to append outbox record: %w", err)
	}
	return nil
}

// ClaimDue leases up to limit pending records whose next attempt is due.
// The row-level lease prevents double dispatch by concurrent replayers.
func (r *Repository) ClaimDue(ctx context.Context, limit int, leaseTTL time.Duration) ([]*Record, error) {
	now := time.Now().UTC()
	var records []*Record
	query := `
		UPDATE webhook_outbox
		SET leased_until = $1, last_attempt_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM webhook_outbox
			WHERE status = 'pending'
			  AND next_attempt_at <= $2
			  AND (leased_until IS NULL OR leased_until < $2)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`
	if err := r.db.SelectContext(ctx, &records, query, now.Add(leaseTTL), now, limit); err != nil {
		return nil, fmt.Errorf("failed to claim outbox records: %w", err)
	}
	return records, nil
}

// MarkDispatched finalizes a successfully dispatched record.
func (r *Repository) MarkDispatched(ctx context.Context, id string) error {
	query := `UPDATE webhook_outbox SET status = 'dispatched', leased_until = NULL WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark outbox record dispatched: %w", err)
	}
	return nil
}

// Reschedule returns a record to pending with the next attempt time and error.
func (r *Repository) Reschedule(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	query := `UPDATE webhook_outbox SET status = 'pending', leased_until = NULL, next_attempt_at = $2, last_error = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, nextAttempt, lastError); err != nil {
		return fmt.Errorf("failed to reschedule outbox record: %w", err)
	}
	return nil
}

// MarkFailed moves an exhausted record to failed with its last error.
func (r *Repository) MarkFailed(ctx context.Context, id string, lastError string) error {
	query := `UPDATE webhook_outbox SET status = 'failed', leased_until = NULL, last_error = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, lastError); err != nil {
		return fmt.Errorf("failed to mark outbox record failed: %w", err)
	}
	return nil
}

// PendingCount returns the number of pending records, the backpressure signal
// for the polling scheduler.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM webhook_outbox WHERE status = 'pending'`); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count pending outbox records: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes terminal records past retention.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_outbox WHERE status IN ('dispatched','failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
