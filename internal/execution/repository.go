package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when an execution does not exist
var ErrNotFound = errors.New("execution not found")

// Repository handles execution persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new execution repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new execution record.
func (r *Repository) Create(ctx context.Context, record *Record) error {
	query := `
		INSERT INTO executions (id, workflow_id, organization_id, user_id, trigger_type, status, durability, trigger_data, created_at)
		VALUES (:id, :workflow_id, :organization_id, :user_id, :trigger_type, :status, :durability, :trigger_data, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetByID retrieves an execution scoped to an organization.
func (r *Repository) GetByID(ctx context.Context, organizationID, id string) (*Record, error) {
	var record Record
	query := `SELECT * FROM executions WHERE id = $1 AND organization_id = $2`
	if err := r.db.GetContext(ctx, &record, query, id, organizationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &record, nil
}

// MarkRunning transitions a queued execution to running.
func (r *Repository) MarkRunning(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE executions SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'queued'`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	return nil
}

// Finalize writes a terminal status. Records already terminal are untouched.
func (r *Repository) Finalize(ctx context.Context, id string, status Status, errorSummary *string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	query := `
		UPDATE executions SET status = $2, error_summary = $3, finished_at = $4
		WHERE id = $1 AND status IN ('queued', 'running')`
	if _, err := r.db.ExecContext(ctx, query, id, status, errorSummary, at); err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return nil
}

// UpsertNodeDetail incrementally persists a per-node outcome.
func (r *Repository) UpsertNodeDetail(ctx context.Context, detail *NodeDetail) error {
	query := `
		INSERT INTO execution_nodes (execution_id, node_id, status, summary, output, preview, logs, parameters, diagnostics, started_at, finished_at)
		VALUES (:execution_id, :node_id, :status, :summary, :output, :preview, :logs, :parameters, :diagnostics, :started_at, :finished_at)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = EXCLUDED.status, summary = EXCLUDED.summary, output = EXCLUDED.output,
			preview = EXCLUDED.preview, logs = EXCLUDED.logs, parameters = EXCLUDED.parameters,
			diagnostics = EXCLUDED.diagnostics, finished_at = EXCLUDED.finished_at`
	if _, err := r.db.NamedExecContext(ctx, query, detail); err != nil {
		return fmt.Errorf("failed to upsert node detail: %w", err)
	}
	return nil
}

// ListNodeDetails retrieves per-node outcomes in start order.
func (r *Repository) ListNodeDetails(ctx context.Context, executionID string) ([]*NodeDetail, error) {
	var details []*NodeDetail
	query := `SELECT * FROM execution_nodes WHERE execution_id = $1 ORDER BY started_at`
	if err := r.db.SelectContext(ctx, &details, query, executionID); err != nil {
		return nil, fmt.Errorf("failed to list node details: %w", err)
	}
	return details, nil
}
