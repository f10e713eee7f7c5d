package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository handles usage_tracking persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new usage repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Increment upserts the monthly row and applies the delta in one statement.
// The per-user and per-month counters move in a single transaction.
func (r *Repository) Increment(ctx context.Context, userID, organizationID string, year, month int, delta Delta, costCents int64) (*Tracking, error) {
	query := `
		INSERT INTO usage_tracking (user_id, organization_id, year, month, api_calls, tokens_used, workflow_runs, storage_used, estimated_cost_cents, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id, organization_id, year, month) DO UPDATE SET
			api_calls = usage_tracking.api_calls + $5,
			tokens_used = usage_tracking.tokens_used + $6,
			workflow_runs = usage_tracking.workflow_runs + $7,
			storage_used = usage_tracking.storage_used + $8,
			estimated_cost_cents = usage_tracking.estimated_cost_cents + $9,
			updated_at = NOW()
		RETURNING *`
	var row Tracking
	if err := r.db.GetContext(ctx, &row, query,
		userID, organizationID, year, month,
		delta.APICalls, delta.Tokens, delta.WorkflowRuns, delta.Storage, costCents); err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return &row, nil
}

// Get retrieves the monthly row for a user. Missing rows return zeroes.
func (r *Repository) Get(ctx context.Context, userID, organizationID string, year, month int) (*Tracking, error) {
	var row Tracking
	query := `SELECT * FROM usage_tracking WHERE user_id = $1 AND organization_id = $2 AND year = $3 AND month = $4`
	if err := r.db.GetContext(ctx, &row, query, userID, organizationID, year, month); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Tracking{UserID: userID, OrganizationID: organizationID, Year: year, Month: month}, nil
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return &row, nil
}

// SumByOrganization aggregates a month's usage across an organization's users.
func (r *Repository) SumByOrganization(ctx context.Context, organizationID string, year, month int) (*Tracking, error) {
	var row Tracking
	query := `
		SELECT $1 AS organization_id, '' AS user_id, $2 AS year, $3 AS month,
			COALESCE(SUM(api_calls), 0) AS api_calls,
			COALESCE(SUM(tokens_used), 0) AS tokens_used,
			COALESCE(SUM(workflow_runs), 0) AS workflow_runs,
			COALESCE(SUM(storage_used), 0) AS storage_used,
			COALESCE(SUM(estimated_cost_cents), 0) AS estimated_cost_cents,
			NOW() AS updated_at
		FROM usage_tracking
		WHERE organization_id = $1 AND year = $2 AND month = $3`
	if err := r.db.GetContext(ctx, &row, query, organizationID, year, month); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return &row, nil
}

// ListForPeriod returns all rows in a [start, end) window, optionally
// filtered to organizations on the given plan.
func (r *Repository) ListForPeriod(ctx context.Context, start, end time.Time, planFilter string) ([]*Tracking, error) {
	var rows []*Tracking
	query := `
		SELECT u.* FROM usage_tracking u
		JOIN organizations o ON o.id = u.organization_id
		WHERE make_date(u.year, u.month, 1) >= date_trunc('month', $1::timestamptz)
		  AND make_date(u.year, u.month, 1) < $2::timestamptz
		  AND ($3 = '' OR o.plan = $3)
		ORDER BY u.organization_id, u.user_id, u.year, u.month`
	if err := r.db.SelectContext(ctx, &rows, query, start, end, planFilter); err != nil {
		return nil, fmt.Errorf("failed to list usage for period: %w", err)
	}
	return rows, nil
}

// ListMonth returns all rows of one calendar month.
func (r *Repository) ListMonth(ctx context.Context, year, month int) ([]*Tracking, error) {
	var rows []*Tracking
	query := `SELECT * FROM usage_tracking WHERE year = $1 AND month = $2`
	if err := r.db.SelectContext(ctx, &rows, query, year, month); err != nil {
		return nil, fmt.Errorf("failed to list month usage: %w", err)
	}
	return rows, nil
}
