package organization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when an organization or membership row does not exist
	ErrNotFound = errors.New("organization not found")
	// ErrQuotaNotFound is returned when no quota profile exists for an organization
	ErrQuotaNotFound = errors.New("organization quota not found")
)

// Repository handles organization persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new organization repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// GetByID retrieves an organization by ID
func (r *Repository) GetByID(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	query := `SELECT * FROM organizations WHERE id = $1`
	if err := r.db.GetContext(ctx, &org, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// Create inserts a new organization
func (r *Repository) Create(ctx context.Context, org *Organization) error {
	query := `
		INSERT INTO organizations (id, name, plan, region, status, feature_flags, security_settings, compliance_settings, connector_overrides, created_at, updated_at)
		VALUES (:id, :name, :plan, :region, :status, :feature_flags, :security_settings, :compliance_settings, :connector_overrides, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, org); err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// UpdateStatus updates the lifecycle status of an organization
func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status) error {
	query := `UPDATE organizations SET status = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update organization status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMembership retrieves the membership of a user within an organization
func (r *Repository) GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error) {
	var member Membership
	query := `SELECT * FROM organization_members WHERE organization_id = $1 AND user_id = $2`
	if err := r.db.GetContext(ctx, &member, query, organizationID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return &member, nil
}

// SetDefaultMembership marks one membership as the user's default, clearing any other.
func (r *Repository) SetDefaultMembership(ctx context.Context, organizationID, userID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE organization_members SET is_default = FALSE WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear default memberships: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE organization_members SET is_default = TRUE WHERE organization_id = $1 AND user_id = $2`,
		organizationID, userID)
	if err != nil {
		return fmt.Errorf("failed to set default membership: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetQuota retrieves the quota profile for an organization
func (r *Repository) GetQuota(ctx context.Context, organizationID string) (*Quota, error) {
	var quota Quota
	query := `SELECT * FROM organization_quotas WHERE organization_id = $1`
	if err := r.db.GetContext(ctx, &quota, query, organizationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuotaNotFound
		}
		return nil, fmt.Errorf("failed to get organization quota: %w", err)
	}
	return &quota, nil
}

// CreateQuota inserts a quota profile for an organization
func (r *Repository) CreateQuota(ctx context.Context, quota *Quota) error {
	query := `
		INSERT INTO organization_quotas (
			organization_id, period_start, period_end,
			max_workflows, max_executions_per_month, max_concurrent_executions,
			max_executions_per_minute, max_storage_bytes, max_users,
			used_workflows, used_executions_month, used_concurrent,
			used_executions_window, used_storage_bytes, used_users, updated_at
		) VALUES (
			:organization_id, :period_start, :period_end,
			:max_workflows, :max_executions_per_month, :max_concurrent_executions,
			:max_executions_per_minute, :max_storage_bytes, :max_users,
			:used_workflows, :used_executions_month, :used_concurrent,
			:used_executions_window, :used_storage_bytes, :used_users, :updated_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, quota); err != nil {
		return fmt.Errorf("failed to create organization quota: %w", err)
	}
	return nil
}

// SnapshotConcurrency persists the authoritative concurrent execution count.
// The live count is owned by the queue's redis counters; the DB snapshot is
// for reporting and restart recovery only.
func (r *Repository) SnapshotConcurrency(ctx context.Context, organizationID string, concurrent int) error {
	query := `UPDATE organization_quotas SET used_concurrent = $2, updated_at = NOW() WHERE organization_id = $1`
	if _, err := r.db.ExecContext(ctx, query, organizationID, concurrent); err != nil {
		return fmt.Errorf("failed to snapshot concurrency: %w", err)
	}
	return nil
}

// IncrementExecutionCounters atomically advances the monthly and current
// window execution counters.
func (r *Repository) IncrementExecutionCounters(ctx context.Context, organizationID string) error {
	query := `
		UPDATE organization_quotas
		SET used_executions_month = used_executions_month + 1,
			used_executions_window = used_executions_window + 1,
			updated_at = NOW()
		WHERE organization_id = $1`
	if _, err := r.db.ExecContext(ctx, query, organizationID); err != nil {
		return fmt.Errorf("failed to increment execution counters: %w", err)
	}
	return nil
}

// RolloverWindow resets the window counters when the billing period has ended.
func (r *Repository) RolloverWindow(ctx context.Context, organizationID string, periodStart, periodEnd time.Time) error {
	query := `
		UPDATE organization_quotas
		SET period_start = $2, period_end = $3,
			used_executions_month = 0, used_executions_window = 0, updated_at = NOW()
		WHERE organization_id = $1`
	if _, err := r.db.ExecContext(ctx, query, organizationID, periodStart, periodEnd); err != nil {
		return fmt.Errorf("failed to roll over quota window: %w", err)
	}
	return nil
}

// ListExpiredWindows returns organization ids whose billing window has ended.
func (r *Repository) ListExpiredWindows(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	query := `SELECT organization_id FROM organization_quotas WHERE period_end <= $1`
	if err := r.db.SelectContext(ctx, &ids, query, now); err != nil {
		return nil, fmt.Errorf("failed to list expired quota windows: %w", err)
	}
	return ids, nil
}
