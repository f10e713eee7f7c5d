package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a workflow does not exist
var ErrNotFound = errors.New("workflow not found")

// Repository handles workflow persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new workflow repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// GetByID retrieves a workflow scoped to an organization
func (r *Repository) GetByID(ctx context.Context, organizationID, id string) (*Workflow, error) {
	var wf Workflow
	query := `SELECT * FROM workflows WHERE id = $1 AND organization_id = $2`
	if err := r.db.GetContext(ctx, &wf, query, id, organizationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &wf, nil
}

// Save inserts a new workflow or bumps an existing one's version.
func (r *Repository) Save(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
		wf.Version = 1
		wf.CreatedAt = now
		wf.UpdatedAt = now
		query := `
			INSERT INTO workflows (id, organization_id, name, description, graph, status, version, created_by, metadata, created_at, updated_at)
			VALUES (:id, :organization_id, :name, :description, :graph, :status, :version, :created_by, :metadata, :created_at, :updated_at)`
		if _, err := r.db.NamedExecContext(ctx, query, wf); err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		return nil
	}

	query := `
		UPDATE workflows
		SET name = $3, description = $4, graph = $5, metadata = $6, version = version + 1, updated_at = $7
		WHERE id = $1 AND organization_id = $2`
	result, err := r.db.ExecContext(ctx, query, wf.ID, wf.OrganizationID, wf.Name, wf.Description, wf.Graph, wf.Metadata, now)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByOrganization returns the number of workflows an organization owns.
func (r *Repository) CountByOrganization(ctx context.Context, organizationID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM workflows WHERE organization_id = $1`
	if err := r.db.GetContext(ctx, &count, query, organizationID); err != nil {
		return 0, fmt.Errorf("failed to count workflows: %w", err)
	}
	return count, nil
}
