package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a connection does not exist or is revoked
var ErrNotFound = errors.New("connection not found")

// Repository handles connection persistence
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new connection repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new connection
func (r *Repository) Create(ctx context.Context, conn *Connection) error {
	query := `
		INSERT INTO connections (id, organization_id, user_id, connector_id, name, credentials_ciphertext, metadata, additional_config, created_at, updated_at)
		VALUES (:id, :organization_id, :user_id, :connector_id, :name, :credentials_ciphertext, :metadata, :additional_config, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, conn); err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetByID retrieves a live connection scoped to an organization
func (r *Repository) GetByID(ctx context.Context, organizationID, id string) (*Connection, error) {
	var conn Connection
	query := `SELECT * FROM connections WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`
	if err := r.db.GetContext(ctx, &conn, query, id, organizationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// ListByOrganization retrieves a user's live connections (secrets included;
// callers strip them before serialization).
func (r *Repository) ListByOrganization(ctx context.Context, organizationID, userID string) ([]*Connection, error) {
	var conns []*Connection
	query := `
		SELECT * FROM connections
		WHERE organization_id = $1 AND user_id = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &conns, query, organizationID, userID); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// UpdateCiphertext replaces the stored secret (token refresh).
func (r *Repository) UpdateCiphertext(ctx context.Context, organizationID, id, ciphertextB64 string) error {
	query := `UPDATE connections SET credentials_ciphertext = $3, updated_at = NOW() WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, organizationID, ciphertextB64)
	if err != nil {
		return fmt.Errorf("failed to update connection secret: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks a connection revoked.
func (r *Repository) Revoke(ctx context.Context, organizationID, id string, at time.Time) error {
	query := `UPDATE connections SET revoked_at = $3, updated_at = NOW() WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, organizationID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
