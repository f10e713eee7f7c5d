package connection

import (
	"encoding/json"
	"time"
)

// Connection is a tenant's stored credential set for a connector.
// Credentials live encrypted in CiphertextB64 and are decrypted only
// inside the resolver's call stack.
type Connection struct {
	ID               string          `db:"id" json:"id"`
	OrganizationID   string          `db:"organization_id" json:"organization_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	ConnectorID      string          `db:"connector_id" json:"connector_id"`
	Name             string          `db:"name" json:"name"`
	CiphertextB64    string          `db:"credentials_ciphertext" json:"-"`
	Metadata         json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	AdditionalConfig json.RawMessage `db:"additional_config" json:"additional_config,omitempty"`
	RevokedAt        *time.Time      `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Public returns the connection with secret material stripped, for listings.
func (c *Connection) Public() *Connection {
	clone := *c
	clone.CiphertextB64 = ""
	return &clone
}
