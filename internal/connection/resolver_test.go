package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/organization"
)

type memoryConnStore struct {
	connections map[string]*Connection
	unavailable bool
}

func (s *memoryConnStore) GetByID(ctx context.Context, organizationID, id string) (*Connection, error) {
	if s.unavailable {
		return nil, errors.New("database unreachable")
	}
	conn, ok := s.connections[id]
	if !ok || conn.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	return conn, nil
}

func (s *memoryConnStore) Create(ctx context.Context, conn *Connection) error {
	if s.connections == nil {
		s.connections = map[string]*Connection{}
	}
	s.connections[conn.ID] = conn
	return nil
}

type memoryOrgSource struct {
	org *organization.Organization
}

func (s *memoryOrgSource) GetByID(ctx context.Context, id string) (*organization.Organization, error) {
	if s.org == nil {
		return nil, organization.ErrNotFound
	}
	return s.org, nil
}

func newTestResolver(t *testing.T, store *memoryConnStore, org *organization.Organization) *Resolver {
	t.Helper()
	key := make([]byte, KeySize)
	encryptor, err := NewEncryptor(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return NewResolver(store, &memoryOrgSource{org: org}, encryptor, slog.Default())
}

func storedConnection(t *testing.T, resolver *Resolver, store *memoryConnStore) *Connection {
	t.Helper()
	conn := &Connection{
		ID:             "conn-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		ConnectorID:    "slack",
		Name:           "Team Slack",
		AdditionalConfig: json.RawMessage(`{"workspace":"acme"}`),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, resolver.Store(context.Background(), conn, map[string]any{"access_token": "xoxb-1"}))
	return conn
}

func TestResolveInlinePreferred(t *testing.T) {
	resolver := newTestResolver(t, &memoryConnStore{}, nil)

	resolved, err := resolver.Resolve(context.Background(), "org-1", "user-1", NodeCredentialRef{
		Inline:       map[string]any{"api_key": "inline-key"},
		ConnectionID: "conn-ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, SourceInline, resolved.Source)
	assert.Equal(t, "inline-key", resolved.Credentials.Values["api_key"])
	assert.Equal(t, "org-1", resolved.Credentials.OrganizationID)
}

func TestResolveStoredConnection(t *testing.T) {
	store := &memoryConnStore{}
	org := &organization.Organization{
		ID:       "org-1",
		Plan:     organization.PlanPro,
		Security: json.RawMessage(`{"allowed_domains":["slack.com"],"allowed_ip_ranges":["10.0.0.0/8"]}`),
	}
	resolver := newTestResolver(t, store, org)
	storedConnection(t, resolver, store)

	resolved, err := resolver.Resolve(context.Background(), "org-1", "user-1", NodeCredentialRef{ConnectionID: "conn-1"})
	require.NoError(t, err)
	assert.Equal(t, SourceConnection, resolved.Source)
	assert.Equal(t, "conn-1", resolved.ConnectionID)
	assert.Equal(t, "xoxb-1", resolved.Credentials.Values["access_token"])
	assert.Equal(t, "acme", resolved.Credentials.AdditionalConfig["workspace"])

	// The organization's network policy rides along on the bundle.
	require.NotNil(t, resolved.Credentials.NetworkPolicy)
	assert.True(t, resolved.Credentials.NetworkPolicy.AllowsHost("api.slack.com"))
	assert.False(t, resolved.Credentials.NetworkPolicy.AllowsHost("evil.example.com"))
	assert.True(t, resolved.Credentials.NetworkPolicy.AllowsHost("10.1.2.3"))
}

func TestResolveTypedFailures(t *testing.T) {
	store := &memoryConnStore{}
	org := &organization.Organization{ID: "org-1", Plan: organization.PlanPro}
	resolver := newTestResolver(t, store, org)

	tests := []struct {
		name   string
		orgID  string
		userID string
		ref    NodeCredentialRef
		want   FailureReason
	}{
		{"no reference at all", "org-1", "user-1", NodeCredentialRef{}, FailureMissingConnection},
		{"missing user", "org-1", "", NodeCredentialRef{ConnectionID: "conn-1"}, FailureUnauthenticated},
		{"missing organization", "", "user-1", NodeCredentialRef{ConnectionID: "conn-1"}, FailureMissingOrganization},
		{"unknown connection", "org-1", "user-1", NodeCredentialRef{ConnectionID: "ghost"}, FailureConnectionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), tt.orgID, tt.userID, tt.ref)
			var resolutionErr *ResolutionError
			require.ErrorAs(t, err, &resolutionErr)
			assert.Equal(t, tt.want, resolutionErr.Reason)
		})
	}
}

func TestResolveServiceUnavailable(t *testing.T) {
	store := &memoryConnStore{unavailable: true}
	resolver := newTestResolver(t, store, &organization.Organization{ID: "org-1"})

	_, err := resolver.Resolve(context.Background(), "org-1", "user-1", NodeCredentialRef{ConnectionID: "conn-1"})
	var resolutionErr *ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, FailureConnectionServiceUnavailable, resolutionErr.Reason)
}

func TestStoreEncryptsSecrets(t *testing.T) {
	store := &memoryConnStore{}
	resolver := newTestResolver(t, store, &organization.Organization{ID: "org-1"})
	conn := storedConnection(t, resolver, store)

	// Ciphertext never contains the plaintext secret.
	assert.NotContains(t, conn.CiphertextB64, "xoxb-1")
	assert.NotEmpty(t, conn.CiphertextB64)

	// Public listing strips the ciphertext entirely.
	assert.Empty(t, conn.Public().CiphertextB64)
}
