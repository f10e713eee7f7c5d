package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/organization"
)

// FailureReason classifies credential resolution failures
type FailureReason string

const (
	FailureMissingConnection            FailureReason = "missing_connection"
	FailureUnauthenticated              FailureReason = "unauthenticated"
	FailureMissingOrganization          FailureReason = "missing_organization"
	FailureConnectionNotFound           FailureReason = "connection_not_found"
	FailureConnectionServiceUnavailable FailureReason = "connection_service_unavailable"
)

// ResolutionError is a typed credential resolution failure
type ResolutionError struct {
	Reason FailureReason
	cause  error
}

func (e *ResolutionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("credential resolution failed (%s): %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("credential resolution failed (%s)", e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.cause }

// CredentialSource identifies where resolved credentials came from
type CredentialSource string

const (
	SourceInline     CredentialSource = "inline"
	SourceConnection CredentialSource = "connection"
)

// Resolved is the outcome of a successful credential resolution
type Resolved struct {
	Credentials  *connector.Credentials
	Source       CredentialSource
	ConnectionID string
}

// NodeCredentialRef is the credential-bearing slice of a node's data
type NodeCredentialRef struct {
	// Inline credentials take precedence over a stored connection.
	Inline       map[string]any
	ConnectionID string
}

// ConnectionStore is the persistence surface the resolver drives.
type ConnectionStore interface {
	GetByID(ctx context.Context, organizationID, id string) (*Connection, error)
	Create(ctx context.Context, conn *Connection) error
}

// OrganizationSource resolves the owning organization for network policy.
type OrganizationSource interface {
	GetByID(ctx context.Context, id string) (*organization.Organization, error)
}

// Resolver resolves node credential references into client-ready bundles.
type Resolver struct {
	repo      ConnectionStore
	orgs      OrganizationSource
	encryptor *Encryptor
	logger    *slog.Logger
}

// NewResolver creates a credential resolver.
func NewResolver(repo ConnectionStore, orgs OrganizationSource, encryptor *Encryptor, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, orgs: orgs, encryptor: encryptor, logger: logger}
}

// Resolve prefers inline credentials, else loads the referenced connection,
// decrypts it, and attaches the organization's network policy and tenant
// context onto the bundle.
func (r *Resolver) Resolve(ctx context.Context, organizationID, userID string, ref NodeCredentialRef) (*Resolved, error) {
	if len(ref.Inline) > 0 {
		return &Resolved{
			Credentials: &connector.Credentials{
				Values:         ref.Inline,
				OrganizationID: organizationID,
				UserID:         userID,
			},
			Source: SourceInline,
		}, nil
	}

	if ref.ConnectionID == "" {
		return nil, &ResolutionError{Reason: FailureMissingConnection}
	}
	if userID == "" {
		return nil, &ResolutionError{Reason: FailureUnauthenticated}
	}
	if organizationID == "" {
		return nil, &ResolutionError{Reason: FailureMissingOrganization}
	}

	conn, err := r.repo.GetByID(ctx, organizationID, ref.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ResolutionError{Reason: FailureConnectionNotFound}
		}
		return nil, &ResolutionError{Reason: FailureConnectionServiceUnavailable, cause: err}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(conn.CiphertextB64)
	if err != nil {
		return nil, &ResolutionError{Reason: FailureConnectionServiceUnavailable, cause: err}
	}
	plaintext, err := r.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, &ResolutionError{Reason: FailureConnectionServiceUnavailable, cause: err}
	}
	var values map[string]any
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, &ResolutionError{Reason: FailureConnectionServiceUnavailable, cause: err}
	}

	creds := &connector.Credentials{
		Values:         values,
		OrganizationID: organizationID,
		UserID:         userID,
	}
	if len(conn.AdditionalConfig) > 0 {
		var additional map[string]any
		if err := json.Unmarshal(conn.AdditionalConfig, &additional); err == nil {
			creds.AdditionalConfig = additional
		}
	}

	org, err := r.orgs.GetByID(ctx, organizationID)
	if err != nil {
		return nil, &ResolutionError{Reason: FailureConnectionServiceUnavailable, cause: err}
	}
	security := org.SecuritySettings()
	if len(security.AllowedDomains) > 0 || len(security.AllowedIPRanges) > 0 {
		creds.NetworkPolicy = &connector.NetworkPolicy{
			AllowedDomains:  security.AllowedDomains,
			AllowedIPRanges: security.AllowedIPRanges,
		}
	}

	return &Resolved{
		Credentials:  creds,
		Source:       SourceConnection,
		ConnectionID: conn.ID,
	}, nil
}

// Store encrypts and persists a new connection's credential values.
func (r *Resolver) Store(ctx context.Context, conn *Connection, values map[string]any) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	ciphertext, err := r.encryptor.Encrypt(plaintext)
	if err != nil {
		return err
	}
	conn.CiphertextB64 = base64.StdEncoding.EncodeToString(ciphertext)
	return r.repo.Create(ctx, conn)
}
