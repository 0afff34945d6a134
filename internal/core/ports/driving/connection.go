package driving

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// ConnectionManager owns the connection lifecycle and its secrets.
type ConnectionManager interface {
	// CreateConnection stores the credential material and activates the connection.
	CreateConnection(ctx context.Context, req CreateConnectionRequest) (*domain.Connection, error)

	// UpdateConnection replaces the connection's credential material.
	// Concurrent updates of one connection are serialized.
	UpdateConnection(ctx context.Context, id string, req UpdateConnectionRequest) (*domain.Connection, error)

	// RevokeConnection revokes the connection and deletes its secrets. Idempotent.
	RevokeConnection(ctx context.Context, id string) error

	// GetActiveConnection finds the user's active connection for a provider.
	// A nil name selects the most recently updated one.
	GetActiveConnection(ctx context.Context, userID, providerName string, name *string) (*domain.Connection, error)

	GetConnection(ctx context.Context, id string) (*domain.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]*domain.Connection, error)

	// MarkStatus moves a connection to status, recording reason as its last error.
	MarkStatus(ctx context.Context, id string, status domain.ConnectionStatus, reason string) error

	// ResolveCredential returns the plaintext credential of an active
	// connection. Requires a trusted execution context.
	ResolveCredential(ctx context.Context, id string) (*domain.Credential, error)
}

// CreateConnectionRequest is the output of a setup flow.
type CreateConnectionRequest struct {
	UserID       string                    `json:"-"`
	ProviderName string                    `json:"provider" example:"acme"`
	Name         string                    `json:"name" example:"work"`
	AccountID    string                    `json:"account_id,omitempty" example:"u1@acme.example"`
	Material     domain.CredentialMaterial `json:"-"`
	Scopes       []string                  `json:"scopes" example:"read,send"`
}

// UpdateConnectionRequest replaces credential material.
type UpdateConnectionRequest struct {
	Material domain.CredentialMaterial
	// Scopes replaces the granted scopes; nil keeps them.
	Scopes []string
	// Fingerprint identifies the issued token set for refresh idempotency.
	Fingerprint string
	// ExpectedGeneration, when non-zero, fails the update with ErrConflict
	// unless the connection is still at that generation.
	ExpectedGeneration int64
}
