package driven

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// GrantStore persists permission grants, one row per (agent, connection).
type GrantStore interface {
	// Upsert creates the grant or replaces the capabilities, expiry and
	// active flag of the existing row for the same (agent, connection).
	// The stored grant is returned, keeping the existing ID on update.
	Upsert(ctx context.Context, g *domain.PermissionGrant) (*domain.PermissionGrant, error)

	// Get retrieves a grant by ID.
	// Returns domain.ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.PermissionGrant, error)

	// GetByPair retrieves the grant for an agent and connection.
	// Returns domain.ErrNotFound if none exists.
	GetByPair(ctx context.Context, agentID, connectionID string) (*domain.PermissionGrant, error)

	// ListByConnection returns all grants on a connection, inactive ones included.
	ListByConnection(ctx context.Context, connectionID string) ([]*domain.PermissionGrant, error)

	// ListByAgent returns all grants held by an agent.
	ListByAgent(ctx context.Context, agentID string) ([]*domain.PermissionGrant, error)

	// Update writes a grant's mutable fields.
	Update(ctx context.Context, g *domain.PermissionGrant) error
}

// GrantEventStore is the append-only grant audit trail.
type GrantEventStore interface {
	Append(ctx context.Context, e *domain.GrantEvent) error

	// ListByGrant returns a grant's events, oldest first.
	ListByGrant(ctx context.Context, grantID string) ([]*domain.GrantEvent, error)
}
