package driven

import (
	"context"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// ConnectionStore persists connections. Secret material is held by reference only.
type ConnectionStore interface {
	// Create inserts a new connection.
	// Returns domain.ErrAlreadyExists if a live connection with the same
	// (user, provider, name) exists.
	Create(ctx context.Context, conn *domain.Connection) error

	// Get retrieves a connection by ID.
	// Returns domain.ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Connection, error)

	// FindActive returns the most recently updated active connection for the
	// user and provider, restricted to name when it is non-nil.
	// Returns domain.ErrNotFound if none matches.
	FindActive(ctx context.Context, userID, providerName string, name *string) (*domain.Connection, error)

	// ListByUser returns the user's connections, newest first.
	ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error)

	// ListByStatus returns all connections in the given status.
	ListByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error)

	// List returns every connection, revoked ones included.
	List(ctx context.Context) ([]*domain.Connection, error)

	// ListDueForRefresh returns active or expired OAuth connections that hold
	// a refresh secret and expire before the given time.
	ListDueForRefresh(ctx context.Context, before time.Time) ([]*domain.Connection, error)

	// CountLive counts non-revoked connections of a provider.
	CountLive(ctx context.Context, providerName string) (int, error)

	// Update writes conn if the stored generation equals expectedGeneration,
	// and sets conn.Generation to the new value. LastUsedAt is left as
	// stored; only TouchLastUsed writes it.
	// Returns domain.ErrConflict on a generation mismatch and
	// domain.ErrNotFound if the connection doesn't exist.
	Update(ctx context.Context, conn *domain.Connection, expectedGeneration int64) error

	// TouchLastUsed updates last_used_at without bumping the generation.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}
