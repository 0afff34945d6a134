package driven

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// ProviderStore persists the provider registry.
type ProviderStore interface {
	// Save creates or replaces a provider by name.
	Save(ctx context.Context, p *domain.Provider) error

	// Get retrieves a provider by name.
	// Returns domain.ErrNotFound if it isn't registered.
	Get(ctx context.Context, name string) (*domain.Provider, error)

	// List returns providers ordered by name.
	List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error)
}
