package driven

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// AgentDirectory answers who owns an agent.
type AgentDirectory interface {
	// OwnerOf returns the owning user's ID.
	// Returns domain.ErrNotFound if the agent is unknown.
	OwnerOf(ctx context.Context, agentID string) (string, error)

	// Save registers or renames an agent.
	Save(ctx context.Context, agent *domain.Agent) error

	// ListByOwner returns a user's agents.
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Agent, error)
}
