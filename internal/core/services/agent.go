package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// Ensure agentService implements AgentService
var _ driving.AgentService = (*agentService)(nil)

type agentService struct {
	agents driven.AgentDirectory
}

// NewAgentService creates a new agent service.
func NewAgentService(agents driven.AgentDirectory) driving.AgentService {
	return &agentService{agents: agents}
}

// Register registers an agent for ownerID. Re-registering an agent owned by
// someone else is refused.
func (s *agentService) Register(ctx context.Context, ownerID string, req driving.RegisterAgentRequest) (*domain.Agent, error) {
	name := strings.TrimSpace(req.Name)
	if ownerID == "" || name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", domain.ErrInvalidInput)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		owner, err := s.agents.OwnerOf(ctx, id)
		switch {
		case err == nil && owner != ownerID:
			return nil, fmt.Errorf("%w: agent %s belongs to another user", domain.ErrUnauthorized, id)
		case err != nil && !isNotFound(err):
			return nil, domain.StorageError("look up agent", err)
		}
	}

	agent := &domain.Agent{ID: id, OwnerID: ownerID, Name: name}
	if err := s.agents.Save(ctx, agent); err != nil {
		return nil, domain.StorageError("save agent", err)
	}
	return agent, nil
}

// List returns the owner's agents.
func (s *agentService) List(ctx context.Context, ownerID string) ([]*domain.Agent, error) {
	return s.agents.ListByOwner(ctx, ownerID)
}
