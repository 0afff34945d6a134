package mocks

import (
	"context"
	"sync"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockAgentDirectory is an in-memory AgentDirectory for testing.
type MockAgentDirectory struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
}

// NewMockAgentDirectory creates a new MockAgentDirectory
func NewMockAgentDirectory() *MockAgentDirectory {
	return &MockAgentDirectory{agents: make(map[string]*domain.Agent)}
}

func (m *MockAgentDirectory) OwnerOf(ctx context.Context, agentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return a.OwnerID, nil
}

func (m *MockAgentDirectory) Save(ctx context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *agent
	m.agents[agent.ID] = &c
	return nil
}

func (m *MockAgentDirectory) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.Agent
	for _, a := range m.agents {
		if a.OwnerID == ownerID {
			c := *a
			result = append(result, &c)
		}
	}
	return result, nil
}

// Add registers an agent (for test setup).
func (m *MockAgentDirectory) Add(agentID, ownerID string) {
	_ = m.Save(context.Background(), &domain.Agent{ID: agentID, OwnerID: ownerID, Name: agentID})
}
