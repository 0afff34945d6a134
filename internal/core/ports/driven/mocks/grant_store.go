package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockGrantStore is an in-memory GrantStore for testing.
type MockGrantStore struct {
	mu     sync.RWMutex
	grants map[string]*domain.PermissionGrant

	GetByPairFn func(agentID, connectionID string) error
}

// NewMockGrantStore creates a new MockGrantStore
func NewMockGrantStore() *MockGrantStore {
	return &MockGrantStore{grants: make(map[string]*domain.PermissionGrant)}
}

func (m *MockGrantStore) Upsert(ctx context.Context, g *domain.PermissionGrant) (*domain.PermissionGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.grants {
		if existing.AgentID == g.AgentID && existing.ConnectionID == g.ConnectionID {
			existing.Capabilities = append(domain.CapabilitySet(nil), g.Capabilities...)
			existing.Active = g.Active
			existing.GrantedBy = g.GrantedBy
			existing.GrantedAt = g.GrantedAt
			existing.ExpiresAt = g.ExpiresAt
			existing.RevokedAt = g.RevokedAt
			existing.UpdatedAt = g.UpdatedAt
			return existing.Clone(), nil
		}
	}
	stored := g.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	m.grants[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *MockGrantStore) Get(ctx context.Context, id string) (*domain.PermissionGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return g.Clone(), nil
}

func (m *MockGrantStore) GetByPair(ctx context.Context, agentID, connectionID string) (*domain.PermissionGrant, error) {
	if m.GetByPairFn != nil {
		if err := m.GetByPairFn(agentID, connectionID); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.grants {
		if g.AgentID == agentID && g.ConnectionID == connectionID {
			return g.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockGrantStore) ListByConnection(ctx context.Context, connectionID string) ([]*domain.PermissionGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.PermissionGrant
	for _, g := range m.grants {
		if g.ConnectionID == connectionID {
			result = append(result, g.Clone())
		}
	}
	return result, nil
}

func (m *MockGrantStore) ListByAgent(ctx context.Context, agentID string) ([]*domain.PermissionGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.PermissionGrant
	for _, g := range m.grants {
		if g.AgentID == agentID {
			result = append(result, g.Clone())
		}
	}
	return result, nil
}

func (m *MockGrantStore) Update(ctx context.Context, g *domain.PermissionGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grants[g.ID]; !ok {
		return domain.ErrNotFound
	}
	m.grants[g.ID] = g.Clone()
	return nil
}

// Count returns the number of grant rows (for test assertions).
func (m *MockGrantStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.grants)
}

// MockGrantEventStore is an in-memory GrantEventStore for testing.
type MockGrantEventStore struct {
	mu     sync.RWMutex
	events []*domain.GrantEvent
}

// NewMockGrantEventStore creates a new MockGrantEventStore
func NewMockGrantEventStore() *MockGrantEventStore {
	return &MockGrantEventStore{}
}

func (m *MockGrantEventStore) Append(ctx context.Context, e *domain.GrantEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.events = append(m.events, &c)
	return nil
}

func (m *MockGrantEventStore) ListByGrant(ctx context.Context, grantID string) ([]*domain.GrantEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.GrantEvent
	for _, e := range m.events {
		if e.GrantID == grantID {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}
