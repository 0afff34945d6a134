package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockConnectionStore is an in-memory ConnectionStore with generation CAS.
type MockConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]*domain.Connection

	// Custom behavior hooks (optional). Returning a non-nil error short-circuits the call.
	CreateFn func(conn *domain.Connection) error
	GetFn    func(id string) error
	UpdateFn func(conn *domain.Connection, expectedGeneration int64) error
}

// NewMockConnectionStore creates a new MockConnectionStore
func NewMockConnectionStore() *MockConnectionStore {
	return &MockConnectionStore{connections: make(map[string]*domain.Connection)}
}

func (m *MockConnectionStore) Create(ctx context.Context, conn *domain.Connection) error {
	if m.CreateFn != nil {
		if err := m.CreateFn(conn); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[conn.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, c := range m.connections {
		if c.IsLive() && c.UserID == conn.UserID && c.ProviderName == conn.ProviderName && c.Name == conn.Name {
			return domain.ErrAlreadyExists
		}
	}
	conn.Generation = 1
	m.connections[conn.ID] = conn.Clone()
	return nil
}

func (m *MockConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	if m.GetFn != nil {
		if err := m.GetFn(id); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MockConnectionStore) FindActive(ctx context.Context, userID, providerName string, name *string) (*domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *domain.Connection
	for _, c := range m.connections {
		if c.UserID != userID || c.ProviderName != providerName || !c.IsActive() {
			continue
		}
		if name != nil && c.Name != *name {
			continue
		}
		if found == nil || c.UpdatedAt.After(found.UpdatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found.Clone(), nil
}

func (m *MockConnectionStore) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return m.filter(func(c *domain.Connection) bool { return c.UserID == userID }), nil
}

func (m *MockConnectionStore) ListByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	return m.filter(func(c *domain.Connection) bool { return c.Status == status }), nil
}

func (m *MockConnectionStore) List(ctx context.Context) ([]*domain.Connection, error) {
	return m.filter(func(*domain.Connection) bool { return true }), nil
}

func (m *MockConnectionStore) ListDueForRefresh(ctx context.Context, before time.Time) ([]*domain.Connection, error) {
	return m.filter(func(c *domain.Connection) bool {
		return (c.Status == domain.ConnectionActive || c.Status == domain.ConnectionExpired) &&
			c.AuthMethod == domain.AuthMethodOAuth &&
			c.RefreshSecret != nil &&
			c.ExpiresAt != nil && c.ExpiresAt.Before(before)
	}), nil
}

func (m *MockConnectionStore) CountLive(ctx context.Context, providerName string) (int, error) {
	return len(m.filter(func(c *domain.Connection) bool {
		return c.ProviderName == providerName && c.IsLive()
	})), nil
}

func (m *MockConnectionStore) Update(ctx context.Context, conn *domain.Connection, expectedGeneration int64) error {
	if m.UpdateFn != nil {
		if err := m.UpdateFn(conn, expectedGeneration); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.connections[conn.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Generation != expectedGeneration {
		return domain.ErrConflict
	}
	conn.Generation = expectedGeneration + 1
	next := conn.Clone()
	next.LastUsedAt = stored.LastUsedAt
	m.connections[conn.ID] = next
	return nil
}

func (m *MockConnectionStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.LastUsedAt = &at
	return nil
}

// Put stores a connection verbatim (for test setup).
func (m *MockConnectionStore) Put(conn *domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = conn.Clone()
}

func (m *MockConnectionStore) filter(keep func(*domain.Connection) bool) []*domain.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.Connection
	for _, c := range m.connections {
		if keep(c) {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}
