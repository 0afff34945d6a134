package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// MockSecretRepository is an in-memory SecretRepository for testing.
type MockSecretRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.SecretRecord

	// Custom behavior hooks (optional). Returning a non-nil error short-circuits the call.
	InsertFn      func(rec *domain.SecretRecord) error
	GetByHandleFn func(handle string) error
	DeleteFn      func(handle string) error
	ListFn        func() error
}

// NewMockSecretRepository creates a new MockSecretRepository
func NewMockSecretRepository() *MockSecretRepository {
	return &MockSecretRepository{records: make(map[string]*domain.SecretRecord)}
}

func (m *MockSecretRepository) Insert(ctx context.Context, rec *domain.SecretRecord) error {
	if m.InsertFn != nil {
		if err := m.InsertFn(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Handle]; ok {
		return domain.ErrAlreadyExists
	}
	m.records[rec.Handle] = cloneRecord(rec)
	return nil
}

func (m *MockSecretRepository) GetByHandle(ctx context.Context, handle string) (*domain.SecretRecord, error) {
	if m.GetByHandleFn != nil {
		if err := m.GetByHandleFn(handle); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[handle]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MockSecretRepository) GetByLabel(ctx context.Context, label string) (*domain.SecretRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *domain.SecretRecord
	for _, rec := range m.records {
		if rec.Label != label {
			continue
		}
		if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(found), nil
}

func (m *MockSecretRepository) Replace(ctx context.Context, handle string, sealed *domain.SealedBlob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[handle]
	if !ok {
		return domain.ErrNotFound
	}
	blob := *sealed
	rec.Sealed = &blob
	return nil
}

func (m *MockSecretRepository) Delete(ctx context.Context, handle string) error {
	if m.DeleteFn != nil {
		if err := m.DeleteFn(handle); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[handle]; !ok {
		return domain.ErrNotFound
	}
	delete(m.records, handle)
	return nil
}

func (m *MockSecretRepository) List(ctx context.Context) ([]*domain.SecretRecord, error) {
	if m.ListFn != nil {
		if err := m.ListFn(); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*domain.SecretRecord, 0, len(m.records))
	for _, rec := range m.records {
		c := cloneRecord(rec)
		c.Sealed = nil
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Count returns the number of stored secrets (for test assertions).
func (m *MockSecretRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Has reports whether a handle is stored (for test assertions).
func (m *MockSecretRepository) Has(handle string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[handle]
	return ok
}

// Raw returns the stored record without copying its blob (for tampering in tests).
func (m *MockSecretRepository) Raw(handle string) *domain.SecretRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[handle]
}

func cloneRecord(rec *domain.SecretRecord) *domain.SecretRecord {
	c := *rec
	if rec.Sealed != nil {
		blob := *rec.Sealed
		blob.WrappedKey = append([]byte(nil), rec.Sealed.WrappedKey...)
		blob.Ciphertext = append([]byte(nil), rec.Sealed.Ciphertext...)
		c.Sealed = &blob
	}
	return &c
}
