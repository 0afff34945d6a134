// Package cache holds read-through caches in front of driven stores.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ProviderStore = (*ProviderStore)(nil)

// Defaults for the provider cache.
const (
	DefaultProviderCacheSize = 256
	DefaultProviderCacheTTL  = time.Minute
)

// ProviderStore caches provider lookups in front of another ProviderStore.
// Every Authorize and ResolveCredential reads its provider, so this keeps
// those calls off the database. Saves through this store invalidate the
// entry; saves made by other instances are visible after the TTL.
type ProviderStore struct {
	next  driven.ProviderStore
	cache *expirable.LRU[string, *domain.Provider]
}

// NewProviderStore wraps next with an LRU of size entries expiring after ttl.
func NewProviderStore(next driven.ProviderStore, size int, ttl time.Duration) *ProviderStore {
	if size <= 0 {
		size = DefaultProviderCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultProviderCacheTTL
	}
	return &ProviderStore{
		next:  next,
		cache: expirable.NewLRU[string, *domain.Provider](size, nil, ttl),
	}
}

// Save writes through and drops the cached entry.
func (s *ProviderStore) Save(ctx context.Context, p *domain.Provider) error {
	s.cache.Remove(p.Name)
	if err := s.next.Save(ctx, p); err != nil {
		return err
	}
	s.cache.Remove(p.Name)
	return nil
}

// Get returns a copy of the cached provider, loading it on a miss.
// Misses are not cached.
func (s *ProviderStore) Get(ctx context.Context, name string) (*domain.Provider, error) {
	if p, ok := s.cache.Get(name); ok {
		return p.Clone(), nil
	}

	p, err := s.next.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cache.Add(name, p.Clone())
	return p, nil
}

// List always reads through.
func (s *ProviderStore) List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error) {
	return s.next.List(ctx, enabledOnly)
}

// Purge empties the cache.
func (s *ProviderStore) Purge() {
	s.cache.Purge()
}
