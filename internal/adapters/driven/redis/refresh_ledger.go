package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.RefreshLedger = (*RefreshLedger)(nil)

const pendingRefreshPrefix = "vault:refresh:pending:"

// RefreshLedger implements driven.RefreshLedger using Redis.
// Entries are JSON documents holding sealed tokens; Redis TTL expires them.
type RefreshLedger struct {
	client *redis.Client
}

// NewRefreshLedger creates a new Redis-backed refresh ledger.
func NewRefreshLedger(client *redis.Client) *RefreshLedger {
	return &RefreshLedger{client: client}
}

// ledgerEntry is the stored form. The fingerprint is duplicated in a plain
// field so the delete script can compare it without decoding the blob.
type ledgerEntry struct {
	Fingerprint string                 `json:"fingerprint"`
	Pending     *domain.PendingRefresh `json:"pending"`
}

// Save records the pending refresh with ttl, replacing any earlier one.
func (l *RefreshLedger) Save(ctx context.Context, p *domain.PendingRefresh, ttl time.Duration) error {
	if p.Sealed == nil {
		return fmt.Errorf("%w: pending refresh has no sealed material", domain.ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ledger ttl must be positive", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(ledgerEntry{Fingerprint: p.Fingerprint, Pending: p})
	if err != nil {
		return fmt.Errorf("marshal pending refresh: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, pendingRefreshPrefix+p.ConnectionID, data, ttl)
	pipe.Set(ctx, pendingRefreshPrefix+p.ConnectionID+":fp", p.Fingerprint, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save pending refresh: %w", err)
	}
	return nil
}

// Get returns the pending refresh for a connection, or nil if none.
func (l *RefreshLedger) Get(ctx context.Context, connectionID string) (*domain.PendingRefresh, error) {
	data, err := l.client.Get(ctx, pendingRefreshPrefix+connectionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending refresh: %w", err)
	}

	var entry ledgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal pending refresh: %w", err)
	}
	return entry.Pending, nil
}

// deleteScript removes the entry only while it still carries the fingerprint,
// so a newer token set saved by another attempt survives.
var deleteScript = redis.NewScript(`
	if redis.call("get", KEYS[2]) == ARGV[1] then
		return redis.call("del", KEYS[1], KEYS[2])
	else
		return 0
	end
`)

// Delete removes the entry if it still carries fingerprint.
func (l *RefreshLedger) Delete(ctx context.Context, connectionID, fingerprint string) error {
	key := pendingRefreshPrefix + connectionID
	_, err := deleteScript.Run(ctx, l.client, []string{key, key + ":fp"}, fingerprint).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete pending refresh: %w", err)
	}
	return nil
}
