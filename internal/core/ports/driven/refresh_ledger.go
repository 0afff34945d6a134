package driven

import (
	"context"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// RefreshLedger holds sealed token sets that were issued by a provider but
// not yet applied to their connection.
type RefreshLedger interface {
	// Save records the pending refresh, replacing any earlier one for the
	// same connection. Entries may expire after ttl.
	Save(ctx context.Context, p *domain.PendingRefresh, ttl time.Duration) error

	// Get returns the pending refresh for a connection, or nil if none.
	Get(ctx context.Context, connectionID string) (*domain.PendingRefresh, error)

	// Delete removes the entry if it still carries fingerprint.
	Delete(ctx context.Context, connectionID, fingerprint string) error
}
