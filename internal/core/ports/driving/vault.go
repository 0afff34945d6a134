package driving

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// SecretVault stores secrets encrypted at rest and hands back opaque refs.
type SecretVault interface {
	// Put seals plaintext under a fresh data key and returns its handle ref.
	Put(ctx context.Context, plaintext string, meta domain.SecretMetadata) (domain.SecretRef, error)

	// Get returns the plaintext a ref points to. The context must carry
	// trusted execution (domain.WithTrustedExecution).
	// Legacy refs return domain.ErrUnresolvedRef.
	Get(ctx context.Context, ref domain.SecretRef) (string, error)

	// Rotate re-seals the secret behind ref with new plaintext under the
	// active master key. The handle does not change.
	Rotate(ctx context.Context, ref domain.SecretRef, plaintext string) (domain.SecretRef, error)

	// Delete removes the secret. Deleting a missing secret succeeds.
	Delete(ctx context.Context, ref domain.SecretRef) error

	// Resolve interprets an untagged identifier as a handle, then a label,
	// then a raw credential. Only the legacy import uses it.
	Resolve(ctx context.Context, identifier string) (*domain.Resolution, error)
}
