package driven

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// SecretRepository persists sealed secret records. It never sees plaintext.
type SecretRepository interface {
	// Insert stores a new record.
	Insert(ctx context.Context, rec *domain.SecretRecord) error

	// GetByHandle retrieves a record with its sealed blob.
	// Returns domain.ErrNotFound if the handle doesn't exist.
	GetByHandle(ctx context.Context, handle string) (*domain.SecretRecord, error)

	// GetByLabel retrieves the most recently written record with the label.
	// Returns domain.ErrNotFound if no record carries it.
	GetByLabel(ctx context.Context, label string) (*domain.SecretRecord, error)

	// Replace swaps the sealed blob of an existing record in place.
	// Returns domain.ErrNotFound if the handle doesn't exist.
	Replace(ctx context.Context, handle string, sealed *domain.SealedBlob) error

	// Delete removes a record.
	// Returns domain.ErrNotFound if the handle doesn't exist.
	Delete(ctx context.Context, handle string) error

	// List returns every record without its sealed blob.
	List(ctx context.Context) ([]*domain.SecretRecord, error)
}
