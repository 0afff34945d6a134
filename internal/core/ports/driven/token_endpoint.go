package driven

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// TokenEndpoint talks to a provider's OAuth token and revocation endpoints.
type TokenEndpoint interface {
	// Refresh exchanges a refresh token for a new token set.
	// Returns an error wrapping domain.ErrRefreshRejected when the provider
	// refuses the refresh token (invalid_grant or another 4xx).
	Refresh(ctx context.Context, provider *domain.Provider, clientSecret, refreshToken string) (*domain.IssuedToken, error)

	// Revoke asks the provider to revoke a token. Providers without a
	// revocation endpoint are a no-op.
	Revoke(ctx context.Context, provider *domain.Provider, clientSecret, token string) error
}
