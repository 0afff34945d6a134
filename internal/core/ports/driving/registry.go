package driving

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// ProviderRegistry manages provider definitions. Admin only.
type ProviderRegistry interface {
	// Register creates a provider or updates an existing one.
	// Changing anything but metadata while live connections exist returns
	// domain.ErrProviderInUse.
	Register(ctx context.Context, req RegisterProviderRequest) (*domain.Provider, error)

	// Get retrieves a provider by name.
	Get(ctx context.Context, name string) (*domain.Provider, error)

	// List returns registered providers.
	List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error)
}

// RegisterProviderRequest registers or updates a provider.
// @Description Provider registration
type RegisterProviderRequest struct {
	Name             string                 `json:"name" example:"acme"`
	DisplayName      string                 `json:"display_name" example:"Acme Mail"`
	AuthMethod       domain.AuthMethod      `json:"auth_method" example:"oauth"`
	AuthorizationURL string                 `json:"authorization_url,omitempty" example:"https://acme.example/oauth/authorize"`
	TokenURL         string                 `json:"token_url,omitempty" example:"https://acme.example/oauth/token"`
	RevocationURL    string                 `json:"revocation_url,omitempty" example:"https://acme.example/oauth/revoke"`
	PKCERequired     bool                   `json:"pkce_required"`
	ClientAuthStyle  domain.ClientAuthStyle `json:"client_auth_style,omitempty" example:"header"`
	ClientID         string                 `json:"client_id,omitempty"`
	// ClientSecret is stored in the vault; empty keeps the current secret.
	ClientSecret string              `json:"client_secret,omitempty"`
	Scopes       []string            `json:"scopes" example:"read,send"`
	Capabilities map[string][]string `json:"capabilities,omitempty"`
	Enabled      *bool               `json:"enabled,omitempty"` // Defaults to true
}
