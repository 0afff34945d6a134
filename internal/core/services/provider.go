package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// Ensure providerRegistry implements ProviderRegistry
var _ driving.ProviderRegistry = (*providerRegistry)(nil)

// ProviderRegistryConfig holds configuration for the provider registry.
type ProviderRegistryConfig struct {
	// Providers persists provider definitions. Pass the cached store in production.
	Providers driven.ProviderStore

	// Connections is consulted before changing a provider's shape.
	Connections driven.ConnectionStore

	// Vault holds OAuth client secrets.
	Vault driving.SecretVault

	Logger *slog.Logger
	Now    func() time.Time
}

// providerRegistry manages provider definitions.
type providerRegistry struct {
	providers   driven.ProviderStore
	connections driven.ConnectionStore
	vault       driving.SecretVault
	logger      *slog.Logger
	now         func() time.Time
}

// NewProviderRegistry creates a new provider registry.
func NewProviderRegistry(cfg ProviderRegistryConfig) driving.ProviderRegistry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &providerRegistry{
		providers:   cfg.Providers,
		connections: cfg.Connections,
		vault:       cfg.Vault,
		logger:      logger.With("component", "provider_registry"),
		now:         now,
	}
}

// Register creates or updates a provider.
func (s *providerRegistry) Register(ctx context.Context, req driving.RegisterProviderRequest) (*domain.Provider, error) {
	p := providerFromRequest(req)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if req.ClientSecret != "" && p.AuthMethod != domain.AuthMethodOAuth {
		return nil, fmt.Errorf("%w: client secrets only apply to oauth providers", domain.ErrInvalidInput)
	}

	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	existing, err := s.providers.Get(ctx, p.Name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, domain.StorageError("get provider", err)
	}

	if existing != nil {
		if !existing.SameShape(p) {
			live, err := s.connections.CountLive(ctx, p.Name)
			if err != nil {
				return nil, domain.StorageError("count connections", err)
			}
			if live > 0 {
				return nil, fmt.Errorf("%w: %s has %d live connections", domain.ErrProviderInUse, p.Name, live)
			}
		}
		p.CreatedAt = existing.CreatedAt
		p.ClientSecret = existing.ClientSecret
	}

	var replaced *domain.SecretRef
	if req.ClientSecret != "" {
		ref, err := s.vault.Put(ctx, req.ClientSecret, domain.SecretMetadata{
			Label:       p.Name + "_client_secret",
			Description: "OAuth client secret for " + p.Name,
			OwnerKind:   domain.SecretOwnerProvider,
			OwnerID:     p.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("store client secret: %w", err)
		}
		replaced = p.ClientSecret
		p.ClientSecret = &ref
	}

	if err := s.providers.Save(ctx, p); err != nil {
		if req.ClientSecret != "" {
			if derr := s.vault.Delete(ctx, *p.ClientSecret); derr != nil {
				s.logger.Warn("failed to clean up client secret", "provider", p.Name, "error", derr)
			}
		}
		return nil, domain.StorageError("save provider", err)
	}

	if replaced != nil {
		if err := s.vault.Delete(ctx, *replaced); err != nil {
			// The auditor purges it later.
			s.logger.Warn("failed to delete replaced client secret", "provider", p.Name, "error", err)
		}
	}

	s.logger.Info("provider registered", "provider", p.Name, "auth_method", p.AuthMethod, "enabled", p.Enabled, "updated", existing != nil)
	return p, nil
}

// Get retrieves a provider by name.
func (s *providerRegistry) Get(ctx context.Context, name string) (*domain.Provider, error) {
	return s.providers.Get(ctx, name)
}

// List returns registered providers.
func (s *providerRegistry) List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error) {
	return s.providers.List(ctx, enabledOnly)
}

func providerFromRequest(req driving.RegisterProviderRequest) *domain.Provider {
	p := &domain.Provider{
		Name:             req.Name,
		DisplayName:      req.DisplayName,
		AuthMethod:       req.AuthMethod,
		AuthorizationURL: req.AuthorizationURL,
		TokenURL:         req.TokenURL,
		RevocationURL:    req.RevocationURL,
		PKCERequired:     req.PKCERequired,
		ClientAuthStyle:  req.ClientAuthStyle,
		ClientID:         req.ClientID,
		Scopes:           domain.NewScopeSet(req.Scopes...),
		Enabled:          true,
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if len(req.Capabilities) > 0 {
		p.Capabilities = make(map[string]domain.ScopeSet, len(req.Capabilities))
		for name, scopes := range req.Capabilities {
			p.Capabilities[name] = domain.NewScopeSet(scopes...)
		}
	}
	return p
}
