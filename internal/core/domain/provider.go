package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// AuthMethod is the credential shape of a provider.
type AuthMethod string

const (
	AuthMethodOAuth  AuthMethod = "oauth"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// IsValid reports whether m is a known credential shape.
func (m AuthMethod) IsValid() bool {
	return m == AuthMethodOAuth || m == AuthMethodAPIKey
}

// ClientAuthStyle says where OAuth client credentials go on token requests.
type ClientAuthStyle string

const (
	ClientAuthHeader ClientAuthStyle = "header" // HTTP Basic
	ClientAuthBody   ClientAuthStyle = "body"   // form parameters
)

var providerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Provider describes an external service's credential shape and endpoints.
type Provider struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	AuthMethod  AuthMethod `json:"auth_method"`

	// OAuth endpoints: all three or none.
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	TokenURL         string          `json:"token_url,omitempty"`
	RevocationURL    string          `json:"revocation_url,omitempty"`
	PKCERequired     bool            `json:"pkce_required"`
	ClientAuthStyle  ClientAuthStyle `json:"client_auth_style,omitempty"`

	// OAuth client credentials. The secret lives in the vault.
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret *SecretRef `json:"-"`

	// Scopes is the provider's scope vocabulary.
	Scopes ScopeSet `json:"scopes"`

	// Capabilities maps tool capabilities to the scopes they require.
	// When empty, every scope is a capability requiring itself.
	Capabilities map[string]ScopeSet `json:"capabilities,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasEndpoints reports whether the provider has OAuth endpoints configured.
func (p *Provider) HasEndpoints() bool {
	return p.AuthorizationURL != "" && p.TokenURL != "" && p.RevocationURL != ""
}

// CanRefresh reports whether tokens for this provider can be refreshed.
func (p *Provider) CanRefresh() bool {
	return p.AuthMethod == AuthMethodOAuth && p.TokenURL != ""
}

// Validate checks the registration rules.
func (p *Provider) Validate() error {
	if !providerNamePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: provider name %q must be a lowercase slug", ErrInvalidInput, p.Name)
	}
	if !p.AuthMethod.IsValid() {
		return fmt.Errorf("%w: unknown auth method %q", ErrInvalidInput, p.AuthMethod)
	}

	endpoints := []string{p.AuthorizationURL, p.TokenURL, p.RevocationURL}
	set := 0
	for _, e := range endpoints {
		if e == "" {
			continue
		}
		set++
		u, err := url.Parse(e)
		if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("%w: endpoint %q is not an absolute http(s) URL", ErrInvalidInput, e)
		}
	}
	if set != 0 && set != len(endpoints) {
		return fmt.Errorf("%w: authorization, token and revocation URLs must all be set or all be empty", ErrInvalidInput)
	}

	if p.AuthMethod == AuthMethodOAuth && len(p.Scopes) == 0 {
		return fmt.Errorf("%w: oauth providers need a non-empty scope vocabulary", ErrInvalidInput)
	}

	switch p.ClientAuthStyle {
	case "", ClientAuthHeader, ClientAuthBody:
	default:
		return fmt.Errorf("%w: unknown client auth style %q", ErrInvalidInput, p.ClientAuthStyle)
	}

	for capability, scopes := range p.Capabilities {
		if capability == "" {
			return fmt.Errorf("%w: empty capability name", ErrInvalidInput)
		}
		if missing := scopes.Missing(p.Scopes); len(missing) > 0 {
			return fmt.Errorf("%w: capability %q requires scopes outside the vocabulary: %v", ErrInvalidInput, capability, missing)
		}
	}
	return nil
}

// CapabilityVocabulary returns every capability the provider knows.
func (p *Provider) CapabilityVocabulary() CapabilitySet {
	if len(p.Capabilities) == 0 {
		return CapabilitySet(p.Scopes)
	}
	names := make([]string, 0, len(p.Capabilities))
	for name := range p.Capabilities {
		names = append(names, name)
	}
	return NewCapabilitySet(names...)
}

// ScopesRequiredFor maps capabilities to the union of the scopes they need.
// An unknown capability fails closed with ErrUnknownCapability.
func (p *Provider) ScopesRequiredFor(capabilities CapabilitySet) (ScopeSet, error) {
	required := ScopeSet{}
	for _, c := range capabilities {
		if len(p.Capabilities) == 0 {
			if !p.Scopes.Contains(c) {
				return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
			}
			required = required.Union(ScopeSet{c})
			continue
		}
		scopes, ok := p.Capabilities[c]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
		}
		required = required.Union(scopes)
	}
	return required, nil
}

// SameShape reports whether q differs from p only in metadata fields
// (display name, enabled flag, client credentials).
func (p *Provider) SameShape(q *Provider) bool {
	if p.AuthMethod != q.AuthMethod ||
		p.AuthorizationURL != q.AuthorizationURL ||
		p.TokenURL != q.TokenURL ||
		p.RevocationURL != q.RevocationURL ||
		p.PKCERequired != q.PKCERequired ||
		p.EffectiveAuthStyle() != q.EffectiveAuthStyle() {
		return false
	}
	if len(p.Scopes) != len(q.Scopes) {
		return false
	}
	for i := range p.Scopes {
		if p.Scopes[i] != q.Scopes[i] {
			return false
		}
	}
	if len(p.Capabilities) != len(q.Capabilities) {
		return false
	}
	for name, scopes := range p.Capabilities {
		other, ok := q.Capabilities[name]
		if !ok || !IsSubset(scopes, other) || !IsSubset(other, scopes) {
			return false
		}
	}
	return true
}

// EffectiveAuthStyle returns the client auth style, defaulting to header.
func (p *Provider) EffectiveAuthStyle() ClientAuthStyle {
	if p.ClientAuthStyle == "" {
		return ClientAuthHeader
	}
	return p.ClientAuthStyle
}

// Clone returns a deep copy.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	out := *p
	out.Scopes = append(ScopeSet(nil), p.Scopes...)
	if p.ClientSecret != nil {
		ref := *p.ClientSecret
		out.ClientSecret = &ref
	}
	if p.Capabilities != nil {
		out.Capabilities = make(map[string]ScopeSet, len(p.Capabilities))
		for name, scopes := range p.Capabilities {
			out.Capabilities[name] = append(ScopeSet(nil), scopes...)
		}
	}
	return &out
}
