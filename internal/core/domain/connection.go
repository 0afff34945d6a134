package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ConnectionStatus is the lifecycle status of a connection.
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionError   ConnectionStatus = "error"
	ConnectionRevoked ConnectionStatus = "revoked"
)

var connectionTransitions = map[ConnectionStatus][]ConnectionStatus{
	ConnectionPending: {ConnectionActive, ConnectionError, ConnectionRevoked},
	ConnectionActive:  {ConnectionExpired, ConnectionError, ConnectionRevoked},
	ConnectionExpired: {ConnectionActive, ConnectionError, ConnectionRevoked},
	ConnectionError:   {ConnectionActive, ConnectionRevoked},
}

// CanTransitionTo reports whether moving from s to next is legal.
// Staying in the same status is always legal except for revoked.
func (s ConnectionStatus) CanTransitionTo(next ConnectionStatus) bool {
	if s == next {
		return s != ConnectionRevoked
	}
	for _, allowed := range connectionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Connection is one secret-backed link between a user and a provider.
type Connection struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	ProviderName string           `json:"provider"`
	Name         string           `json:"name"`
	AccountID    string           `json:"account_id,omitempty"`
	Scopes       ScopeSet         `json:"scopes"`
	Status       ConnectionStatus `json:"status"`
	AuthMethod   AuthMethod       `json:"auth_method"`

	AccessSecret  *SecretRef `json:"-"`
	RefreshSecret *SecretRef `json:"-"`

	// ExpiresAt is computed server-side from the issued TTL (OAuth only).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Generation increments on every write and guards compare-and-swap updates.
	Generation int64 `json:"generation"`

	// LastRefreshFingerprint identifies the externally issued token set last
	// applied, so a retried refresh is not applied twice.
	LastRefreshFingerprint string `json:"-"`

	LastError  string     `json:"last_error,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Clone returns a deep copy.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = append(ScopeSet(nil), c.Scopes...)
	if c.AccessSecret != nil {
		ref := *c.AccessSecret
		out.AccessSecret = &ref
	}
	if c.RefreshSecret != nil {
		ref := *c.RefreshSecret
		out.RefreshSecret = &ref
	}
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	out.RevokedAt = cloneTime(c.RevokedAt)
	return &out
}

// IsActive reports whether the connection is usable.
func (c *Connection) IsActive() bool {
	return c.Status == ConnectionActive
}

// IsLive reports whether the connection has not been revoked.
func (c *Connection) IsLive() bool {
	return c.Status != ConnectionRevoked
}

// IsExpiredAt reports whether the OAuth expiry has passed at now.
func (c *Connection) IsExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// NeedsRefreshAt reports whether the connection expires within window of now.
func (c *Connection) NeedsRefreshAt(now time.Time, window time.Duration) bool {
	return c.ExpiresAt != nil && now.Add(window).After(*c.ExpiresAt)
}

// SecretRefs returns the non-nil secret references.
func (c *Connection) SecretRefs() []SecretRef {
	var refs []SecretRef
	if c.AccessSecret != nil {
		refs = append(refs, *c.AccessSecret)
	}
	if c.RefreshSecret != nil {
		refs = append(refs, *c.RefreshSecret)
	}
	return refs
}

// ConnectionSummary is the safe view returned to setup flows.
type ConnectionSummary struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	ProviderName string           `json:"provider"`
	Name         string           `json:"name"`
	AccountID    string           `json:"account_id,omitempty"`
	Scopes       ScopeSet         `json:"scopes"`
	Status       ConnectionStatus `json:"status"`
	AuthMethod   AuthMethod       `json:"auth_method"`
	HasRefresh   bool             `json:"has_refresh"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ToSummary converts Connection to ConnectionSummary.
func (c *Connection) ToSummary() *ConnectionSummary {
	return &ConnectionSummary{
		ID:           c.ID,
		UserID:       c.UserID,
		ProviderName: c.ProviderName,
		Name:         c.Name,
		AccountID:    c.AccountID,
		Scopes:       c.Scopes,
		Status:       c.Status,
		AuthMethod:   c.AuthMethod,
		HasRefresh:   c.RefreshSecret != nil,
		ExpiresAt:    c.ExpiresAt,
		LastError:    c.LastError,
		LastUsedAt:   c.LastUsedAt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// CredentialMaterial is raw credential input from a setup flow or a refresh.
type CredentialMaterial struct {
	// AccessToken is the OAuth access token or the API key.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	// ExpiresIn is the issued lifetime in seconds. Absolute timestamps from
	// clients are never accepted.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// Fingerprint identifies an externally issued token set without revealing it.
func (m CredentialMaterial) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(m.AccessToken))
	h.Write([]byte{0})
	h.Write([]byte(m.RefreshToken))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Credential is the plaintext handed to the tool-execution layer.
type Credential struct {
	ConnectionID string     `json:"connection_id"`
	ProviderName string     `json:"provider"`
	AuthMethod   AuthMethod `json:"auth_method"`
	AccessToken  string     `json:"access_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
