package domain

import "time"

// PermissionGrant links one agent to one connection with a capability subset.
// There is at most one row per (agent, connection); re-granting updates it.
type PermissionGrant struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	ConnectionID string        `json:"connection_id"`
	Capabilities CapabilitySet `json:"capabilities"`
	Active       bool          `json:"active"`
	GrantedBy    string        `json:"granted_by"`
	GrantedAt    time.Time     `json:"granted_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	RevokedAt    *time.Time    `json:"revoked_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (g *PermissionGrant) Clone() *PermissionGrant {
	if g == nil {
		return nil
	}
	out := *g
	out.Capabilities = append(CapabilitySet(nil), g.Capabilities...)
	out.ExpiresAt = cloneTime(g.ExpiresAt)
	out.RevokedAt = cloneTime(g.RevokedAt)
	return &out
}

// IsEffectiveAt reports whether the grant is active and unexpired at now.
func (g *PermissionGrant) IsEffectiveAt(now time.Time) bool {
	if !g.Active {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// Allows reports whether the grant covers every required capability.
func (g *PermissionGrant) Allows(required CapabilitySet) bool {
	return required.IsSubsetOf(g.Capabilities)
}

// GrantEventType is the kind of change recorded in the grant audit trail.
type GrantEventType string

const (
	GrantEventGranted GrantEventType = "granted"
	GrantEventRevoked GrantEventType = "revoked"
)

// GrantEvent is one append-only audit trail entry for a grant.
type GrantEvent struct {
	ID           string         `json:"id"`
	GrantID      string         `json:"grant_id"`
	AgentID      string         `json:"agent_id"`
	ConnectionID string         `json:"connection_id"`
	Type         GrantEventType `json:"type"`
	Capabilities CapabilitySet  `json:"capabilities,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
