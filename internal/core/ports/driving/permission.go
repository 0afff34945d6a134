package driving

import (
	"context"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// PermissionEngine grants agents capabilities on connections and answers
// authorization questions at tool-execution time.
type PermissionEngine interface {
	Grant(ctx context.Context, req GrantRequest) (*domain.PermissionGrant, error)

	// Revoke deactivates a grant. Idempotent.
	Revoke(ctx context.Context, grantID, actorID string) error

	// Authorize reports whether agentID may use required on connectionID.
	// An error is returned only when the answer could not be determined.
	Authorize(ctx context.Context, agentID, connectionID string, required domain.CapabilitySet) (bool, error)

	ListGrants(ctx context.Context, connectionID string) ([]*domain.PermissionGrant, error)
	GetGrant(ctx context.Context, grantID string) (*domain.PermissionGrant, error)
	GrantHistory(ctx context.Context, grantID string) ([]*domain.GrantEvent, error)
}

// GrantRequest grants an agent capabilities on a connection.
type GrantRequest struct {
	AgentID        string   `json:"agent_id"`
	ConnectionID   string   `json:"connection_id"`
	Capabilities   []string `json:"capabilities" example:"send_message"`
	GrantingUserID string   `json:"-"`
	// TTL bounds the grant's lifetime; zero means no expiry.
	TTL time.Duration `json:"-"`
}
