package driving

import (
	"context"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
)

// RotationManager refreshes OAuth connections before they expire.
type RotationManager interface {
	// RunOnce refreshes every connection inside the refresh window.
	RunOnce(ctx context.Context) (*RotationReport, error)

	// RefreshConnection refreshes one connection.
	RefreshConnection(ctx context.Context, id string) (domain.RefreshOutcome, error)
}

// RotationReport counts refresh outcomes of one cycle.
type RotationReport struct {
	Due      int                           `json:"due"`
	Outcomes map[domain.RefreshOutcome]int `json:"outcomes"`
}

// ConsistencyAuditor reconciles connection references against stored secrets.
type ConsistencyAuditor interface {
	Run(ctx context.Context) (*domain.AuditReport, error)

	// LastReport returns the most recent report, or nil before the first run.
	LastReport() *domain.AuditReport
}

// LegacyImporter rewrites untagged legacy secret refs into vault handles.
type LegacyImporter interface {
	Run(ctx context.Context) (*ImportReport, error)
}

// ImportReport counts conversions of one import run.
type ImportReport struct {
	Scanned    int `json:"scanned"`
	ByHandle   int `json:"by_handle"`
	ByLabel    int `json:"by_label"`
	Literals   int `json:"literals"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
}

// AgentService registers agents for their owners.
type AgentService interface {
	Register(ctx context.Context, ownerID string, req RegisterAgentRequest) (*domain.Agent, error)
	List(ctx context.Context, ownerID string) ([]*domain.Agent, error)
}

// RegisterAgentRequest registers an agent.
type RegisterAgentRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}
