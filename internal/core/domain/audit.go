package domain

import "time"

// BrokenConnection is an active connection whose secret did not resolve.
type BrokenConnection struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ProviderName string `json:"provider"`
	Reason       string `json:"reason"`
	// Transitioned is true when the connection was moved to error.
	Transitioned bool `json:"transitioned"`
}

// DanglingSecret is a stored secret no record references.
type DanglingSecret struct {
	Handle    string          `json:"handle"`
	OwnerKind SecretOwnerKind `json:"owner_kind"`
	OwnerID   string          `json:"owner_id"`
	CreatedAt time.Time       `json:"created_at"`
	Purged    bool            `json:"purged"`
}

// AuditReport is the result of one consistency audit pass.
type AuditReport struct {
	StartedAt          time.Time          `json:"started_at"`
	FinishedAt         time.Time          `json:"finished_at"`
	ConnectionsChecked int                `json:"connections_checked"`
	SecretsChecked     int                `json:"secrets_checked"`
	BrokenConnections  []BrokenConnection `json:"broken_connections"`
	DanglingSecrets    []DanglingSecret   `json:"dangling_secrets"`
	// Errors lists transient failures that were skipped rather than acted on.
	Errors []string `json:"errors,omitempty"`
}

// Clean reports whether the audit found nothing to act on.
func (r *AuditReport) Clean() bool {
	return len(r.BrokenConnections) == 0 && len(r.DanglingSecrets) == 0
}
