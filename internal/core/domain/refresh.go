package domain

import "time"

// IssuedToken is what a provider's token endpoint returned.
type IssuedToken struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresIn    int64  // seconds
}

// Material converts the issued token into credential material.
func (t *IssuedToken) Material() CredentialMaterial {
	return CredentialMaterial{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
	}
}

// PendingRefresh is a token set obtained from a provider but not yet applied
// to its connection. It is kept sealed until UpdateConnection succeeds so a
// retry after a crash applies the same tokens instead of refreshing again.
// Generation is the connection generation the tokens were refreshed from;
// once the connection moves past it the entry is stale and never applied.
type PendingRefresh struct {
	ConnectionID string      `json:"connection_id"`
	Fingerprint  string      `json:"fingerprint"`
	Generation   int64       `json:"generation"`
	Sealed       *SealedBlob `json:"sealed"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RefreshOutcome is the result of one refresh attempt.
type RefreshOutcome string

const (
	RefreshSucceeded RefreshOutcome = "succeeded"
	RefreshReplayed  RefreshOutcome = "replayed" // applied tokens from the ledger
	RefreshSkipped   RefreshOutcome = "skipped"  // another worker holds the lock
	RefreshRejected  RefreshOutcome = "rejected"
	RefreshFailed    RefreshOutcome = "failed"
)
