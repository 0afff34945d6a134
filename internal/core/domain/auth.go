package domain

// Role defines the caller's permission level
type Role string

const (
	RoleAdmin    Role = "admin"    // Register providers, run audits
	RoleUser     Role = "user"     // Manage own connections and grants
	RoleExecutor Role = "executor" // Tool-execution layer: authorize and read credentials
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleExecutor:
		return true
	}
	return false
}

// AuthContext contains authenticated caller info for request context
type AuthContext struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsAdmin checks if the caller is an admin
func (a *AuthContext) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsExecutor checks if the caller is the trusted execution layer
func (a *AuthContext) IsExecutor() bool {
	return a.Role == RoleExecutor
}

// TokenClaims represents the JWT token payload
type TokenClaims struct {
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Agent is an autonomous actor owned by a user.
type Agent struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}
