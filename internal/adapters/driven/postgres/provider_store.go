package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Ensure ProviderStore implements the interface.
var _ driven.ProviderStore = (*ProviderStore)(nil)

// ProviderStore implements driven.ProviderStore using PostgreSQL.
// The client secret is stored as a vault ref, never as material.
type ProviderStore struct {
	db *sql.DB
}

// NewProviderStore creates a new PostgreSQL-backed provider store.
func NewProviderStore(db *sql.DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// Save stores or replaces a provider (upsert).
func (s *ProviderStore) Save(ctx context.Context, p *domain.Provider) error {
	capabilities, err := json.Marshal(capabilityMap(p.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO providers (
			name, display_name, auth_method, authorization_url, token_url,
			revocation_url, pkce_required, client_auth_style, client_id,
			client_secret_ref, scopes, capabilities, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			auth_method = EXCLUDED.auth_method,
			authorization_url = EXCLUDED.authorization_url,
			token_url = EXCLUDED.token_url,
			revocation_url = EXCLUDED.revocation_url,
			pkce_required = EXCLUDED.pkce_required,
			client_auth_style = EXCLUDED.client_auth_style,
			client_id = EXCLUDED.client_id,
			client_secret_ref = EXCLUDED.client_secret_ref,
			scopes = EXCLUDED.scopes,
			capabilities = EXCLUDED.capabilities,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx, query,
		p.Name,
		p.DisplayName,
		string(p.AuthMethod),
		nullString(p.AuthorizationURL),
		nullString(p.TokenURL),
		nullString(p.RevocationURL),
		p.PKCERequired,
		nullString(string(p.ClientAuthStyle)),
		nullString(p.ClientID),
		nullRef(p.ClientSecret),
		pq.Array([]string(p.Scopes)),
		capabilities,
		p.Enabled,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

const providerColumns = `
	name, display_name, auth_method, authorization_url, token_url,
	revocation_url, pkce_required, client_auth_style, client_id,
	client_secret_ref, scopes, capabilities, enabled, created_at, updated_at
`

// Get retrieves a provider by name.
func (s *ProviderStore) Get(ctx context.Context, name string) (*domain.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE name = $1`, name)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// List returns providers ordered by name.
func (s *ProviderStore) List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var providers []*domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return providers, nil
}

func scanProvider(row rowScanner) (*domain.Provider, error) {
	var p domain.Provider
	var authMethod string
	var authURL, tokenURL, revocationURL, authStyle, clientID, clientSecret sql.NullString
	var scopes []string
	var capabilities []byte

	if err := row.Scan(
		&p.Name,
		&p.DisplayName,
		&authMethod,
		&authURL,
		&tokenURL,
		&revocationURL,
		&p.PKCERequired,
		&authStyle,
		&clientID,
		&clientSecret,
		pq.Array(&scopes),
		&capabilities,
		&p.Enabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.AuthMethod = domain.AuthMethod(authMethod)
	p.AuthorizationURL = authURL.String
	p.TokenURL = tokenURL.String
	p.RevocationURL = revocationURL.String
	p.ClientAuthStyle = domain.ClientAuthStyle(authStyle.String)
	p.ClientID = clientID.String
	p.ClientSecret = refPtr(clientSecret)
	p.Scopes = domain.ScopeSet(scopes)

	var capMap map[string][]string
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &capMap); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	if len(capMap) > 0 {
		p.Capabilities = make(map[string]domain.ScopeSet, len(capMap))
		for name, required := range capMap {
			p.Capabilities[name] = domain.ScopeSet(required)
		}
	}
	return &p, nil
}

func capabilityMap(in map[string]domain.ScopeSet) map[string][]string {
	out := make(map[string][]string, len(in))
	for name, scopes := range in {
		out[name] = []string(scopes)
	}
	return out
}
