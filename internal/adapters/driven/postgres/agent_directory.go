package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Ensure AgentDirectory implements the interface.
var _ driven.AgentDirectory = (*AgentDirectory)(nil)

// AgentDirectory implements driven.AgentDirectory using PostgreSQL.
type AgentDirectory struct {
	db *sql.DB
}

// NewAgentDirectory creates a new PostgreSQL-backed agent directory.
func NewAgentDirectory(db *sql.DB) *AgentDirectory {
	return &AgentDirectory{db: db}
}

// OwnerOf returns the owning user's ID.
func (s *AgentDirectory) OwnerOf(ctx context.Context, agentID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM agents WHERE id = $1`, agentID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get agent owner: %w", err)
	}
	return ownerID, nil
}

// Save registers or renames an agent. Ownership never changes on conflict.
func (s *AgentDirectory) Save(ctx context.Context, agent *domain.Agent) error {
	query := `
		INSERT INTO agents (id, owner_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = NOW()
		WHERE agents.owner_id = EXCLUDED.owner_id
	`

	result, err := s.db.ExecContext(ctx, query, agent.ID, agent.OwnerID, agent.Name)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: agent %s belongs to another user", domain.ErrUnauthorized, agent.ID)
	}
	return nil
}

// ListByOwner returns a user's agents ordered by name.
func (s *AgentDirectory) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name FROM agents WHERE owner_id = $1 ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}
