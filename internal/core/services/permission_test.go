package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

func grantFixture(t *testing.T, scopes ...string) (*fixture, *domain.Connection) {
	t.Helper()
	f := newFixture(t)
	f.registerAcme(t)
	f.agents.Add("agent-1", "u1")
	f.agents.Add("agent-2", "u2")
	return f, f.createAcme(t, "u1", scopes...)
}

func TestGrant(t *testing.T) {
	f, conn := grantFixture(t)

	grant, err := f.engine.Grant(context.Background(), driving.GrantRequest{
		AgentID:        "agent-1",
		ConnectionID:   conn.ID,
		Capabilities:   []string{"send_message"},
		GrantingUserID: "u1",
	})
	require.NoError(t, err)
	assert.True(t, grant.Active)
	assert.Equal(t, domain.CapabilitySet{"send_message"}, grant.Capabilities)
	assert.Nil(t, grant.ExpiresAt)

	history, err := f.engine.GrantHistory(context.Background(), grant.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.GrantEventGranted, history[0].Type)
	assert.Equal(t, "u1", history[0].ActorID)
}

func TestGrant_RegrantReplacesCapabilities(t *testing.T) {
	f, conn := grantFixture(t)
	ctx := context.Background()

	first, err := f.engine.Grant(ctx, driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1",
	})
	require.NoError(t, err)
	second, err := f.engine.Grant(ctx, driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.CapabilitySet{"list_messages"}, second.Capabilities)
	assert.Equal(t, 1, f.grants.Count())

	ok, err := f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.False(t, ok, "the old capability set is replaced, not merged")
}

func TestGrant_Rejections(t *testing.T) {
	f, conn := grantFixture(t, "read")

	otherConn, err := f.manager.CreateConnection(context.Background(), driving.CreateConnectionRequest{
		UserID: "u2", ProviderName: "acme", Material: domain.CredentialMaterial{AccessToken: "at-u2"},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  driving.GrantRequest
		want error
	}{
		{"missing agent", driving.GrantRequest{ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1"}, domain.ErrInvalidInput},
		{"no capabilities", driving.GrantRequest{AgentID: "agent-1", ConnectionID: conn.ID, GrantingUserID: "u1"}, domain.ErrInvalidInput},
		{"negative ttl", driving.GrantRequest{AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1", TTL: -time.Second}, domain.ErrInvalidInput},
		{"unknown agent", driving.GrantRequest{AgentID: "agent-x", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1"}, domain.ErrUnauthorized},
		{"agent of another user", driving.GrantRequest{AgentID: "agent-2", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1"}, domain.ErrUnauthorized},
		{"connection of another user", driving.GrantRequest{AgentID: "agent-1", ConnectionID: otherConn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1"}, domain.ErrUnauthorized},
		{"unknown connection", driving.GrantRequest{AgentID: "agent-1", ConnectionID: "missing", Capabilities: []string{"list_messages"}, GrantingUserID: "u1"}, domain.ErrUnauthorized},
		{"unknown capability", driving.GrantRequest{AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"delete_everything"}, GrantingUserID: "u1"}, domain.ErrUnknownCapability},
		{"scope exceeded", driving.GrantRequest{AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1"}, domain.ErrScopeExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Grant(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, f.grants.Count())
}

func TestGrant_InactiveConnection(t *testing.T) {
	f, conn := grantFixture(t)
	require.NoError(t, f.manager.MarkStatus(context.Background(), conn.ID, domain.ConnectionError, "broken"))

	_, err := f.engine.Grant(context.Background(), driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAuthorize(t *testing.T) {
	f, conn := grantFixture(t)
	ctx := context.Background()

	_, err := f.engine.Grant(ctx, driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1", TTL: time.Hour,
	})
	require.NoError(t, err)

	tests := []struct {
		name         string
		agentID      string
		connectionID string
		required     domain.CapabilitySet
		want         bool
	}{
		{"granted", "agent-1", conn.ID, domain.CapabilitySet{"send_message"}, true},
		{"not granted", "agent-1", conn.ID, domain.CapabilitySet{"list_messages"}, false},
		{"partially granted", "agent-1", conn.ID, domain.CapabilitySet{"send_message", "list_messages"}, false},
		{"empty request", "agent-1", conn.ID, nil, false},
		{"other agent", "agent-2", conn.ID, domain.CapabilitySet{"send_message"}, false},
		{"unknown connection", "agent-1", "missing", domain.CapabilitySet{"send_message"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.engine.Authorize(ctx, tt.agentID, tt.connectionID, tt.required)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	f.clock.Advance(61 * time.Minute)
	// The connection token expired too; refresh it so only the grant TTL matters.
	_, err = f.manager.UpdateConnection(ctx, conn.ID, driving.UpdateConnectionRequest{
		Material: domain.CredentialMaterial{AccessToken: "at-2", ExpiresIn: 3600},
	})
	require.NoError(t, err)

	ok, err := f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.False(t, ok, "expired grants deny")
}

func TestAuthorize_FollowsConnectionState(t *testing.T) {
	f, conn := grantFixture(t)
	ctx := context.Background()

	_, err := f.engine.Grant(ctx, driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1",
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	ok, err := f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.False(t, ok, "expired tokens deny")

	_, err = f.manager.UpdateConnection(ctx, conn.ID, driving.UpdateConnectionRequest{
		Material: domain.CredentialMaterial{AccessToken: "at-2", ExpiresIn: 3600},
	})
	require.NoError(t, err)
	ok, err = f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.manager.RevokeConnection(ctx, conn.ID))
	ok, err = f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.False(t, ok, "revoked connections deny")
}

// Narrowing a connection's scopes after a grant must take effect immediately.
func TestAuthorize_ChecksScopesAtDecisionTime(t *testing.T) {
	f, conn := grantFixture(t)
	ctx := context.Background()

	_, err := f.engine.Grant(ctx, driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1",
	})
	require.NoError(t, err)

	_, err = f.manager.UpdateConnection(ctx, conn.ID, driving.UpdateConnectionRequest{
		Material: domain.CredentialMaterial{AccessToken: "at-2", ExpiresIn: 3600},
		Scopes:   []string{"read"},
	})
	require.NoError(t, err)

	ok, err := f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthorize_StorageFailureIsAnError(t *testing.T) {
	f, conn := grantFixture(t)
	f.grants.GetByPairFn = func(string, string) error { return errors.New("connection reset") }

	ok, err := f.engine.Authorize(context.Background(), "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrStorageFailure)
}

func TestRevokeGrant(t *testing.T) {
	f, conn := grantFixture(t)
	ctx := context.Background()

	grant, err := f.engine.Grant(ctx, driving.GrantRequest{
		AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}, GrantingUserID: "u1",
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Revoke(ctx, grant.ID, "u2"), domain.ErrUnauthorized)

	require.NoError(t, f.engine.Revoke(ctx, grant.ID, "u1"))
	require.NoError(t, f.engine.Revoke(ctx, grant.ID, "u1"), "revoking twice succeeds")

	stored, err := f.engine.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.NotNil(t, stored.RevokedAt)

	ok, err := f.engine.Authorize(ctx, "agent-1", conn.ID, domain.CapabilitySet{"send_message"})
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := f.engine.GrantHistory(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, history, 2, "a repeated revoke records nothing")
	assert.Equal(t, domain.GrantEventRevoked, history[1].Type)

	assert.ErrorIs(t, f.engine.Revoke(ctx, "missing", "u1"), domain.ErrNotFound)
}

func TestListGrants(t *testing.T) {
	f, conn := grantFixture(t)
	ctx := context.Background()
	f.agents.Add("agent-3", "u1")

	for _, agent := range []string{"agent-1", "agent-3"} {
		_, err := f.engine.Grant(ctx, driving.GrantRequest{
			AgentID: agent, ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, GrantingUserID: "u1",
		})
		require.NoError(t, err)
	}

	grants, err := f.engine.ListGrants(ctx, conn.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}
