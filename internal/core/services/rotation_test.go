package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

func TestRefreshConnection(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(58 * time.Minute)

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSucceeded, outcome)
	assert.Equal(t, 1, f.tokens.RefreshCalls())

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1-rt-1", f.plaintext(t, stored.AccessSecret))
	assert.Equal(t, f.clock.Now().Add(time.Hour), *stored.ExpiresAt)
	assert.NotEmpty(t, stored.LastRefreshFingerprint)
	assert.False(t, f.secrets.Has(conn.AccessSecret.Value), "old access secret deleted")

	assert.Equal(t, 0, f.ledger.Len(), "applied refreshes leave nothing pending")
	assert.False(t, f.lock.IsHeld(driven.RefreshLockName(conn.ID)))
}

// A crash between the token call and the swap must not spend the refresh
// token a second time.
func TestRefreshConnection_ReplaysPendingTokensAfterFailedSwap(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(58 * time.Minute)
	refreshedAt := f.clock.Now()

	f.connections.UpdateFn = func(*domain.Connection, int64) error {
		return errors.New("connection reset by peer")
	}
	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.Error(t, err)
	assert.Equal(t, domain.RefreshFailed, outcome)
	assert.Equal(t, 1, f.ledger.Len())

	f.connections.UpdateFn = nil
	f.clock.Advance(10 * time.Minute)

	outcome, err = f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshReplayed, outcome)
	assert.Equal(t, 1, f.tokens.RefreshCalls(), "the provider is called once")
	assert.Equal(t, 0, f.ledger.Len())

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1-rt-1", f.plaintext(t, stored.AccessSecret))
	assert.Equal(t, refreshedAt.Add(time.Hour), *stored.ExpiresAt, "expiry counts from the original token call")
}

func TestRefreshConnection_AppliedButLedgerNotCleared(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(58 * time.Minute)

	f.ledger.DeleteFn = func(string, string) error { return errors.New("timeout") }
	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSucceeded, outcome)
	assert.Equal(t, 1, f.ledger.Len())

	f.ledger.DeleteFn = nil
	before, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)

	outcome, err = f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshReplayed, outcome)
	assert.Equal(t, 1, f.tokens.RefreshCalls())
	assert.Equal(t, 0, f.ledger.Len())

	after, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Generation, after.Generation, "an applied entry is not applied twice")
}

func TestRefreshConnection_DiscardsUnreadablePending(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")

	require.NoError(t, f.ledger.Save(context.Background(), &domain.PendingRefresh{
		ConnectionID: conn.ID,
		Fingerprint:  "stale",
		Generation:   conn.Generation,
		Sealed:       &domain.SealedBlob{KeyID: "test-key", Ciphertext: []byte("junk")},
		CreatedAt:    f.clock.Now(),
	}, time.Hour))

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSucceeded, outcome)
	assert.Equal(t, 1, f.tokens.RefreshCalls())
	assert.Equal(t, 0, f.ledger.Len())
}

// Tokens left in the ledger by a failed swap must never overwrite material
// the user supplied afterwards.
func TestRefreshConnection_PendingTokensYieldToUserUpdate(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(58 * time.Minute)

	f.connections.UpdateFn = func(*domain.Connection, int64) error {
		return errors.New("connection reset by peer")
	}
	_, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.Error(t, err)
	require.Equal(t, 1, f.ledger.Len())
	f.connections.UpdateFn = nil

	_, err = f.manager.UpdateConnection(context.Background(), conn.ID, driving.UpdateConnectionRequest{
		Material: domain.CredentialMaterial{AccessToken: "user-at-3", RefreshToken: "user-rt-3", ExpiresIn: 3600},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.ledger.Len(), "user material discards unapplied tokens")

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSucceeded, outcome)
	assert.Equal(t, 2, f.tokens.RefreshCalls())

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2-user-rt-3", f.plaintext(t, stored.AccessSecret))
	assert.Equal(t, "user-rt-3", f.plaintext(t, stored.RefreshSecret))
}

func TestRefreshConnection_DiscardsPendingFromOlderGeneration(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(58 * time.Minute)

	f.connections.UpdateFn = func(*domain.Connection, int64) error {
		return errors.New("connection reset by peer")
	}
	_, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.Error(t, err)
	f.connections.UpdateFn = nil

	// The ledger is unreachable while the user reconnects, so the stale
	// entry survives the update.
	f.ledger.DeleteFn = func(string, string) error { return errors.New("timeout") }
	_, err = f.manager.UpdateConnection(context.Background(), conn.ID, driving.UpdateConnectionRequest{
		Material: domain.CredentialMaterial{AccessToken: "user-at-3", RefreshToken: "user-rt-3", ExpiresIn: 3600},
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.ledger.Len())
	f.ledger.DeleteFn = nil

	var used []string
	f.tokens.RefreshFn = func(_ *domain.Provider, _, refreshToken string) (*domain.IssuedToken, error) {
		used = append(used, refreshToken)
		return &domain.IssuedToken{AccessToken: "fresh-at", RefreshToken: "fresh-rt", ExpiresIn: 3600}, nil
	}
	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSucceeded, outcome)
	assert.Equal(t, []string{"user-rt-3"}, used, "refreshes from the user's token, not the stale entry")
	assert.Equal(t, 0, f.ledger.Len())

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-at", f.plaintext(t, stored.AccessSecret))
}

func TestRefreshConnection_UserUpdateDuringTokenCallWins(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")

	f.tokens.RefreshFn = func(_ *domain.Provider, _, refreshToken string) (*domain.IssuedToken, error) {
		_, err := f.manager.UpdateConnection(context.Background(), conn.ID, driving.UpdateConnectionRequest{
			Material: domain.CredentialMaterial{AccessToken: "user-at-3", RefreshToken: "user-rt-3", ExpiresIn: 3600},
		})
		require.NoError(t, err)
		return &domain.IssuedToken{AccessToken: "access-from-" + refreshToken, ExpiresIn: 3600}, nil
	}

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSkipped, outcome)
	assert.Equal(t, 0, f.ledger.Len())

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-at-3", f.plaintext(t, stored.AccessSecret))
	assert.Equal(t, "user-rt-3", f.plaintext(t, stored.RefreshSecret))
}

// A crash after the swap but before the old secrets are deleted leaves the
// connection resolving to the new token and the old secrets for the auditor.
func TestRefreshConnection_FailedDeleteLeavesNewSecretResolvable(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(58 * time.Minute)

	f.secrets.DeleteFn = func(string) error { return errors.New("process killed") }
	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSucceeded, outcome)
	f.secrets.DeleteFn = nil

	assert.True(t, f.secrets.Has(conn.AccessSecret.Value), "old access secret outlives the failed delete")
	cred, err := f.manager.ResolveCredential(f.trusted(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1-rt-1", cred.AccessToken)

	report, err := f.auditor.Run(context.Background())
	require.NoError(t, err)
	var dangling []string
	for _, d := range report.DanglingSecrets {
		dangling = append(dangling, d.Handle)
	}
	assert.ElementsMatch(t, []string{conn.AccessSecret.Value, conn.RefreshSecret.Value}, dangling)
	assert.Empty(t, report.BrokenConnections)
}

func TestRefreshConnection_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		want    domain.ConnectionStatus
	}{
		{"before expiry", 58 * time.Minute, domain.ConnectionError},
		{"after expiry", 2 * time.Hour, domain.ConnectionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.registerAcme(t)
			conn := f.createAcme(t, "u1")
			f.clock.Advance(tt.advance)

			f.tokens.RefreshFn = func(*domain.Provider, string, string) (*domain.IssuedToken, error) {
				return nil, fmt.Errorf("%w: invalid_grant", domain.ErrRefreshRejected)
			}

			outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
			assert.ErrorIs(t, err, domain.ErrRefreshRejected)
			assert.Equal(t, domain.RefreshRejected, outcome)

			stored, err := f.connections.Get(context.Background(), conn.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
			assert.Equal(t, 0, f.ledger.Len())
		})
	}
}

func TestRefreshConnection_TransientFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")

	f.tokens.RefreshFn = func(*domain.Provider, string, string) (*domain.IssuedToken, error) {
		return nil, errors.New("503 service unavailable")
	}
	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.Error(t, err)
	assert.Equal(t, domain.RefreshFailed, outcome)

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, stored.Status)
}

func TestRefreshConnection_MissingRefreshSecret(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	require.NoError(t, f.secrets.Delete(context.Background(), conn.RefreshSecret.Value))

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.RefreshFailed, outcome)
	assert.Equal(t, 0, f.tokens.RefreshCalls())

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionError, stored.Status)
}

func TestRefreshConnection_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.lock.SetLockHeld(driven.RefreshLockName(conn.ID), time.Minute)

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSkipped, outcome)
	assert.Equal(t, 0, f.tokens.RefreshCalls())
}

func TestRefreshConnection_RevokedIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	require.NoError(t, f.manager.RevokeConnection(context.Background(), conn.ID))

	outcome, err := f.rotation.RefreshConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshSkipped, outcome)
	assert.Equal(t, 0, f.tokens.RefreshCalls())
}

func TestRefreshConnection_ConcurrentCallersShareOneAttempt(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.tokens.RefreshFn = func(_ *domain.Provider, _ string, rt string) (*domain.IssuedToken, error) {
		once.Do(func() { close(started) })
		<-release
		return &domain.IssuedToken{AccessToken: "at-shared", RefreshToken: rt, ExpiresIn: 3600}, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	outcomes := make([]domain.RefreshOutcome, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[0], _ = f.rotation.RefreshConnection(context.Background(), conn.ID)
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = f.rotation.RefreshConnection(context.Background(), conn.ID)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.tokens.RefreshCalls())
	assert.Equal(t, 1, f.lock.Acquires(driven.RefreshLockName(conn.ID)))
	for i, o := range outcomes {
		assert.Equal(t, domain.RefreshSucceeded, o, "caller %d", i)
	}
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	f.registerWeather(t)
	ctx := context.Background()

	var ids []string
	for _, user := range []string{"u1", "u2", "u3"} {
		ids = append(ids, f.createAcme(t, user).ID)
	}
	noRefresh, err := f.manager.CreateConnection(ctx, driving.CreateConnectionRequest{
		UserID: "u1", ProviderName: "acme", Name: "no-refresh",
		Material: domain.CredentialMaterial{AccessToken: "at-nr", ExpiresIn: 3600},
	})
	require.NoError(t, err)
	_, err = f.manager.CreateConnection(ctx, driving.CreateConnectionRequest{
		UserID: "u1", ProviderName: "weather", Material: domain.CredentialMaterial{AccessToken: "wk_123"},
	})
	require.NoError(t, err)

	report, err := f.rotation.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due, "nothing is inside the window yet")

	f.clock.Advance(57 * time.Minute)
	report, err = f.rotation.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 3, report.Outcomes[domain.RefreshSucceeded])
	assert.Equal(t, 3, f.tokens.RefreshCalls())
	for _, id := range ids {
		stored, err := f.connections.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.ExpiresAt.After(f.clock.Now().Add(55*time.Minute)))
	}

	f.clock.Advance(10 * time.Minute)
	_, err = f.rotation.RunOnce(ctx)
	require.NoError(t, err)
	stored, err := f.connections.Get(ctx, noRefresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionExpired, stored.Status)
}

func TestRunOnce_RefreshesExpiredConnections(t *testing.T) {
	f := newFixture(t)
	f.registerAcme(t)
	conn := f.createAcme(t, "u1")
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.manager.MarkStatus(context.Background(), conn.ID, domain.ConnectionExpired, "access token expired"))

	report, err := f.rotation.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[domain.RefreshSucceeded])

	stored, err := f.connections.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, stored.Status)
}
