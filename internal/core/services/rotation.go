package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/metrics"
)

// Ensure rotationManager implements RotationManager
var _ driving.RotationManager = (*rotationManager)(nil)

// RotationManagerConfig holds configuration for the rotation manager.
type RotationManagerConfig struct {
	Manager     driving.ConnectionManager
	Connections driven.ConnectionStore
	Providers   driven.ProviderStore
	Vault       driving.SecretVault
	Sealer      driven.Sealer
	Ledger      driven.RefreshLedger
	Tokens      driven.TokenEndpoint
	Lock        driven.DistributedLock // Optional: serializes refreshes across instances
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time

	RefreshWindow  time.Duration // Refresh connections expiring within this window (default: 5m)
	RefreshTimeout time.Duration // Bound on one refresh attempt (default: 30s)
	LockTTL        time.Duration // TTL of the per-connection refresh lock (default: 2m)
	LedgerTTL      time.Duration // How long unapplied tokens are kept (default: 24h)
	Concurrency    int           // Parallel refreshes per cycle (default: 4)
}

type rotationManager struct {
	manager     driving.ConnectionManager
	connections driven.ConnectionStore
	providers   driven.ProviderStore
	vault       driving.SecretVault
	sealer      driven.Sealer
	ledger      driven.RefreshLedger
	tokens      driven.TokenEndpoint
	lock        driven.DistributedLock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	window      time.Duration
	timeout     time.Duration
	lockTTL     time.Duration
	ledgerTTL   time.Duration
	concurrency int

	inflight singleflight.Group
}

// NewRotationManager creates a new rotation manager.
func NewRotationManager(cfg RotationManagerConfig) driving.RotationManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &rotationManager{
		manager:     cfg.Manager,
		connections: cfg.Connections,
		providers:   cfg.Providers,
		vault:       cfg.Vault,
		sealer:      cfg.Sealer,
		ledger:      cfg.Ledger,
		tokens:      cfg.Tokens,
		lock:        cfg.Lock,
		logger:      logger.With("component", "rotation"),
		metrics:     cfg.Metrics,
		now:         now,
		window:      cfg.RefreshWindow,
		timeout:     cfg.RefreshTimeout,
		lockTTL:     cfg.LockTTL,
		ledgerTTL:   cfg.LedgerTTL,
		concurrency: cfg.Concurrency,
	}
	if s.window == 0 {
		s.window = 5 * time.Minute
	}
	if s.timeout == 0 {
		s.timeout = 30 * time.Second
	}
	if s.lockTTL == 0 {
		s.lockTTL = 2 * time.Minute
	}
	if s.ledgerTTL == 0 {
		s.ledgerTTL = 24 * time.Hour
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	return s
}

// RunOnce refreshes every connection inside the refresh window and expires
// connections that are past expiry with nothing to refresh them with.
func (s *rotationManager) RunOnce(ctx context.Context) (*driving.RotationReport, error) {
	now := s.now()
	due, err := s.connections.ListDueForRefresh(ctx, now.Add(s.window))
	if err != nil {
		return nil, domain.StorageError("list connections due for refresh", err)
	}

	report := &driving.RotationReport{Due: len(due), Outcomes: make(map[domain.RefreshOutcome]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, conn := range due {
		g.Go(func() error {
			outcome, err := s.RefreshConnection(gctx, conn.ID)
			if err != nil {
				s.logger.Warn("refresh failed", "connection_id", conn.ID, "provider", conn.ProviderName, "outcome", outcome, "error", err)
			}
			mu.Lock()
			report.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.expireUnrefreshable(ctx, now)

	if len(due) > 0 {
		s.logger.Info("rotation cycle complete", "due", report.Due, "outcomes", report.Outcomes)
	}
	return report, nil
}

// expireUnrefreshable marks active connections past expiry without a refresh
// secret as expired.
func (s *rotationManager) expireUnrefreshable(ctx context.Context, now time.Time) {
	active, err := s.connections.ListByStatus(ctx, domain.ConnectionActive)
	if err != nil {
		s.logger.Warn("failed to list active connections", "error", err)
		return
	}
	for _, conn := range active {
		if conn.RefreshSecret != nil || !conn.IsExpiredAt(now) {
			continue
		}
		if err := s.manager.MarkStatus(ctx, conn.ID, domain.ConnectionExpired, "access token expired"); err != nil {
			s.logger.Warn("failed to expire connection", "connection_id", conn.ID, "error", err)
		}
	}
}

// RefreshConnection refreshes one connection. Concurrent calls for the same
// connection in this process share one attempt.
func (s *rotationManager) RefreshConnection(ctx context.Context, id string) (domain.RefreshOutcome, error) {
	v, err, _ := s.inflight.Do(id, func() (any, error) {
		return s.refresh(ctx, id)
	})
	outcome, _ := v.(domain.RefreshOutcome)
	if outcome == "" {
		outcome = domain.RefreshFailed
	}
	return outcome, err
}

func (s *rotationManager) refresh(ctx context.Context, id string) (domain.RefreshOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := s.now()

	if s.lock != nil {
		name := driven.RefreshLockName(id)
		acquired, err := s.lock.Acquire(ctx, name, s.lockTTL)
		if err != nil {
			return domain.RefreshFailed, fmt.Errorf("acquire refresh lock: %w", err)
		}
		if !acquired {
			s.logger.Debug("refresh skipped, lock held by another instance", "connection_id", id)
			return domain.RefreshSkipped, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), name); err != nil {
				s.logger.Warn("failed to release refresh lock", "connection_id", id, "error", err)
			}
		}()
	}

	conn, err := s.manager.GetConnection(ctx, id)
	if err != nil {
		return domain.RefreshFailed, err
	}
	if !conn.IsLive() {
		return domain.RefreshSkipped, nil
	}
	provider, err := s.providers.Get(ctx, conn.ProviderName)
	if err != nil {
		return domain.RefreshFailed, fmt.Errorf("get provider %s: %w", conn.ProviderName, err)
	}

	outcome, err := s.refreshWith(ctx, conn, provider)
	s.metrics.Refresh(provider.Name, string(outcome), s.now().Sub(start))
	return outcome, err
}

func (s *rotationManager) refreshWith(ctx context.Context, conn *domain.Connection, provider *domain.Provider) (domain.RefreshOutcome, error) {
	pending, err := s.ledger.Get(ctx, conn.ID)
	if err != nil {
		return domain.RefreshFailed, fmt.Errorf("read refresh ledger: %w", err)
	}
	if pending != nil {
		switch {
		case conn.LastRefreshFingerprint == pending.Fingerprint:
			s.clearLedger(ctx, conn.ID, pending.Fingerprint)
			return domain.RefreshReplayed, nil
		case pending.Generation != conn.Generation:
			// The connection was written after these tokens were fetched,
			// e.g. the user reconnected. Its material is newer.
			s.logger.Info("discarding stale pending refresh",
				"connection_id", conn.ID, "pending_generation", pending.Generation, "generation", conn.Generation)
			s.clearLedger(ctx, conn.ID, pending.Fingerprint)
		default:
			material, err := s.openPending(ctx, pending)
			if err != nil {
				s.logger.Warn("discarding unreadable pending refresh", "connection_id", conn.ID, "error", err)
				s.clearLedger(ctx, conn.ID, pending.Fingerprint)
				break
			}
			s.logger.Info("applying pending refresh", "connection_id", conn.ID, "provider", provider.Name)
			return s.apply(ctx, conn, material, pending.Fingerprint, domain.RefreshReplayed)
		}
	}

	if !provider.CanRefresh() || conn.RefreshSecret == nil {
		if conn.IsExpiredAt(s.now()) {
			return domain.RefreshSkipped, s.manager.MarkStatus(ctx, conn.ID, domain.ConnectionExpired, "access token expired")
		}
		return domain.RefreshSkipped, nil
	}

	trusted := domain.WithTrustedExecution(ctx, internalActor)
	refreshToken, err := s.vault.Get(trusted, *conn.RefreshSecret)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrSecretUnreadable) {
			if merr := s.manager.MarkStatus(ctx, conn.ID, domain.ConnectionError, "refresh secret unreadable"); merr != nil {
				s.logger.Warn("failed to mark connection errored", "connection_id", conn.ID, "error", merr)
			}
		}
		return domain.RefreshFailed, fmt.Errorf("read refresh secret: %w", err)
	}
	clientSecret := ""
	if provider.ClientSecret != nil {
		if clientSecret, err = s.vault.Get(trusted, *provider.ClientSecret); err != nil {
			return domain.RefreshFailed, fmt.Errorf("read client secret: %w", err)
		}
	}

	issued, err := s.tokens.Refresh(ctx, provider, clientSecret, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshRejected) {
			status := domain.ConnectionError
			if conn.IsExpiredAt(s.now()) {
				status = domain.ConnectionExpired
			}
			if merr := s.manager.MarkStatus(ctx, conn.ID, status, "refresh rejected by provider"); merr != nil {
				s.logger.Warn("failed to record rejected refresh", "connection_id", conn.ID, "error", merr)
			}
			return domain.RefreshRejected, err
		}
		return domain.RefreshFailed, err
	}

	material := issued.Material()
	fingerprint := material.Fingerprint()
	if err := s.savePending(ctx, conn, material, fingerprint); err != nil {
		// The tokens are still applied below; only crash recovery is lost.
		s.logger.Warn("failed to record pending refresh", "connection_id", conn.ID, "error", err)
	}
	return s.apply(ctx, conn, material, fingerprint, domain.RefreshSucceeded)
}

// apply writes refreshed material over conn, provided nothing else wrote the
// connection since conn was read.
func (s *rotationManager) apply(ctx context.Context, conn *domain.Connection, material domain.CredentialMaterial, fingerprint string, outcome domain.RefreshOutcome) (domain.RefreshOutcome, error) {
	_, err := s.manager.UpdateConnection(ctx, conn.ID, driving.UpdateConnectionRequest{
		Material:           material,
		Fingerprint:        fingerprint,
		ExpectedGeneration: conn.Generation,
	})
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Info("connection changed during refresh, discarding issued tokens", "connection_id", conn.ID)
		s.clearLedger(ctx, conn.ID, fingerprint)
		return domain.RefreshSkipped, nil
	}
	if err != nil {
		return domain.RefreshFailed, fmt.Errorf("apply refreshed tokens: %w", err)
	}
	s.clearLedger(ctx, conn.ID, fingerprint)
	s.logger.Info("connection refreshed", "connection_id", conn.ID)
	return outcome, nil
}

func (s *rotationManager) clearLedger(ctx context.Context, id, fingerprint string) {
	if err := s.ledger.Delete(ctx, id, fingerprint); err != nil {
		s.logger.Warn("failed to clear refresh ledger", "connection_id", id, "error", err)
	}
}

// ledgerPayload is the sealed form of a pending token set.
type ledgerPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func ledgerAAD(id string, generation int64, fingerprint string) []byte {
	return []byte("refresh:" + id + ":" + strconv.FormatInt(generation, 10) + ":" + fingerprint)
}

func (s *rotationManager) savePending(ctx context.Context, conn *domain.Connection, m domain.CredentialMaterial, fingerprint string) error {
	payload, err := json.Marshal(ledgerPayload{AccessToken: m.AccessToken, RefreshToken: m.RefreshToken, ExpiresIn: m.ExpiresIn})
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(ctx, payload, ledgerAAD(conn.ID, conn.Generation, fingerprint))
	if err != nil {
		return err
	}
	return s.ledger.Save(ctx, &domain.PendingRefresh{
		ConnectionID: conn.ID,
		Fingerprint:  fingerprint,
		Generation:   conn.Generation,
		Sealed:       sealed,
		CreatedAt:    s.now(),
	}, s.ledgerTTL)
}

func (s *rotationManager) openPending(ctx context.Context, p *domain.PendingRefresh) (domain.CredentialMaterial, error) {
	raw, err := s.sealer.Open(ctx, p.Sealed, ledgerAAD(p.ConnectionID, p.Generation, p.Fingerprint))
	if err != nil {
		return domain.CredentialMaterial{}, err
	}
	var payload ledgerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.CredentialMaterial{}, fmt.Errorf("decode pending refresh: %w", err)
	}

	// The TTL was issued when the tokens were fetched, not now.
	expiresIn := payload.ExpiresIn
	if expiresIn > 0 {
		expiresIn -= int64(s.now().Sub(p.CreatedAt) / time.Second)
		if expiresIn < 1 {
			expiresIn = 1
		}
	}
	return domain.CredentialMaterial{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}
