package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/metrics"
)

// Ensure auditor implements ConsistencyAuditor
var _ driving.ConsistencyAuditor = (*auditor)(nil)

// AuditorConfig holds configuration for the consistency auditor.
type AuditorConfig struct {
	Manager     driving.ConnectionManager
	Connections driven.ConnectionStore
	Providers   driven.ProviderStore
	Secrets     driven.SecretRepository
	Vault       driving.SecretVault
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time

	// PurgeDangling deletes dangling secrets older than DanglingGracePeriod.
	PurgeDangling       bool
	DanglingGracePeriod time.Duration // default: 24h
}

type auditor struct {
	manager     driving.ConnectionManager
	connections driven.ConnectionStore
	providers   driven.ProviderStore
	secrets     driven.SecretRepository
	vault       driving.SecretVault
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	purge       bool
	grace       time.Duration

	mu   sync.RWMutex
	last *domain.AuditReport
}

// NewAuditor creates a new consistency auditor.
func NewAuditor(cfg AuditorConfig) driving.ConsistencyAuditor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	grace := cfg.DanglingGracePeriod
	if grace == 0 {
		grace = 24 * time.Hour
	}
	return &auditor{
		manager:     cfg.Manager,
		connections: cfg.Connections,
		providers:   cfg.Providers,
		secrets:     cfg.Secrets,
		vault:       cfg.Vault,
		logger:      logger.With("component", "auditor"),
		metrics:     cfg.Metrics,
		now:         now,
		purge:       cfg.PurgeDangling,
		grace:       grace,
	}
}

// Run checks every active connection's secrets and looks for secrets nothing
// references. Transient storage errors are recorded in the report and never
// acted on.
func (a *auditor) Run(ctx context.Context) (*domain.AuditReport, error) {
	report := &domain.AuditReport{
		StartedAt:         a.now(),
		BrokenConnections: []domain.BrokenConnection{},
		DanglingSecrets:   []domain.DanglingSecret{},
	}

	connections, err := a.connections.List(ctx)
	if err != nil {
		return nil, domain.StorageError("list connections", err)
	}
	providers, err := a.providers.List(ctx, false)
	if err != nil {
		return nil, domain.StorageError("list providers", err)
	}

	trusted := domain.WithTrustedExecution(ctx, "auditor")
	referenced := make(map[string]struct{})
	for _, conn := range connections {
		for _, ref := range conn.SecretRefs() {
			if ref.Kind == domain.SecretKindHandle {
				referenced[ref.Value] = struct{}{}
			}
		}
		if !conn.IsActive() {
			continue
		}
		report.ConnectionsChecked++
		a.checkConnection(trusted, conn, report)
	}
	for _, p := range providers {
		if p.ClientSecret != nil && p.ClientSecret.Kind == domain.SecretKindHandle {
			referenced[p.ClientSecret.Value] = struct{}{}
		}
	}

	a.findDangling(ctx, referenced, report)

	report.FinishedAt = a.now()
	a.metrics.Audit(len(report.BrokenConnections), len(report.DanglingSecrets), report.FinishedAt.Sub(report.StartedAt), report.FinishedAt)
	a.mu.Lock()
	a.last = report
	a.mu.Unlock()

	a.logger.Info("audit complete",
		"connections_checked", report.ConnectionsChecked,
		"secrets_checked", report.SecretsChecked,
		"broken", len(report.BrokenConnections),
		"dangling", len(report.DanglingSecrets),
		"errors", len(report.Errors),
	)
	return report, nil
}

func (a *auditor) checkConnection(ctx context.Context, conn *domain.Connection, report *domain.AuditReport) {
	var reason string
	switch {
	case conn.AccessSecret == nil:
		reason = "access secret missing"
	default:
		reason = a.inspectSecret(ctx, conn, *conn.AccessSecret, "access", report)
		if reason == "" && conn.RefreshSecret != nil {
			reason = a.inspectSecret(ctx, conn, *conn.RefreshSecret, "refresh", report)
		}
	}
	if reason == "" {
		return
	}

	broken := domain.BrokenConnection{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		ProviderName: conn.ProviderName,
		Reason:       reason,
	}
	err := a.manager.MarkStatus(ctx, conn.ID, domain.ConnectionError, reason)
	switch {
	case err == nil:
		broken.Transitioned = true
	default:
		report.Errors = append(report.Errors, fmt.Sprintf("mark connection %s errored: %v", conn.ID, err))
	}
	report.BrokenConnections = append(report.BrokenConnections, broken)
	a.logger.Warn("broken connection", "connection_id", conn.ID, "provider", conn.ProviderName, "reason", reason, "transitioned", broken.Transitioned)
}

// inspectSecret returns a reason when the secret is definitely gone or unreadable,
// and "" when it resolved or the answer was unavailable.
func (a *auditor) inspectSecret(ctx context.Context, conn *domain.Connection, ref domain.SecretRef, kind string, report *domain.AuditReport) string {
	report.SecretsChecked++
	_, err := a.vault.Get(ctx, ref)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotFound):
		return kind + " secret missing"
	case errors.Is(err, domain.ErrSecretUnreadable):
		return kind + " secret unreadable"
	case errors.Is(err, domain.ErrUnresolvedRef):
		// The legacy import decides these.
		report.Errors = append(report.Errors, fmt.Sprintf("%s secret of connection %s awaits legacy import", kind, conn.ID))
		return ""
	default:
		report.Errors = append(report.Errors, fmt.Sprintf("check %s secret of connection %s: %v", kind, conn.ID, err))
		return ""
	}
}

func (a *auditor) findDangling(ctx context.Context, referenced map[string]struct{}, report *domain.AuditReport) {
	records, err := a.secrets.List(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list secrets: %v", err))
		return
	}

	now := a.now()
	for _, rec := range records {
		if _, ok := referenced[rec.Handle]; ok {
			continue
		}
		d := domain.DanglingSecret{
			Handle:    rec.Handle,
			OwnerKind: rec.OwnerKind,
			OwnerID:   rec.OwnerID,
			CreatedAt: rec.CreatedAt,
		}
		// Secrets written moments ago may belong to a create or update still in flight.
		if a.purge && now.Sub(rec.CreatedAt) >= a.grace {
			if err := a.vault.Delete(ctx, rec.Ref()); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("purge secret %s: %v", rec.Handle, err))
			} else {
				d.Purged = true
			}
		}
		report.DanglingSecrets = append(report.DanglingSecrets, d)
	}
}

// LastReport returns the most recent report.
func (a *auditor) LastReport() *domain.AuditReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}
