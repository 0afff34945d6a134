package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// Ensure importer implements LegacyImporter
var _ driving.LegacyImporter = (*importer)(nil)

// ImporterConfig holds configuration for the legacy importer.
type ImporterConfig struct {
	Manager     driving.ConnectionManager
	Connections driven.ConnectionStore
	Vault       driving.SecretVault
	Logger      *slog.Logger
	Now         func() time.Time
}

type importer struct {
	manager     driving.ConnectionManager
	connections driven.ConnectionStore
	vault       driving.SecretVault
	logger      *slog.Logger
	now         func() time.Time
}

// NewImporter creates the legacy reference importer.
func NewImporter(cfg ImporterConfig) driving.LegacyImporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &importer{
		manager:     cfg.Manager,
		connections: cfg.Connections,
		vault:       cfg.Vault,
		logger:      logger.With("component", "legacy_import"),
		now:         now,
	}
}

// Run converts every legacy secret ref into a vault handle. Connections whose
// legacy refs cannot be resolved are moved to error.
func (im *importer) Run(ctx context.Context) (*driving.ImportReport, error) {
	connections, err := im.connections.List(ctx)
	if err != nil {
		return nil, domain.StorageError("list connections", err)
	}

	report := &driving.ImportReport{}
	trusted := domain.WithTrustedExecution(ctx, "legacy-import")
	for _, conn := range connections {
		if !conn.IsLive() || !hasLegacyRef(conn) {
			continue
		}
		report.Scanned++
		if err := im.importConnection(trusted, conn, report); err != nil {
			report.Failed++
			im.logger.Error("legacy import failed", "connection_id", conn.ID, "provider", conn.ProviderName, "error", err)
		}
	}

	im.logger.Info("legacy import complete",
		"scanned", report.Scanned,
		"by_handle", report.ByHandle,
		"by_label", report.ByLabel,
		"literals", report.Literals,
		"unresolved", report.Unresolved,
		"failed", report.Failed,
	)
	return report, nil
}

func hasLegacyRef(conn *domain.Connection) bool {
	for _, ref := range conn.SecretRefs() {
		if ref.Kind == domain.SecretKindLegacy {
			return true
		}
	}
	return false
}

func (im *importer) importConnection(ctx context.Context, conn *domain.Connection, report *driving.ImportReport) error {
	next := conn.Clone()
	var written []domain.SecretRef

	convert := func(ref *domain.SecretRef, kind string) (*domain.SecretRef, error) {
		if ref == nil || ref.Kind != domain.SecretKindLegacy {
			return ref, nil
		}
		res, err := im.vault.Resolve(ctx, ref.Value)
		if err != nil {
			return nil, err
		}
		put := func() (*domain.SecretRef, error) {
			h, err := im.vault.Put(ctx, res.Plaintext, domain.SecretMetadata{
				Label:       secretLabel(conn, kind),
				Description: "imported legacy " + kind + " credential",
				OwnerKind:   domain.SecretOwnerConnection,
				OwnerID:     conn.ID,
			})
			if err != nil {
				return nil, err
			}
			written = append(written, h)
			return &h, nil
		}

		switch res.Source {
		case domain.ResolvedByHandle, domain.ResolvedByLabel:
			if res.Source == domain.ResolvedByHandle {
				report.ByHandle++
			} else {
				report.ByLabel++
			}
			if res.OwnerKind == domain.SecretOwnerConnection && res.OwnerID == conn.ID {
				h := domain.HandleRef(res.Handle)
				return &h, nil
			}
			// Deleting a connection's secrets must never reach a secret
			// another record still points at.
			im.logger.Info("copying shared legacy secret",
				"connection_id", conn.ID, "kind", kind, "source_handle", res.Handle, "owner_id", res.OwnerID)
			return put()
		default:
			report.Literals++
			h, err := put()
			if err != nil {
				return nil, err
			}
			im.logger.Warn("imported literal credential", "connection_id", conn.ID, "provider", conn.ProviderName, "kind", kind, "handle", h.Value)
			return h, nil
		}
	}

	var err error
	if next.AccessSecret, err = convert(conn.AccessSecret, "access"); err == nil {
		next.RefreshSecret, err = convert(conn.RefreshSecret, "refresh")
	}
	if err != nil {
		im.cleanup(ctx, conn.ID, written)
		if errors.Is(err, domain.ErrNotFound) {
			report.Unresolved++
			return im.manager.MarkStatus(ctx, conn.ID, domain.ConnectionError, "legacy secret reference could not be resolved")
		}
		return err
	}

	next.UpdatedAt = im.now()
	if err := im.connections.Update(ctx, next, conn.Generation); err != nil {
		im.cleanup(ctx, conn.ID, written)
		return fmt.Errorf("rewrite connection refs: %w", err)
	}
	im.logger.Info("connection refs imported", "connection_id", conn.ID, "provider", conn.ProviderName)
	return nil
}

func (im *importer) cleanup(ctx context.Context, connectionID string, refs []domain.SecretRef) {
	for _, ref := range refs {
		if err := im.vault.Delete(ctx, ref); err != nil {
			im.logger.Warn("failed to delete imported secret", "connection_id", connectionID, "error", err)
		}
	}
}
