package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven/mocks"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// fakeClock is a settable clock shared by every service in a fixture.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fixture wires every service over in-memory mocks.
type fixture struct {
	clock       *fakeClock
	secrets     *mocks.MockSecretRepository
	sealer      *mocks.MockSealer
	providers   *mocks.MockProviderStore
	connections *mocks.MockConnectionStore
	grants      *mocks.MockGrantStore
	events      *mocks.MockGrantEventStore
	agents      *mocks.MockAgentDirectory
	ledger      *mocks.MockRefreshLedger
	tokens      *mocks.MockTokenEndpoint
	lock        *mocks.MockDistributedLock

	vault    driving.SecretVault
	registry driving.ProviderRegistry
	manager  driving.ConnectionManager
	engine   driving.PermissionEngine
	rotation driving.RotationManager
	auditor  driving.ConsistencyAuditor
	importer driving.LegacyImporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture()
}

func buildFixture() *fixture {
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		clock:       newFakeClock(),
		secrets:     mocks.NewMockSecretRepository(),
		sealer:      mocks.NewMockSealer(),
		providers:   mocks.NewMockProviderStore(),
		connections: mocks.NewMockConnectionStore(),
		grants:      mocks.NewMockGrantStore(),
		events:      mocks.NewMockGrantEventStore(),
		agents:      mocks.NewMockAgentDirectory(),
		ledger:      mocks.NewMockRefreshLedger(),
		tokens:      mocks.NewMockTokenEndpoint(),
		lock:        mocks.NewMockDistributedLock(),
	}

	f.vault = NewVault(VaultConfig{
		Repository:    f.secrets,
		Sealer:        f.sealer,
		Logger:        logger,
		Now:           f.clock.Now,
		RetryInterval: time.Millisecond,
	})
	f.registry = NewProviderRegistry(ProviderRegistryConfig{
		Providers:   f.providers,
		Connections: f.connections,
		Vault:       f.vault,
		Logger:      logger,
		Now:         f.clock.Now,
	})
	f.manager = NewConnectionManager(ConnectionManagerConfig{
		Connections: f.connections,
		Providers:   f.providers,
		Vault:       f.vault,
		Tokens:      f.tokens,
		Ledger:      f.ledger,
		Logger:      logger,
		Now:         f.clock.Now,
	})
	f.engine = NewPermissionEngine(PermissionEngineConfig{
		Grants:      f.grants,
		Events:      f.events,
		Connections: f.connections,
		Providers:   f.providers,
		Agents:      f.agents,
		Logger:      logger,
		Now:         f.clock.Now,
	})
	f.rotation = NewRotationManager(RotationManagerConfig{
		Manager:     f.manager,
		Connections: f.connections,
		Providers:   f.providers,
		Vault:       f.vault,
		Sealer:      f.sealer,
		Ledger:      f.ledger,
		Tokens:      f.tokens,
		Lock:        f.lock,
		Logger:      logger,
		Now:         f.clock.Now,
	})
	f.auditor = NewAuditor(AuditorConfig{
		Manager:       f.manager,
		Connections:   f.connections,
		Providers:     f.providers,
		Secrets:       f.secrets,
		Vault:         f.vault,
		Logger:        logger,
		Now:           f.clock.Now,
		PurgeDangling: true,
	})
	f.importer = NewImporter(ImporterConfig{
		Manager:     f.manager,
		Connections: f.connections,
		Vault:       f.vault,
		Logger:      logger,
		Now:         f.clock.Now,
	})
	return f
}

func (f *fixture) trusted() context.Context {
	return domain.WithTrustedExecution(context.Background(), "test-executor")
}

// registerAcme registers the OAuth provider used across tests.
func (f *fixture) registerAcme(t *testing.T) *domain.Provider {
	t.Helper()
	p, err := f.registry.Register(context.Background(), driving.RegisterProviderRequest{
		Name:             "acme",
		DisplayName:      "Acme Mail",
		AuthMethod:       domain.AuthMethodOAuth,
		AuthorizationURL: "https://acme.example/oauth/authorize",
		TokenURL:         "https://acme.example/oauth/token",
		RevocationURL:    "https://acme.example/oauth/revoke",
		ClientID:         "acme-client",
		ClientSecret:     "acme-client-secret",
		Scopes:           []string{"read", "send"},
		Capabilities: map[string][]string{
			"send_message":  {"send"},
			"list_messages": {"read"},
		},
	})
	if err != nil {
		t.Fatalf("register acme: %v", err)
	}
	return p
}

// registerWeather registers an API-key provider.
func (f *fixture) registerWeather(t *testing.T) *domain.Provider {
	t.Helper()
	p, err := f.registry.Register(context.Background(), driving.RegisterProviderRequest{
		Name:         "weather",
		AuthMethod:   domain.AuthMethodAPIKey,
		Capabilities: map[string][]string{"forecast": nil},
	})
	if err != nil {
		t.Fatalf("register weather: %v", err)
	}
	return p
}

func (f *fixture) createAcme(t *testing.T, userID string, scopes ...string) *domain.Connection {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"read", "send"}
	}
	conn, err := f.manager.CreateConnection(context.Background(), driving.CreateConnectionRequest{
		UserID:       userID,
		ProviderName: "acme",
		Name:         "work",
		AccountID:    userID + "@acme.example",
		Material: domain.CredentialMaterial{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresIn:    3600,
		},
		Scopes: scopes,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func (f *fixture) plaintext(t *testing.T, ref *domain.SecretRef) string {
	t.Helper()
	if ref == nil {
		t.Fatal("nil secret ref")
	}
	v, err := f.vault.Get(f.trusted(), *ref)
	if err != nil {
		t.Fatalf("read secret: %v", err)
	}
	return v
}
