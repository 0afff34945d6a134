package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/maverick-software/agentopia-vault/internal/adapters/driven/auth"
	"github.com/maverick-software/agentopia-vault/internal/adapters/driven/cache"
	"github.com/maverick-software/agentopia-vault/internal/adapters/driven/crypto"
	"github.com/maverick-software/agentopia-vault/internal/adapters/driven/oauth"
	"github.com/maverick-software/agentopia-vault/internal/adapters/driven/postgres"
	redisadapter "github.com/maverick-software/agentopia-vault/internal/adapters/driven/redis"
	"github.com/maverick-software/agentopia-vault/internal/config"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/core/services"
	"github.com/maverick-software/agentopia-vault/internal/metrics"
)

// app holds the wired adapters and services shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *postgres.DB
	redisClient *redis.Client
	lock        driven.DistributedLock
	auth        *auth.Adapter
	registry    *prometheus.Registry

	vault       driving.SecretVault
	providers   driving.ProviderRegistry
	connections driving.ConnectionManager
	permissions driving.PermissionEngine
	agents      driving.AgentService
	rotation    driving.RotationManager
	auditor     driving.ConsistencyAuditor
	importer    driving.LegacyImporter

	closers []io.Closer
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildApp connects to PostgreSQL (and Redis when configured) and wires
// every service.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.ValidateSecrets(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	activeKey, keys, err := crypto.ParseMasterKeys(cfg.MasterKeys)
	if err != nil {
		return nil, fmt.Errorf("master keys: %w", err)
	}
	keyProvider, err := crypto.NewLocalKeyProvider(activeKey, keys)
	if err != nil {
		return nil, fmt.Errorf("master keys: %w", err)
	}
	sealer := crypto.NewEnvelope(keyProvider)

	logger.Info("connecting to PostgreSQL")
	dbConfig := postgres.DefaultConfig(cfg.DatabaseURL)
	dbConfig.MaxOpenConns = cfg.DBMaxOpenConns
	dbConfig.MaxIdleConns = cfg.DBMaxIdleConns
	dbConfig.ConnMaxLifetime = cfg.DBConnLifetime
	dbConfig.ConnectTimeout = cfg.DBConnectTimeout
	db, err := postgres.Connect(ctx, dbConfig)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db)

	if err := db.InitSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	var ledger driven.RefreshLedger
	if cfg.UseRedis() {
		logger.Info("connecting to Redis")
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, a.redisClient)
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.lock = redisadapter.NewLock(a.redisClient)
		ledger = redisadapter.NewRefreshLedger(a.redisClient)
	} else {
		logger.Info("REDIS_URL not set, using PostgreSQL advisory locks and refresh ledger")
		a.lock = postgres.NewAdvisoryLock(db.DB)
		ledger = postgres.NewRefreshLedger(db.DB)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	secretStore := postgres.NewSecretStore(db.DB)
	providerStore := cache.NewProviderStore(postgres.NewProviderStore(db.DB), cache.DefaultProviderCacheSize, cfg.ProviderCacheTTL)
	connectionStore := postgres.NewConnectionStore(db.DB)
	agentDirectory := postgres.NewAgentDirectory(db.DB)

	tokenConfig := oauth.DefaultConfig()
	tokenConfig.Timeout = cfg.TokenTimeout
	tokenConfig.RatePerSecond = cfg.TokenRateLimit
	tokenConfig.Burst = cfg.TokenBurst
	tokens := oauth.NewClient(tokenConfig)

	a.auth = auth.NewAdapter(cfg.JWTSecret)

	a.vault = services.NewVault(services.VaultConfig{
		Repository: secretStore,
		Sealer:     sealer,
		Logger:     logger,
		Metrics:    m,
	})
	a.providers = services.NewProviderRegistry(services.ProviderRegistryConfig{
		Providers:   providerStore,
		Connections: connectionStore,
		Vault:       a.vault,
		Logger:      logger,
	})
	a.connections = services.NewConnectionManager(services.ConnectionManagerConfig{
		Connections: connectionStore,
		Providers:   providerStore,
		Vault:       a.vault,
		Tokens:      tokens,
		Ledger:      ledger,
		Logger:      logger,
		Metrics:     m,
	})
	a.permissions = services.NewPermissionEngine(services.PermissionEngineConfig{
		Grants:      postgres.NewGrantStore(db.DB),
		Events:      postgres.NewGrantEventStore(db.DB),
		Connections: connectionStore,
		Providers:   providerStore,
		Agents:      agentDirectory,
		Logger:      logger,
		Metrics:     m,
	})
	a.agents = services.NewAgentService(agentDirectory)
	a.rotation = services.NewRotationManager(services.RotationManagerConfig{
		Manager:       a.connections,
		Connections:   connectionStore,
		Providers:     providerStore,
		Vault:         a.vault,
		Sealer:        sealer,
		Ledger:        ledger,
		Tokens:        tokens,
		Lock:          a.lock,
		Logger:        logger,
		Metrics:       m,
		RefreshWindow: cfg.RefreshWindow,
		Concurrency:   cfg.RefreshConcurrency,
	})
	a.auditor = services.NewAuditor(services.AuditorConfig{
		Manager:             a.connections,
		Connections:         connectionStore,
		Providers:           providerStore,
		Secrets:             secretStore,
		Vault:               a.vault,
		Logger:              logger,
		Metrics:             m,
		PurgeDangling:       cfg.PurgeDangling,
		DanglingGracePeriod: cfg.DanglingGrace,
	})
	a.importer = services.NewImporter(services.ImporterConfig{
		Manager:     a.connections,
		Connections: connectionStore,
		Vault:       a.vault,
		Logger:      logger,
	})

	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// redisPinger adapts the Redis client to the readiness check.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
