package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the driving ports the API exposes.
type Services struct {
	Providers   driving.ProviderRegistry
	Connections driving.ConnectionManager
	Permissions driving.PermissionEngine
	Agents      driving.AgentService
	Rotation    driving.RotationManager
	Auditor     driving.ConsistencyAuditor
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	providers   driving.ProviderRegistry
	connections driving.ConnectionManager
	permissions driving.PermissionEngine
	agents      driving.AgentService
	rotation    driving.RotationManager
	auditor     driving.ConsistencyAuditor

	auth            driven.AuthAdapter
	executorKeyHash string
	gatherer        prometheus.Gatherer

	// Infrastructure
	db    Pinger // PostgreSQL health check
	redis Pinger // Redis health check (optional)
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string

	// ExecutorKeyHash is the bcrypt hash of the key the tool-execution layer
	// presents in X-Executor-Key. Empty disables key authentication.
	ExecutorKeyHash string

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string

	// Gatherer is served at /metrics when set.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, services Services, auth driven.AuthAdapter, db Pinger, redis Pinger) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:          http.NewServeMux(),
		version:         cfg.Version,
		logger:          logger.With("component", "http"),
		providers:       services.Providers,
		connections:     services.Connections,
		permissions:     services.Permissions,
		agents:          services.Agents,
		rotation:        services.Rotation,
		auditor:         services.Auditor,
		auth:            auth,
		executorKeyHash: cfg.ExecutorKeyHash,
		gatherer:        cfg.Gatherer,
		db:              db,
		redis:           redis,
	}

	s.setupRoutes()

	handler := http.Handler(s.router)
	if len(cfg.CORSOrigins) > 0 {
		handler = NewCORSMiddleware(cfg.CORSOrigins).Handler(handler)
	}
	handler = NewLoggingMiddleware(s.logger).Handler(handler)
	handler = NewRecoveryMiddleware(s.logger).Handler(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	authMiddleware := NewAuthMiddleware(s.auth, s.executorKeyHash)
	authed := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(http.HandlerFunc(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(authMiddleware.RequireAdmin(http.HandlerFunc(h)))
	}
	user := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(authMiddleware.RequireRole(userRoles...)(http.HandlerFunc(h)))
	}
	executor := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(authMiddleware.RequireExecutor(http.HandlerFunc(h)))
	}

	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)
	if s.gatherer != nil {
		s.router.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Handle("GET /api/v1/me", authed(s.handleGetMe))

	// Provider registry (admin-only)
	s.router.Handle("GET /api/v1/providers", admin(s.handleListProviders))
	s.router.Handle("POST /api/v1/providers", admin(s.handleRegisterProvider))
	s.router.Handle("GET /api/v1/providers/{name}", admin(s.handleGetProvider))

	// Connections (owning user)
	s.router.Handle("GET /api/v1/connections", user(s.handleListConnections))
	s.router.Handle("POST /api/v1/connections", user(s.handleCreateConnection))
	s.router.Handle("GET /api/v1/connections/{id}", user(s.handleGetConnection))
	s.router.Handle("PUT /api/v1/connections/{id}", user(s.handleUpdateConnection))
	s.router.Handle("DELETE /api/v1/connections/{id}", user(s.handleRevokeConnection))
	s.router.Handle("GET /api/v1/connections/{id}/grants", user(s.handleListGrants))

	// Agents and grants (owning user)
	s.router.Handle("GET /api/v1/agents", user(s.handleListAgents))
	s.router.Handle("POST /api/v1/agents", user(s.handleRegisterAgent))
	s.router.Handle("POST /api/v1/grants", user(s.handleGrant))
	s.router.Handle("GET /api/v1/grants/{id}/history", user(s.handleGrantHistory))
	s.router.Handle("DELETE /api/v1/grants/{id}", user(s.handleRevokeGrant))

	// Tool-execution layer (trusted)
	s.router.Handle("POST /api/v1/authorize", executor(s.handleAuthorize))
	s.router.Handle("POST /api/v1/connections/{id}/credential", executor(s.handleResolveCredential))

	// Operations (admin-only)
	s.router.Handle("POST /api/v1/admin/audit", admin(s.handleRunAudit))
	s.router.Handle("GET /api/v1/admin/audit", admin(s.handleLastAudit))
	s.router.Handle("POST /api/v1/admin/rotation", admin(s.handleRunRotation))
	s.router.Handle("POST /api/v1/admin/connections/{id}/refresh", admin(s.handleRefreshConnection))
}

// Handler returns the fully wrapped handler (tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
