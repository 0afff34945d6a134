package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven/mocks"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
	"github.com/maverick-software/agentopia-vault/internal/core/services"
)

const testExecutorKey = "exec-key"

// testAPI wires the real services over in-memory stores behind the server.
type testAPI struct {
	t       *testing.T
	handler http.Handler
	auth    *mocks.MockAuthAdapter
	conns   *mocks.MockConnectionStore
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(ctx context.Context) error { return p.err }

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWith(t, nil, nil)
}

func newTestAPIWith(t *testing.T, db, redis Pinger) *testAPI {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	secrets := mocks.NewMockSecretRepository()
	sealer := mocks.NewMockSealer()
	providers := mocks.NewMockProviderStore()
	conns := mocks.NewMockConnectionStore()
	tokens := mocks.NewMockTokenEndpoint()

	vault := services.NewVault(services.VaultConfig{Repository: secrets, Sealer: sealer, Logger: logger})
	manager := services.NewConnectionManager(services.ConnectionManagerConfig{
		Connections: conns,
		Providers:   providers,
		Vault:       vault,
		Tokens:      tokens,
		Logger:      logger,
	})
	agents := mocks.NewMockAgentDirectory()

	svcs := Services{
		Providers: services.NewProviderRegistry(services.ProviderRegistryConfig{
			Providers:   providers,
			Connections: conns,
			Vault:       vault,
			Logger:      logger,
		}),
		Connections: manager,
		Permissions: services.NewPermissionEngine(services.PermissionEngineConfig{
			Grants:      mocks.NewMockGrantStore(),
			Events:      mocks.NewMockGrantEventStore(),
			Connections: conns,
			Providers:   providers,
			Agents:      agents,
			Logger:      logger,
		}),
		Agents: services.NewAgentService(agents),
		Rotation: services.NewRotationManager(services.RotationManagerConfig{
			Manager:     manager,
			Connections: conns,
			Providers:   providers,
			Vault:       vault,
			Sealer:      sealer,
			Ledger:      mocks.NewMockRefreshLedger(),
			Tokens:      tokens,
			Lock:        mocks.NewMockDistributedLock(),
			Logger:      logger,
		}),
		Auditor: services.NewAuditor(services.AuditorConfig{
			Manager:     manager,
			Connections: conns,
			Providers:   providers,
			Secrets:     secrets,
			Vault:       vault,
			Logger:      logger,
		}),
	}

	auth := mocks.NewMockAuthAdapter()
	hash, _ := auth.HashKey(testExecutorKey)
	cfg := DefaultConfig()
	cfg.Version = "1.2.3"
	cfg.ExecutorKeyHash = hash
	cfg.Logger = logger

	srv := NewServer(cfg, svcs, auth, db, redis)
	return &testAPI{t: t, handler: srv.Handler(), auth: auth, conns: conns}
}

func (a *testAPI) token(userID string, role domain.Role) string {
	a.t.Helper()
	tok, err := a.auth.GenerateToken(&domain.TokenClaims{
		UserID:    userID,
		Role:      role,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		a.t.Fatalf("generate token: %v", err)
	}
	return tok
}

// do sends a request; as is a user ID, "admin", "executor" or "" for none.
func (a *testAPI) do(method, path, as string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	switch as {
	case "":
	case "executor":
		req.Header.Set(ExecutorKeyHeader, testExecutorKey)
	case "admin":
		req.Header.Set("Authorization", "Bearer "+a.token("admin-1", domain.RoleAdmin))
	default:
		req.Header.Set("Authorization", "Bearer "+a.token(as, domain.RoleUser))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (a *testAPI) registerAcme() {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/providers", "admin", driving.RegisterProviderRequest{
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
	expectStatus(a.t, rec, http.StatusOK)
}

func (a *testAPI) createConnection(userID string, scopes ...string) *domain.ConnectionSummary {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/connections", userID, CreateConnectionBody{
		Provider:     "acme",
		Name:         "work",
		Scopes:       scopes,
		AccessToken:  "at-secret-1",
		RefreshToken: "rt-secret-1",
		ExpiresIn:    3600,
	})
	expectStatus(a.t, rec, http.StatusCreated)
	return decode[*domain.ConnectionSummary](a.t, rec)
}

func (a *testAPI) registerAgent(userID, agentID string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/agents", userID, driving.RegisterAgentRequest{ID: agentID, Name: agentID})
	expectStatus(a.t, rec, http.StatusCreated)
}

func (a *testAPI) grant(userID, agentID, connID string, caps ...string) *domain.PermissionGrant {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/grants", userID, GrantBody{AgentID: agentID, ConnectionID: connID, Capabilities: caps})
	expectStatus(a.t, rec, http.StatusCreated)
	return decode[*domain.PermissionGrant](a.t, rec)
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = api.do(http.MethodGet, "/version", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if v := decode[VersionResponse](t, rec); v.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", v.Version)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name  string
		db    Pinger
		redis Pinger
		want  int
	}{
		{"no dependencies", nil, nil, http.StatusOK},
		{"healthy", failingPinger{}, failingPinger{}, http.StatusOK},
		{"database down", failingPinger{err: fmt.Errorf("refused")}, nil, http.StatusServiceUnavailable},
		{"redis down", failingPinger{}, failingPinger{err: fmt.Errorf("refused")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPIWith(t, tt.db, tt.redis)
			expectStatus(t, api.do(http.MethodGet, "/ready", "", nil), tt.want)
		})
	}
}

func TestGetMe(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/api/v1/me", "user-1", nil)
	expectStatus(t, rec, http.StatusOK)

	me := decode[domain.AuthContext](t, rec)
	if me.UserID != "user-1" || me.Role != domain.RoleUser {
		t.Errorf("unexpected auth context: %+v", me)
	}
}

func TestProviders_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()

	expectStatus(t, api.do(http.MethodGet, "/api/v1/providers", "user-1", nil), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/providers", "executor", nil), http.StatusForbidden)

	rec := api.do(http.MethodGet, "/api/v1/providers?enabled=true", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]*domain.Provider](t, rec); len(list) != 1 || list[0].Name != "acme" {
		t.Errorf("unexpected providers: %+v", list)
	}

	rec = api.do(http.MethodGet, "/api/v1/providers/acme", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "acme-client-secret") {
		t.Error("provider response leaked the client secret")
	}

	expectStatus(t, api.do(http.MethodGet, "/api/v1/providers/missing", "admin", nil), http.StatusNotFound)
}

func TestRegisterProvider_Invalid(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/providers", "admin", driving.RegisterProviderRequest{
		Name:       "Bad Name",
		AuthMethod: domain.AuthMethodAPIKey,
	})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestCreateConnection(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()

	rec := api.do(http.MethodPost, "/api/v1/connections", "user-1", CreateConnectionBody{
		Provider:     "acme",
		Name:         "work",
		Scopes:       []string{"read", "send"},
		AccessToken:  "at-secret-1",
		RefreshToken: "rt-secret-1",
		ExpiresIn:    3600,
	})
	expectStatus(t, rec, http.StatusCreated)

	body := rec.Body.String()
	for _, secret := range []string{"at-secret-1", "rt-secret-1"} {
		if strings.Contains(body, secret) {
			t.Errorf("response leaked %q", secret)
		}
	}

	summary := decode[*domain.ConnectionSummary](t, rec)
	if summary.Status != domain.ConnectionActive || !summary.HasRefresh || summary.ExpiresAt == nil {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.UserID != "user-1" {
		t.Errorf("expected owner user-1, got %q", summary.UserID)
	}
}

func TestCreateConnection_Errors(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown provider", CreateConnectionBody{Provider: "nope", Name: "x", AccessToken: "t"}, http.StatusNotFound},
		{"scope outside vocabulary", CreateConnectionBody{Provider: "acme", Name: "x", AccessToken: "t", Scopes: []string{"admin"}}, http.StatusBadRequest},
		{"missing token", CreateConnectionBody{Provider: "acme", Name: "x", Scopes: []string{"read"}}, http.StatusBadRequest},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, api.do(http.MethodPost, "/api/v1/connections", "user-1", tt.body), tt.want)
		})
	}
}

func TestConnections_OwnershipIsolation(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read")
	path := "/api/v1/connections/" + conn.ID

	expectStatus(t, api.do(http.MethodGet, path, "user-1", nil), http.StatusOK)
	expectStatus(t, api.do(http.MethodGet, path, "user-2", nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodDelete, path, "user-2", nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodGet, path+"/grants", "user-2", nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodGet, path, "admin", nil), http.StatusOK)

	rec := api.do(http.MethodGet, "/api/v1/connections", "user-2", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]*domain.ConnectionSummary](t, rec); len(list) != 0 {
		t.Errorf("user-2 should see no connections, got %d", len(list))
	}
}

func TestUpdateConnection(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read")

	rec := api.do(http.MethodPut, "/api/v1/connections/"+conn.ID, "user-1", UpdateConnectionBody{
		Scopes:      []string{"read", "send"},
		AccessToken: "at-secret-2",
		ExpiresIn:   600,
	})
	expectStatus(t, rec, http.StatusOK)

	updated := decode[*domain.ConnectionSummary](t, rec)
	if len(updated.Scopes) != 2 {
		t.Errorf("expected scopes to be replaced, got %v", updated.Scopes)
	}
	if strings.Contains(rec.Body.String(), "at-secret-2") {
		t.Error("response leaked the access token")
	}
}

func TestRevokeConnection(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read")
	path := "/api/v1/connections/" + conn.ID

	expectStatus(t, api.do(http.MethodDelete, path, "user-1", nil), http.StatusNoContent)
	expectStatus(t, api.do(http.MethodDelete, path, "user-1", nil), http.StatusNoContent)

	rec := api.do(http.MethodGet, path, "user-1", nil)
	expectStatus(t, rec, http.StatusOK)
	if s := decode[*domain.ConnectionSummary](t, rec); s.Status != domain.ConnectionRevoked || s.HasRefresh {
		t.Errorf("expected a revoked connection without secrets, got %+v", s)
	}
}

func TestGrantAuthorizeAndResolve(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read", "send")
	api.registerAgent("user-1", "agent-1")
	grant := api.grant("user-1", "agent-1", conn.ID, "send_message")

	authorize := func(caps ...string) bool {
		rec := api.do(http.MethodPost, "/api/v1/authorize", "executor", AuthorizeBody{
			AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: caps,
		})
		expectStatus(t, rec, http.StatusOK)
		return decode[AuthorizeResponse](t, rec).Allowed
	}

	if !authorize("send_message") {
		t.Error("expected send_message to be allowed")
	}
	if authorize("list_messages") {
		t.Error("expected list_messages to be denied")
	}

	credPath := "/api/v1/connections/" + conn.ID + "/credential"
	rec := api.do(http.MethodPost, credPath, "executor", CredentialBody{AgentID: "agent-1", Capabilities: []string{"send_message"}})
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control: no-store on credential responses")
	}
	if cred := decode[*domain.Credential](t, rec); cred.AccessToken != "at-secret-1" {
		t.Errorf("unexpected credential: %+v", cred)
	}

	rec = api.do(http.MethodPost, credPath, "executor", CredentialBody{AgentID: "agent-1", Capabilities: []string{"list_messages"}})
	expectStatus(t, rec, http.StatusForbidden)

	// Users cannot read credentials.
	expectStatus(t, api.do(http.MethodPost, credPath, "user-1", CredentialBody{AgentID: "agent-1"}), http.StatusForbidden)

	expectStatus(t, api.do(http.MethodDelete, "/api/v1/grants/"+grant.ID, "user-1", nil), http.StatusNoContent)
	if authorize("send_message") {
		t.Error("expected denial after revoke")
	}

	rec = api.do(http.MethodGet, "/api/v1/grants/"+grant.ID+"/history", "user-1", nil)
	expectStatus(t, rec, http.StatusOK)
	events := decode[[]*domain.GrantEvent](t, rec)
	if len(events) != 2 || events[0].Type != domain.GrantEventGranted || events[1].Type != domain.GrantEventRevoked {
		t.Errorf("unexpected history: %+v", events)
	}
}

func TestGrant_Errors(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read")
	api.registerAgent("user-1", "agent-1")
	api.registerAgent("user-2", "agent-2")

	tests := []struct {
		name string
		as   string
		body GrantBody
		want int
	}{
		{"unknown capability", "user-1", GrantBody{AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"teleport"}}, http.StatusBadRequest},
		{"exceeds scopes", "user-1", GrantBody{AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"send_message"}}, http.StatusForbidden},
		{"foreign agent", "user-1", GrantBody{AgentID: "agent-2", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}}, http.StatusForbidden},
		{"foreign connection", "user-2", GrantBody{AgentID: "agent-2", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}}, http.StatusForbidden},
		{"negative ttl", "user-1", GrantBody{AgentID: "agent-1", ConnectionID: conn.ID, Capabilities: []string{"list_messages"}, TTLSeconds: -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, api.do(http.MethodPost, "/api/v1/grants", tt.as, tt.body), tt.want)
		})
	}
}

func TestRevokeGrant_ForeignUser(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read")
	api.registerAgent("user-1", "agent-1")
	grant := api.grant("user-1", "agent-1", conn.ID, "list_messages")

	expectStatus(t, api.do(http.MethodDelete, "/api/v1/grants/"+grant.ID, "user-2", nil), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/grants/"+grant.ID+"/history", "user-2", nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodDelete, "/api/v1/grants/"+grant.ID, "admin", nil), http.StatusNoContent)
}

func TestAgents(t *testing.T) {
	api := newTestAPI(t)
	api.registerAgent("user-1", "agent-1")

	expectStatus(t, api.do(http.MethodPost, "/api/v1/agents", "user-2", driving.RegisterAgentRequest{ID: "agent-1", Name: "steal"}), http.StatusForbidden)

	rec := api.do(http.MethodGet, "/api/v1/agents", "user-1", nil)
	expectStatus(t, rec, http.StatusOK)
	if agents := decode[[]*domain.Agent](t, rec); len(agents) != 1 || agents[0].ID != "agent-1" {
		t.Errorf("unexpected agents: %+v", agents)
	}
}

func TestAdminOperations(t *testing.T) {
	api := newTestAPI(t)
	api.registerAcme()
	conn := api.createConnection("user-1", "read")

	expectStatus(t, api.do(http.MethodGet, "/api/v1/admin/audit", "admin", nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodPost, "/api/v1/admin/audit", "user-1", nil), http.StatusForbidden)

	rec := api.do(http.MethodPost, "/api/v1/admin/audit", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if report := decode[*domain.AuditReport](t, rec); report.ConnectionsChecked != 1 || !report.Clean() {
		t.Errorf("unexpected audit report: %+v", report)
	}
	expectStatus(t, api.do(http.MethodGet, "/api/v1/admin/audit", "admin", nil), http.StatusOK)

	rec = api.do(http.MethodPost, "/api/v1/admin/rotation", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if report := decode[*driving.RotationReport](t, rec); report.Due != 0 {
		t.Errorf("expected nothing due, got %+v", report)
	}

	rec = api.do(http.MethodPost, "/api/v1/admin/connections/"+conn.ID+"/refresh", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if resp := decode[RefreshResponse](t, rec); resp.Outcome != domain.RefreshSucceeded {
		t.Errorf("expected succeeded, got %+v", resp)
	}
}

// stubRegistry fails every call with err.
type stubRegistry struct{ err error }

func (s stubRegistry) Register(ctx context.Context, req driving.RegisterProviderRequest) (*domain.Provider, error) {
	return nil, s.err
}

func (s stubRegistry) Get(ctx context.Context, name string) (*domain.Provider, error) {
	return nil, s.err
}

func (s stubRegistry) List(ctx context.Context, enabledOnly bool) ([]*domain.Provider, error) {
	return nil, s.err
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"unauthorized", domain.ErrScopeExceeded, http.StatusForbidden},
		{"invalid input", domain.ErrUnknownCapability, http.StatusBadRequest},
		{"in use", domain.ErrProviderInUse, http.StatusBadRequest},
		{"already exists", domain.ErrAlreadyExists, http.StatusConflict},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"invalid state", domain.ErrInvalidState, http.StatusConflict},
		{"storage", domain.StorageError("list providers", fmt.Errorf("connection reset")), http.StatusServiceUnavailable},
		{"unreadable", domain.ErrSecretUnreadable, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := mocks.NewMockAuthAdapter()
			cfg := DefaultConfig()
			cfg.Logger = slog.New(slog.DiscardHandler)
			srv := NewServer(cfg, Services{Providers: stubRegistry{err: tt.err}}, auth, nil, nil)
			api := &testAPI{t: t, handler: srv.Handler(), auth: auth}

			rec := api.do(http.MethodGet, "/api/v1/providers", "admin", nil)
			expectStatus(t, rec, tt.want)
			if tt.want == http.StatusServiceUnavailable && strings.Contains(rec.Body.String(), "connection reset") {
				t.Error("storage failure detail leaked to the client")
			}
		})
	}
}
