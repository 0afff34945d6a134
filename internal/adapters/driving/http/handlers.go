package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"invalid request body"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// VersionResponse represents the API version response
// @Description API version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// CreateConnectionBody is the setup-flow payload. Tokens are write-only.
// @Description Connection setup payload
type CreateConnectionBody struct {
	Provider     string   `json:"provider" example:"acme"`
	Name         string   `json:"name" example:"work"`
	AccountID    string   `json:"account_id,omitempty" example:"u1@acme.example"`
	Scopes       []string `json:"scopes" example:"read,send"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresIn    int64    `json:"expires_in,omitempty" example:"3600"`
}

// UpdateConnectionBody replaces a connection's credential material.
type UpdateConnectionBody struct {
	Scopes       []string `json:"scopes,omitempty"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresIn    int64    `json:"expires_in,omitempty"`
}

// GrantBody grants an agent capabilities on a connection.
type GrantBody struct {
	AgentID      string   `json:"agent_id"`
	ConnectionID string   `json:"connection_id"`
	Capabilities []string `json:"capabilities" example:"send_message"`
	TTLSeconds   int64    `json:"ttl_seconds,omitempty"`
}

// AuthorizeBody asks whether an agent may use capabilities on a connection.
type AuthorizeBody struct {
	AgentID      string   `json:"agent_id"`
	ConnectionID string   `json:"connection_id"`
	Capabilities []string `json:"capabilities"`
}

// AuthorizeResponse is the answer to an AuthorizeBody.
type AuthorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// CredentialBody identifies the agent a credential is resolved for.
type CredentialBody struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

// RefreshResponse reports one manual refresh.
type RefreshResponse struct {
	ConnectionID string                `json:"connection_id"`
	Outcome      domain.RefreshOutcome `json:"outcome"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Pings PostgreSQL and, when configured, Redis
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "dependency", "postgres", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			writeError(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}

// handleVersion godoc
// @Summary      Get API version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetAuthContext(r.Context()))
}

// Provider endpoints

// handleListProviders godoc
// @Summary      List providers
// @Tags         Providers
// @Produce      json
// @Param        enabled  query  bool  false  "Only enabled providers"
// @Success      200  {array}   domain.Provider
// @Security     BearerAuth
// @Router       /api/v1/providers [get]
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled"))
	providers, err := s.providers.List(r.Context(), enabledOnly)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

// handleRegisterProvider godoc
// @Summary      Register or update a provider
// @Tags         Providers
// @Accept       json
// @Produce      json
// @Param        request  body  driving.RegisterProviderRequest  true  "Provider definition"
// @Success      200  {object}  domain.Provider
// @Failure      400  {object}  ErrorResponse
// @Security     BearerAuth
// @Router       /api/v1/providers [post]
func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req driving.RegisterProviderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	provider, err := s.providers.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := s.providers.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

// Connection endpoints

// handleListConnections godoc
// @Summary      List the caller's connections
// @Tags         Connections
// @Produce      json
// @Success      200  {array}  domain.ConnectionSummary
// @Security     BearerAuth
// @Router       /api/v1/connections [get]
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	authCtx := GetAuthContext(r.Context())
	conns, err := s.connections.ListConnections(r.Context(), authCtx.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	summaries := make([]*domain.ConnectionSummary, 0, len(conns))
	for _, c := range conns {
		summaries = append(summaries, c.ToSummary())
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleCreateConnection godoc
// @Summary      Create a connection from a completed setup flow
// @Tags         Connections
// @Accept       json
// @Produce      json
// @Param        request  body  CreateConnectionBody  true  "Credential material"
// @Success      201  {object}  domain.ConnectionSummary
// @Failure      400  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Security     BearerAuth
// @Router       /api/v1/connections [post]
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var body CreateConnectionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	authCtx := GetAuthContext(r.Context())

	conn, err := s.connections.CreateConnection(r.Context(), driving.CreateConnectionRequest{
		UserID:       authCtx.UserID,
		ProviderName: body.Provider,
		Name:         body.Name,
		AccountID:    body.AccountID,
		Scopes:       body.Scopes,
		Material: domain.CredentialMaterial{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			ExpiresIn:    body.ExpiresIn,
		},
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn.ToSummary())
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.ownedConnection(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conn.ToSummary())
}

// handleUpdateConnection godoc
// @Summary      Replace a connection's credential material
// @Tags         Connections
// @Accept       json
// @Produce      json
// @Param        id       path  string                true  "Connection ID"
// @Param        request  body  UpdateConnectionBody  true  "Credential material"
// @Success      200  {object}  domain.ConnectionSummary
// @Security     BearerAuth
// @Router       /api/v1/connections/{id} [put]
func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	var body UpdateConnectionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	conn, ok := s.ownedConnection(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	updated, err := s.connections.UpdateConnection(r.Context(), conn.ID, driving.UpdateConnectionRequest{
		Scopes: body.Scopes,
		Material: domain.CredentialMaterial{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			ExpiresIn:    body.ExpiresIn,
		},
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.ToSummary())
}

func (s *Server) handleRevokeConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.ownedConnection(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.connections.RevokeConnection(r.Context(), conn.ID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.ownedConnection(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	grants, err := s.permissions.ListGrants(r.Context(), conn.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

// ownedConnection loads a connection the caller may see. Connections of
// other users are reported as missing.
func (s *Server) ownedConnection(w http.ResponseWriter, r *http.Request, id string) (*domain.Connection, bool) {
	authCtx := GetAuthContext(r.Context())
	conn, err := s.connections.GetConnection(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return nil, false
	}
	if conn.UserID != authCtx.UserID && !authCtx.IsAdmin() {
		writeError(w, http.StatusNotFound, "connection not found")
		return nil, false
	}
	return conn, true
}

// Agent endpoints

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context(), GetAuthContext(r.Context()).UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req driving.RegisterAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	agent, err := s.agents.Register(r.Context(), GetAuthContext(r.Context()).UserID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// Grant endpoints

// handleGrant godoc
// @Summary      Grant an agent capabilities on a connection
// @Tags         Grants
// @Accept       json
// @Produce      json
// @Param        request  body  GrantBody  true  "Grant"
// @Success      201  {object}  domain.PermissionGrant
// @Failure      400  {object}  ErrorResponse  "Unknown capability"
// @Failure      403  {object}  ErrorResponse  "Not the owner or scopes exceeded"
// @Failure      409  {object}  ErrorResponse  "Connection not active"
// @Security     BearerAuth
// @Router       /api/v1/grants [post]
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var body GrantBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}

	grant, err := s.permissions.Grant(r.Context(), driving.GrantRequest{
		AgentID:        body.AgentID,
		ConnectionID:   body.ConnectionID,
		Capabilities:   body.Capabilities,
		GrantingUserID: GetAuthContext(r.Context()).UserID,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleGrantHistory(w http.ResponseWriter, r *http.Request) {
	grant, err := s.permissions.GetGrant(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if _, ok := s.ownedConnection(w, r, grant.ConnectionID); !ok {
		return
	}
	events, err := s.permissions.GrantHistory(r.Context(), grant.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	authCtx := GetAuthContext(r.Context())
	// Admins revoke without the ownership check.
	actor := authCtx.UserID
	if authCtx.IsAdmin() {
		actor = ""
	}
	if err := s.permissions.Revoke(r.Context(), r.PathValue("id"), actor); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tool-execution endpoints

// handleAuthorize godoc
// @Summary      Authorize an agent for capabilities on a connection
// @Tags         Execution
// @Accept       json
// @Produce      json
// @Param        request  body  AuthorizeBody  true  "Authorization question"
// @Success      200  {object}  AuthorizeResponse
// @Failure      503  {object}  ErrorResponse  "Answer could not be determined"
// @Security     ExecutorKey
// @Router       /api/v1/authorize [post]
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var body AuthorizeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	allowed, err := s.permissions.Authorize(r.Context(), body.AgentID, body.ConnectionID, domain.NewCapabilitySet(body.Capabilities...))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthorizeResponse{Allowed: allowed})
}

// handleResolveCredential godoc
// @Summary      Resolve a connection's plaintext credential for an authorized agent
// @Tags         Execution
// @Accept       json
// @Produce      json
// @Param        id       path  string          true  "Connection ID"
// @Param        request  body  CredentialBody  true  "Requesting agent"
// @Success      200  {object}  domain.Credential
// @Failure      403  {object}  ErrorResponse  "Agent not authorized"
// @Failure      409  {object}  ErrorResponse  "Connection not active"
// @Security     ExecutorKey
// @Router       /api/v1/connections/{id}/credential [post]
func (s *Server) handleResolveCredential(w http.ResponseWriter, r *http.Request) {
	var body CredentialBody
	if !decodeJSON(w, r, &body) {
		return
	}
	connID := r.PathValue("id")

	allowed, err := s.permissions.Authorize(r.Context(), body.AgentID, connID, domain.NewCapabilitySet(body.Capabilities...))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "agent is not authorized for this connection")
		return
	}

	ctx := domain.WithTrustedExecution(r.Context(), "executor:"+body.AgentID)
	cred, err := s.connections.ResolveCredential(ctx, connID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, cred)
}

// Operations endpoints

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.Run(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastAudit(w http.ResponseWriter, r *http.Request) {
	report := s.auditor.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no audit has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunRotation(w http.ResponseWriter, r *http.Request) {
	report, err := s.rotation.RunOnce(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRefreshConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.rotation.RefreshConnection(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{ConnectionID: id, Outcome: outcome})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps domain errors to status codes. Storage failures
// are retryable and reported without backend detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStorageFailure):
		s.logger.Error("storage failure", "method", r.Method, "path", r.URL.Path, "connection_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	case errors.Is(err, domain.ErrSecretUnreadable), errors.Is(err, domain.ErrUnresolvedRef):
		s.logger.Error("credential unavailable", "path", r.URL.Path, "connection_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusServiceUnavailable, "credential unavailable")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
