// Package api implements the broker's HTTP API: operator login and device
// management, session token issuance, the agent heartbeat/command endpoints,
// and health checks. The WebSocket relay endpoints are mounted alongside.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hebner-solutions/remote-support/broker/internal/auth"
	"github.com/hebner-solutions/remote-support/broker/internal/config"
	"github.com/hebner-solutions/remote-support/broker/internal/mailbox"
	"github.com/hebner-solutions/remote-support/broker/internal/registry"
	"github.com/hebner-solutions/remote-support/broker/internal/relay"
	"github.com/hebner-solutions/remote-support/broker/internal/store"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// Server holds the broker's HTTP handlers and their dependencies.
type Server struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	agentAuth    auth.AgentAuthProvider
	tokens       *auth.SessionTokens
	registry     *registry.Registry
	mailbox      *mailbox.Mailbox
	relay        *relay.Relay
	logger       *slog.Logger

	loginLimiter *rateLimiter
	apiLimiter   *rateLimiter
}

// NewServer creates a Server with its routes unmounted; call Routes to get
// the handler.
func NewServer(cfg *config.Config, s store.Store, provider auth.Provider, agentAuth auth.AgentAuthProvider, tokens *auth.SessionTokens, reg *registry.Registry, mb *mailbox.Mailbox, rl *relay.Relay, logger *slog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		store:        s,
		authProvider: provider,
		agentAuth:    agentAuth,
		tokens:       tokens,
		registry:     reg,
		mailbox:      mb,
		relay:        rl,
		logger:       logger.With("component", "api"),
		loginLimiter: newRateLimiter(1, 5),
		apiLimiter:   newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
}

// StartBackgroundTasks starts the rate limiter cleanup loops.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginLimiter.StartCleanup(ctx, 10*time.Minute, time.Hour)
	s.apiLimiter.StartCleanup(ctx, 10*time.Minute, time.Hour)
}

// Routes builds the broker's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(s.cfg.Server.AllowedOrigins))

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)

	mux.Get("/api/auth/config", s.handleAuthConfig)
	mux.With(loginIPRateLimitMiddleware(s.loginLimiter)).Post("/api/auth/login", s.handleLogin)

	// Agent service endpoints, authenticated by the per-device agent token
	// when one is configured.
	mux.Route("/api/agent", func(r chi.Router) {
		r.Use(middleware.RequestSize(s.cfg.Server.MaxBodyBytes))
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/next-command", s.handleNextCommand)
		r.Post("/ack", s.handleAck)
	})

	// Operator endpoints.
	mux.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequestSize(s.cfg.Server.MaxBodyBytes))
		r.Use(s.authMiddleware)
		r.Use(rateLimitMiddleware(s.apiLimiter))

		r.Get("/me", s.handleGetMe)
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/{deviceID}/commands", s.handleEnqueueCommand)
		r.Post("/sessions/{sessionID}/token", s.handleIssueToken)
		r.Get("/stats", s.handleStats)

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Get("/audit", s.handleListAudit)
			r.Get("/operators", s.handleListOperators)
			r.Post("/operators", s.handleCreateOperator)
		})
	})

	s.relay.Routes(mux)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleAuthConfig tells clients which auth provider is active so they can
// pick between the builtin login form and the external issuer.
func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"provider": s.authProvider.Name()}
	if s.authProvider.Name() == "external" {
		resp["issuer"] = s.cfg.Auth.ExternalIssuer
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	login, ok := s.authProvider.(auth.LoginProvider)
	if !ok {
		writeError(w, http.StatusNotFound, "password login not available with this auth provider")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := login.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Warn("login failed", "username", req.Username, "ip", r.RemoteAddr)
			s.audit(r, "login.failed", "", "", jsonDetail(map[string]string{"username": req.Username}))
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit(r, "login.success", "", "", jsonDetail(map[string]string{"username": req.Username}))
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// agentAuthorized checks the device's relay admission token on the agent
// HTTP endpoints. Open when no agent tokens are configured.
func (s *Server) agentAuthorized(r *http.Request, deviceID string) bool {
	if s.agentAuth == nil {
		return true
	}
	return s.agentAuth.ValidateAgentToken(deviceID, r.Header.Get("X-Agent-Token"))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb protocol.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if hb.Device.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if !s.agentAuthorized(r, hb.Device.DeviceID) {
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return
	}

	monitors, err := json.Marshal(hb.Monitors)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid monitors")
		return
	}

	dev := &store.Device{
		DeviceID:     hb.Device.DeviceID,
		Name:         hb.Device.DeviceName,
		Hostname:     hb.Device.Hostname,
		OSVersion:    hb.Device.OSVersion,
		AgentVersion: hb.Device.AgentVersion,
		State:        string(hb.State),
		Monitors:     string(monitors),
		LastSeen:     time.Now(),
	}
	if err := s.store.UpsertDevice(r.Context(), dev); err != nil {
		s.logger.Error("heartbeat upsert failed", "device_id", dev.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.mailbox.Pending(dev.DeviceID),
	})
}

// handleNextCommand returns the oldest pending command for the device, or
// 204 when the mailbox is empty. A returned command is consumed.
func (s *Server) handleNextCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if !s.agentAuthorized(r, deviceID) {
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return
	}

	cmd, ok := s.mailbox.Poll(deviceID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var ack protocol.CommandAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ack.DeviceID == "" || ack.Type == "" {
		writeError(w, http.StatusBadRequest, "device_id and type are required")
		return
	}
	if !s.agentAuthorized(r, ack.DeviceID) {
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return
	}

	s.logger.Info("command acknowledged", "device_id", ack.DeviceID,
		"session_id", ack.SessionID, "type", ack.Type, "result", ack.Result)
	s.audit(r, "command.ack", ack.DeviceID, ack.SessionID,
		jsonDetail(map[string]string{"type": ack.Type, "result": ack.Result}))

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"operator_id": identity.OperatorID,
		"username":    identity.Username,
		"role":        identity.Role,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cmd.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("get device failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	if err := s.mailbox.Enqueue(deviceID, cmd); err != nil {
		if errors.Is(err, mailbox.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, "command queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.logger.Info("command enqueued", "device_id", deviceID, "type", cmd.Type,
		"session_id", cmd.SessionID, "operator", identity.Username)
	s.auditAs(r, identity, "command.enqueue", deviceID, cmd.SessionID,
		jsonDetail(map[string]string{"type": cmd.Type}))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"pending": s.mailbox.Pending(deviceID),
	})
}

// handleIssueToken mints a helper admission token for the session.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	token, expiresAt, err := s.tokens.Issue(sessionID)
	if err != nil {
		s.logger.Error("token issuance failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.auditAs(r, identity, "token.issue", "", sessionID, nil)

	writeJSON(w, http.StatusOK, protocol.SessionTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		writeJSON(w, http.StatusOK, s.registry.Stats(sessionID))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.AllStats())
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := s.store.ListOperators(r.Context())
	if err != nil {
		s.logger.Error("list operators failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	login, ok := s.authProvider.(auth.LoginProvider)
	if !ok {
		writeError(w, http.StatusNotFound, "operator accounts are managed by the external provider")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}
	if req.Role != "" && req.Role != "admin" && req.Role != "operator" {
		writeError(w, http.StatusBadRequest, "role must be admin or operator")
		return
	}

	op, err := login.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrOperatorExists) {
			writeError(w, http.StatusConflict, "operator already exists")
			return
		}
		s.logger.Error("create operator failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.auditAs(r, identity, "operator.create", "", "",
		jsonDetail(map[string]string{"username": op.Username, "role": op.Role}))

	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) audit(r *http.Request, action, deviceID, sessionID string, detail json.RawMessage) {
	s.auditAs(r, nil, action, deviceID, sessionID, detail)
}

func (s *Server) auditAs(r *http.Request, identity *auth.Identity, action, deviceID, sessionID string, detail json.RawMessage) {
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if identity != nil {
		ev.OperatorID = identity.OperatorID
	}
	if err := s.store.LogAuditEvent(r.Context(), ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func jsonDetail(m map[string]string) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
