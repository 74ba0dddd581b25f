// Package relay accepts WebSocket connections from agents and helpers and
// forwards stream messages verbatim between the two sides of a session.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hebner-solutions/remote-support/broker/internal/auth"
	"github.com/hebner-solutions/remote-support/broker/internal/registry"
	"github.com/hebner-solutions/remote-support/broker/internal/store"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Relay upgrades, admits, and pumps relay connections.
type Relay struct {
	registry  *registry.Registry
	tokens    *auth.SessionTokens
	agentAuth auth.AgentAuthProvider
	store     store.Store
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	maxAgentBytes  int64 // max WebSocket message size from agents
	maxHelperBytes int64 // max WebSocket message size from helpers
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins []string
	MaxAgentBytes  int64 // default 8MB
	MaxHelperBytes int64 // default 64KB
}

// New creates a Relay.
func New(reg *registry.Registry, tokens *auth.SessionTokens, agentAuth auth.AgentAuthProvider, s store.Store, logger *slog.Logger, opts Options) *Relay {
	agentLimit := opts.MaxAgentBytes
	if agentLimit == 0 {
		agentLimit = 8 * 1024 * 1024
	}
	helperLimit := opts.MaxHelperBytes
	if helperLimit == 0 {
		helperLimit = 64 * 1024
	}

	return &Relay{
		registry:       reg,
		tokens:         tokens,
		agentAuth:      agentAuth,
		store:          s,
		logger:         logger.With("component", "relay"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		maxAgentBytes:  agentLimit,
		maxHelperBytes: helperLimit,
	}
}

// peerConn wraps a WebSocket connection with a write mutex; gorilla allows
// only one concurrent writer per connection.
type peerConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) ID() string { return p.id }

func (p *peerConn) Send(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(messageType, data)
}

// HandleAgentWS handles WebSocket connections from agents at
// /ws/agent/{sessionID}.
func (r *Relay) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	deviceID := req.URL.Query().Get("device_id")
	token := connToken(req, "X-Agent-Token")
	if r.agentAuth != nil && !r.agentAuth.ValidateAgentToken(deviceID, token) {
		r.logger.Warn("agent admission rejected", "session_id", sessionID, "device_id", deviceID)
		r.audit("agent.reject", sessionID, deviceID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(r.maxAgentBytes)

	peer := &peerConn{id: uuid.New().String(), conn: conn}
	r.registry.Add(sessionID, registry.RoleAgent, peer)
	r.logger.Info("agent connected", "session_id", sessionID, "conn_id", peer.id, "device_id", deviceID)
	r.audit("agent.connect", sessionID, deviceID)

	defer func() {
		r.registry.Remove(sessionID, registry.RoleAgent, peer.id)
		r.logger.Info("agent disconnected", "session_id", sessionID, "conn_id", peer.id)
		r.audit("agent.disconnect", sessionID, deviceID)
	}()

	r.readLoop(sessionID, registry.RoleAgent, peer, conn)
}

// HandleHelperWS handles WebSocket connections from helpers at
// /ws/helper/{sessionID}. Admission requires a valid session token.
func (r *Relay) HandleHelperWS(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Token in the query string is required for browser helpers, which cannot
	// set custom headers on the WebSocket handshake.
	token := connToken(req, "X-Session-Token")
	if !r.tokens.Validate(token, sessionID) {
		r.logger.Warn("helper admission rejected", "session_id", sessionID)
		r.audit("helper.reject", sessionID, "")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("helper websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(r.maxHelperBytes)

	peer := &peerConn{id: uuid.New().String(), conn: conn}
	r.registry.Add(sessionID, registry.RoleHelper, peer)
	r.logger.Info("helper connected", "session_id", sessionID, "conn_id", peer.id)
	r.audit("helper.connect", sessionID, "")

	defer func() {
		r.registry.Remove(sessionID, registry.RoleHelper, peer.id)
		r.logger.Info("helper disconnected", "session_id", sessionID, "conn_id", peer.id)
		r.audit("helper.disconnect", sessionID, "")
	}()

	r.readLoop(sessionID, registry.RoleHelper, peer, conn)
}

// readLoop pumps messages from one peer to the opposite side until the
// connection drops. Payloads are forwarded byte for byte; only the "type"
// discriminator is inspected, for the per-session counters.
func (r *Relay) readLoop(sessionID string, role registry.Role, peer *peerConn, conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("relay read error", "session_id", sessionID, "conn_id", peer.id, "error", err)
			return
		}

		switch role {
		case registry.RoleAgent:
			var env protocol.StreamEnvelope
			if json.Unmarshal(msg, &env) == nil && env.Type == protocol.TypeFrame {
				r.registry.CountFrame(sessionID)
			}
		case registry.RoleHelper:
			r.registry.CountHelperMessage(sessionID)
		}

		for _, target := range r.registry.Targets(sessionID, role) {
			if err := target.Send(msgType, msg); err != nil {
				r.logger.Warn("relay forward failed", "session_id", sessionID,
					"from", peer.id, "to", target.ID(), "error", err)
			}
		}
	}
}

// Routes registers the relay's WebSocket endpoints on mux.
func (r *Relay) Routes(mux chi.Router) {
	mux.Get("/ws/agent/{sessionID}", r.HandleAgentWS)
	mux.Get("/ws/helper/{sessionID}", r.HandleHelperWS)
}

func (r *Relay) audit(action, sessionID, deviceID string) {
	if r.store == nil {
		return
	}
	err := r.store.LogAuditEvent(context.Background(), &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		SessionID: sessionID,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// connToken extracts the admission token from the query string or header.
func connToken(req *http.Request, header string) string {
	if t := req.URL.Query().Get("token"); t != "" {
		return t
	}
	return req.Header.Get(header)
}
