package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hebner-solutions/remote-support/broker/internal/auth"
	"github.com/hebner-solutions/remote-support/broker/internal/config"
	"github.com/hebner-solutions/remote-support/broker/internal/mailbox"
	"github.com/hebner-solutions/remote-support/broker/internal/registry"
	"github.com/hebner-solutions/remote-support/broker/internal/relay"
	"github.com/hebner-solutions/remote-support/broker/internal/store"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

type testServer struct {
	srv     *httptest.Server
	api     *Server
	store   *store.SQLiteStore
	tokens  *auth.SessionTokens
	mailbox *mailbox.Mailbox
	reg     *registry.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-key-for-testing-purposes-only",
			JWTExpiry: config.Duration{Duration: time.Hour},
			InitialAdmin: &config.InitialAdmin{
				Username: "admin",
				Password: "admin-password-123",
			},
		},
		Session: config.SessionConfig{
			TokenTTL:          config.Duration{Duration: 30 * time.Minute},
			CommandQueueLimit: 3,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
	}

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := auth.NewService(s, cfg.Auth)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	tokens := auth.NewSessionTokens(cfg.Session.TokenTTL.Duration)
	reg := registry.New()
	mb := mailbox.New(cfg.Session.CommandQueueLimit)
	logger := slog.Default()
	rl := relay.New(reg, tokens, svc, s, logger, relay.Options{})

	api := NewServer(cfg, s, svc, svc, tokens, reg, mb, rl, logger)
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, api: api, store: s, tokens: tokens, mailbox: mb, reg: reg}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := ts.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out["token"]
}

func (ts *testServer) sendHeartbeat(t *testing.T, deviceID string) {
	t.Helper()
	hb := protocol.Heartbeat{
		Device: protocol.DeviceInfo{
			DeviceID:   deviceID,
			DeviceName: "Test Machine",
			Hostname:   "test-host",
		},
		State:     protocol.StateOnline,
		Timestamp: time.Now(),
	}
	resp := ts.request(t, "POST", "/api/agent/heartbeat", "", hb)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status: %d", resp.StatusCode)
	}
}

type statsPeer string

func (p statsPeer) ID() string             { return string(p) }
func (p statsPeer) Send(int, []byte) error { return nil }

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.request(t, "GET", "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestReadyz(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.request(t, "GET", "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestAuthConfig(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.request(t, "GET", "/api/auth/config", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["provider"] != "builtin" {
		t.Errorf("provider: got %q, want builtin", out["provider"])
	}
}

func TestLoginAndMe(t *testing.T) {
	ts := setupTestServer(t)
	token := ts.login(t, "admin", "admin-password-123")

	resp := ts.request(t, "GET", "/api/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var me map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me["username"] != "admin" || me["role"] != "admin" {
		t.Errorf("unexpected identity: %+v", me)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := setupTestServer(t)
	for _, path := range []string{"/api/me", "/api/devices", "/api/stats"} {
		resp := ts.request(t, "GET", path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: got %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestAdminRequired(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-123")

	// Create a non-admin operator, then verify admin routes reject it.
	resp := ts.request(t, "POST", "/api/operators", admin, map[string]string{
		"username": "helper1",
		"password": "helper-password",
		"role":     "operator",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create operator status: %d", resp.StatusCode)
	}

	op := ts.login(t, "helper1", "helper-password")
	resp = ts.request(t, "GET", "/api/audit", op, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("audit as operator: got %d, want 403", resp.StatusCode)
	}
}

func TestCreateOperatorDuplicate(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-123")

	body := map[string]string{"username": "dupe", "password": "dupe-password"}
	if resp := ts.request(t, "POST", "/api/operators", admin, body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d", resp.StatusCode)
	}
	if resp := ts.request(t, "POST", "/api/operators", admin, body); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create: got %d, want 409", resp.StatusCode)
	}
}

func TestHeartbeatRegistersDevice(t *testing.T) {
	ts := setupTestServer(t)
	ts.sendHeartbeat(t, "dev-1")

	admin := ts.login(t, "admin", "admin-password-123")
	resp := ts.request(t, "GET", "/api/devices", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list devices: %d", resp.StatusCode)
	}
	var devices []store.Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "dev-1" {
		t.Errorf("unexpected devices: %+v", devices)
	}
	if devices[0].State != string(protocol.StateOnline) {
		t.Errorf("state: got %q, want online", devices[0].State)
	}
}

func TestNextCommandEmpty(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.request(t, "GET", "/api/agent/next-command?device_id=dev-1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", resp.StatusCode)
	}
}

func TestEnqueueAndPollCommand(t *testing.T) {
	ts := setupTestServer(t)
	ts.sendHeartbeat(t, "dev-1")
	admin := ts.login(t, "admin", "admin-password-123")

	cmd := protocol.Command{
		Type:      protocol.CmdStartAttendedSession,
		SessionID: "sess-1",
	}
	resp := ts.request(t, "POST", "/api/devices/dev-1/commands", admin, cmd)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status: %d", resp.StatusCode)
	}

	resp = ts.request(t, "GET", "/api/agent/next-command?device_id=dev-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status: %d", resp.StatusCode)
	}
	var got protocol.Command
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != cmd.Type || got.SessionID != cmd.SessionID {
		t.Errorf("polled command: got %+v, want %+v", got, cmd)
	}

	// At most once: the second poll finds nothing.
	resp = ts.request(t, "GET", "/api/agent/next-command?device_id=dev-1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("second poll: got %d, want 204", resp.StatusCode)
	}
}

func TestEnqueueUnknownDevice(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-123")

	resp := ts.request(t, "POST", "/api/devices/ghost/commands", admin, protocol.Command{
		Type: protocol.CmdEndSession,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	ts := setupTestServer(t)
	ts.sendHeartbeat(t, "dev-1")
	admin := ts.login(t, "admin", "admin-password-123")

	cmd := protocol.Command{Type: protocol.CmdSelectMonitor}
	for i := 0; i < 3; i++ {
		if resp := ts.request(t, "POST", "/api/devices/dev-1/commands", admin, cmd); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("enqueue %d: %d", i, resp.StatusCode)
		}
	}
	resp := ts.request(t, "POST", "/api/devices/dev-1/commands", admin, cmd)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("over-limit enqueue: got %d, want 429", resp.StatusCode)
	}
}

func TestIssueSessionToken(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-123")

	resp := ts.request(t, "POST", "/api/sessions/sess-1/token", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out protocol.SessionTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Token == "" {
		t.Fatal("empty token")
	}
	if !ts.tokens.Validate(out.Token, "sess-1") {
		t.Error("issued token does not validate for its session")
	}
	if ts.tokens.Validate(out.Token, "sess-2") {
		t.Error("issued token validates for another session")
	}
}

func TestIssueTokenRequiresAuth(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.request(t, "POST", "/api/sessions/sess-1/token", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-123")

	ts.reg.Add("sess-1", registry.RoleAgent, statsPeer("p1"))
	ts.reg.CountFrame("sess-1")
	ts.reg.CountFrame("sess-1")
	ts.reg.CountHelperMessage("sess-1")

	resp := ts.request(t, "GET", "/api/stats?session_id=sess-1", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var stats protocol.SessionStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.AgentFrames != 2 || stats.HelperMessages != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestAuditTrail(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.login(t, "admin", "admin-password-123")

	resp := ts.request(t, "GET", "/api/audit", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var events []store.AuditEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.Action == "login.success" {
			found = true
		}
	}
	if !found {
		t.Error("expected a login.success audit event")
	}
}
