package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8443",
			"allowed_origins": ["https://support.example.com"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"agent_tokens": [
				{"device_id": "dev-1", "token": "tok-1", "name": "Front desk"}
			],
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"audit_retention": "72h"
		},
		"session": {
			"token_ttl": "15m",
			"max_helper_bytes": 32768,
			"command_queue_limit": 10
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8443" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8443")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://support.example.com" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}

	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if len(cfg.Auth.AgentTokens) != 1 {
		t.Fatalf("Auth.AgentTokens: got %d, want 1", len(cfg.Auth.AgentTokens))
	}
	if cfg.Auth.AgentTokens[0].DeviceID != "dev-1" {
		t.Errorf("AgentTokens[0].DeviceID: got %q", cfg.Auth.AgentTokens[0].DeviceID)
	}
	if cfg.Auth.AgentTokens[0].Token != "tok-1" {
		t.Errorf("AgentTokens[0].Token: got %q", cfg.Auth.AgentTokens[0].Token)
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("Auth.InitialAdmin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("InitialAdmin.Username: got %q", cfg.Auth.InitialAdmin.Username)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want 72h", cfg.Storage.AuditRetention.Duration)
	}

	if cfg.Session.TokenTTL.Duration != 15*time.Minute {
		t.Errorf("Session.TokenTTL: got %v, want 15m", cfg.Session.TokenTTL.Duration)
	}
	if cfg.Session.MaxHelperBytes != 32768 {
		t.Errorf("Session.MaxHelperBytes: got %d, want 32768", cfg.Session.MaxHelperBytes)
	}
	if cfg.Session.CommandQueueLimit != 10 {
		t.Errorf("Session.CommandQueueLimit: got %d, want 10", cfg.Session.CommandQueueLimit)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("RateLimit.RequestsPerSecond: got %f, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	// Missing server.addr
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-ok"}
	}`
	path := writeTempConfig(t, noAddr)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	// Missing auth.jwt_secret
	noSecret := `{
		"server": {"addr": ":8443"},
		"auth": {}
	}`
	path = writeTempConfig(t, noSecret)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	// Weak secret from the blocklist, padded to length elsewhere
	weak := `{
		"server": {"addr": ":8443"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`
	path = writeTempConfig(t, weak)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for weak jwt_secret, got nil")
	}

	// External provider needs an issuer
	noIssuer := `{
		"server": {"addr": ":8443"},
		"auth": {"provider": "external"}
	}`
	path = writeTempConfig(t, noIssuer)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for missing external_issuer, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8443"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "broker.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "broker.db")
	}
	if cfg.Storage.AuditRetention.Duration != 30*24*time.Hour {
		t.Errorf("default Storage.AuditRetention: got %v, want 720h", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Session.TokenTTL.Duration != 30*time.Minute {
		t.Errorf("default Session.TokenTTL: got %v, want 30m", cfg.Session.TokenTTL.Duration)
	}
	if cfg.Session.TokenSweepEvery.Duration != 5*time.Minute {
		t.Errorf("default Session.TokenSweepEvery: got %v, want 5m", cfg.Session.TokenSweepEvery.Duration)
	}
	if cfg.Session.MaxAgentBytes != 8*1024*1024 {
		t.Errorf("default Session.MaxAgentBytes: got %d", cfg.Session.MaxAgentBytes)
	}
	if cfg.Session.MaxHelperBytes != 64*1024 {
		t.Errorf("default Session.MaxHelperBytes: got %d", cfg.Session.MaxHelperBytes)
	}
	if cfg.Session.CommandQueueLimit != 100 {
		t.Errorf("default Session.CommandQueueLimit: got %d, want 100", cfg.Session.CommandQueueLimit)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("default RateLimit.RequestsPerSecond: got %f, want 10", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit.Burst: got %d, want 20", cfg.RateLimit.Burst)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
}

func TestDurationSecondsForm(t *testing.T) {
	cfgJSON := `{
		"server": {"addr": ":8443"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"session": {"token_ttl": 900}
	}`
	path := writeTempConfig(t, cfgJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.TokenTTL.Duration != 15*time.Minute {
		t.Errorf("numeric token_ttl: got %v, want 15m", cfg.Session.TokenTTL.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	s1, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(s1) != 64 {
		t.Errorf("secret length: got %d, want 64", len(s1))
	}
	s2, _ := GenerateRandomSecret()
	if s1 == s2 {
		t.Error("two generated secrets are identical")
	}
}
