// Package config handles broker configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level broker configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the broker's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8443"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider       string            `json:"provider,omitempty"`        // "builtin" (default) or "external"
	ExternalIssuer string            `json:"external_issuer,omitempty"` // portal issuer, e.g. "https://portal.example.com"
	ExternalJWKS   string            `json:"external_jwks,omitempty"`   // JWKS URL; defaults to issuer + "/.well-known/jwks.json"
	JWTSecret      string            `json:"jwt_secret"`
	JWTExpiry      Duration          `json:"jwt_expiry,omitempty"`
	AgentTokens    []AgentTokenEntry `json:"agent_tokens,omitempty"` // optional per-device relay admission tokens
	InitialAdmin   *InitialAdmin     `json:"initial_admin,omitempty"`
}

// AgentTokenEntry maps a device ID to its relay admission token.
type AgentTokenEntry struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first operator account.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "broker.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; default 30 days
}

// SessionConfig defines relay session behavior.
type SessionConfig struct {
	TokenTTL          Duration `json:"token_ttl,omitempty"`           // session token lifetime; default 30m
	MaxAgentBytes     int64    `json:"max_agent_bytes,omitempty"`     // max WebSocket message from an agent; default 8MB
	MaxHelperBytes    int64    `json:"max_helper_bytes,omitempty"`    // max WebSocket message from a helper; default 64KB
	TokenSweepEvery   Duration `json:"token_sweep_every,omitempty"`   // expired-token purge cadence; default 5m
	CommandQueueLimit int      `json:"command_queue_limit,omitempty"` // max pending commands per device; default 100
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "external" && c.Auth.ExternalIssuer == "" {
		return fmt.Errorf("auth.external_issuer is required when provider is external")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.Provider == "external" && c.Auth.ExternalJWKS == "" {
		c.Auth.ExternalJWKS = c.Auth.ExternalIssuer + "/.well-known/jwks.json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "broker.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Session.TokenTTL.Duration == 0 {
		c.Session.TokenTTL.Duration = 30 * time.Minute
	}
	if c.Session.TokenSweepEvery.Duration == 0 {
		c.Session.TokenSweepEvery.Duration = 5 * time.Minute
	}
	if c.Session.MaxAgentBytes == 0 {
		c.Session.MaxAgentBytes = 8 * 1024 * 1024 // 8MB, full frames
	}
	if c.Session.MaxHelperBytes == 0 {
		c.Session.MaxHelperBytes = 64 * 1024 // 64KB
	}
	if c.Session.CommandQueueLimit == 0 {
		c.Session.CommandQueueLimit = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
