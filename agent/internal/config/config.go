// Package config handles agent configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Broker  BrokerConfig  `json:"broker"`
	Agent   AgentConfig   `json:"agent"`
	Consent ConsentConfig `json:"consent"`
	Logging LoggingConfig `json:"logging"`
}

// BrokerConfig defines how the agent connects to the broker.
type BrokerConfig struct {
	URL               string   `json:"url"`                        // e.g. "https://broker.example.com"
	AgentToken        string   `json:"agent_token,omitempty"`      // relay admission token
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"`  // dev only
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
}

// AgentConfig defines the device identity and data locations.
type AgentConfig struct {
	DeviceName string `json:"device_name,omitempty"` // display name; defaults to hostname
	DataDir    string `json:"data_dir,omitempty"`    // device id file lives here
	Version    string `json:"version,omitempty"`
}

// ConsentConfig defines the consent prompt behavior.
type ConsentConfig struct {
	SocketPath     string   `json:"socket_path,omitempty"`     // tray IPC socket
	RequestTimeout Duration `json:"request_timeout,omitempty"` // how long to wait for the user; default 30s
	Unattended     bool     `json:"unattended,omitempty"`      // allow sessions without a consent prompt
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
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
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Broker.HeartbeatInterval.Duration == 0 {
		c.Broker.HeartbeatInterval.Duration = 3 * time.Second
	}
	if c.Broker.ReconnectInterval.Duration == 0 {
		c.Broker.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Broker.MaxReconnectDelay.Duration == 0 {
		c.Broker.MaxReconnectDelay.Duration = 60 * time.Second
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = defaultDataDir()
	}
	if c.Consent.SocketPath == "" {
		c.Consent.SocketPath = filepath.Join(c.Agent.DataDir, "consent.sock")
	}
	if c.Consent.RequestTimeout.Duration == 0 {
		c.Consent.RequestTimeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// DefaultSocketPath is where the tray looks for the service's IPC socket
// when no config file is given.
func DefaultSocketPath() string {
	return filepath.Join(defaultDataDir(), "consent.sock")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "support-agent")
	}
	return "./support-agent-data"
}
