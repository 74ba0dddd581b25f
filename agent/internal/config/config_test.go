package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"broker": {
			"url": "https://broker.example.com",
			"agent_token": "tok-123",
			"heartbeat_interval": "5s"
		},
		"agent": {
			"device_name": "Front Desk PC",
			"data_dir": "/tmp/agent-data"
		},
		"consent": {
			"request_timeout": "45s"
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.URL != "https://broker.example.com" {
		t.Errorf("broker url: got %q", cfg.Broker.URL)
	}
	if cfg.Broker.AgentToken != "tok-123" {
		t.Errorf("agent token: got %q", cfg.Broker.AgentToken)
	}
	if cfg.Broker.HeartbeatInterval.Duration != 5*time.Second {
		t.Errorf("heartbeat interval: got %v", cfg.Broker.HeartbeatInterval.Duration)
	}
	if cfg.Agent.DeviceName != "Front Desk PC" {
		t.Errorf("device name: got %q", cfg.Agent.DeviceName)
	}
	if cfg.Consent.RequestTimeout.Duration != 45*time.Second {
		t.Errorf("request timeout: got %v", cfg.Consent.RequestTimeout.Duration)
	}
}

func TestLoadRequiresBrokerURL(t *testing.T) {
	path := writeConfig(t, `{"agent": {"device_name": "x"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing broker.url")
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeConfig(t, `{"broker": {"url": "http://localhost:8443"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.HeartbeatInterval.Duration != 3*time.Second {
		t.Errorf("heartbeat interval default: got %v", cfg.Broker.HeartbeatInterval.Duration)
	}
	if cfg.Broker.ReconnectInterval.Duration != 2*time.Second {
		t.Errorf("reconnect interval default: got %v", cfg.Broker.ReconnectInterval.Duration)
	}
	if cfg.Consent.RequestTimeout.Duration != 30*time.Second {
		t.Errorf("consent timeout default: got %v", cfg.Consent.RequestTimeout.Duration)
	}
	if cfg.Agent.DataDir == "" {
		t.Error("data dir default is empty")
	}
	if cfg.Consent.SocketPath == "" {
		t.Error("socket path default is empty")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format default: got %q", cfg.Logging.Format)
	}
}

func TestDurationSecondsForm(t *testing.T) {
	path := writeConfig(t, `{"broker": {"url": "http://localhost", "heartbeat_interval": 10}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.HeartbeatInterval.Duration != 10*time.Second {
		t.Errorf("numeric duration: got %v", cfg.Broker.HeartbeatInterval.Duration)
	}
}
