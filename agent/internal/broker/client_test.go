package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

func TestHeartbeatSendsTokenHeader(t *testing.T) {
	var gotToken string
	var gotHB protocol.Heartbeat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/heartbeat" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		gotToken = r.Header.Get("X-Agent-Token")
		_ = json.NewDecoder(r.Body).Decode(&gotHB)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{URL: srv.URL, AgentToken: "tok-1"})
	hb := protocol.Heartbeat{
		Device:    protocol.DeviceInfo{DeviceID: "dev-1"},
		State:     protocol.StateOnline,
		Timestamp: time.Now(),
	}
	if err := c.Heartbeat(context.Background(), hb); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if gotToken != "tok-1" {
		t.Errorf("token header: got %q", gotToken)
	}
	if gotHB.Device.DeviceID != "dev-1" {
		t.Errorf("device id: got %q", gotHB.Device.DeviceID)
	}
}

func TestNextCommandEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{URL: srv.URL})
	_, ok, err := c.NextCommand(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("next command: %v", err)
	}
	if ok {
		t.Error("expected no command")
	}
}

func TestNextCommandReturnsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("device_id") != "dev-1" {
			t.Errorf("device_id: got %q", r.URL.Query().Get("device_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protocol.Command{
			Type:      protocol.CmdRequestConsent,
			SessionID: "sess-1",
			Args:      map[string]string{"requester": "Tech A"},
		})
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{URL: srv.URL})
	cmd, ok, err := c.NextCommand(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("next command: %v", err)
	}
	if !ok {
		t.Fatal("expected a command")
	}
	if cmd.Type != protocol.CmdRequestConsent || cmd.SessionID != "sess-1" {
		t.Errorf("unexpected command: %+v", cmd)
	}
	if cmd.Args["requester"] != "Tech A" {
		t.Errorf("args: got %+v", cmd.Args)
	}
}

func TestNextCommandErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid agent token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(config.BrokerConfig{URL: srv.URL})
	_, _, err := c.NextCommand(context.Background(), "dev-1")
	if err == nil {
		t.Fatal("expected an error for 401")
	}
}

func TestSessionURL(t *testing.T) {
	c := NewClient(config.BrokerConfig{URL: "https://broker.example.com"})
	got := c.SessionURL("sess-1", "dev-1")
	want := "wss://broker.example.com/ws/agent/sess-1?device_id=dev-1"
	if got != want {
		t.Errorf("session url:\n got  %s\n want %s", got, want)
	}

	c = NewClient(config.BrokerConfig{URL: "http://localhost:8443/"})
	got = c.SessionURL("sess-1", "dev-1")
	want = "ws://localhost:8443/ws/agent/sess-1?device_id=dev-1"
	if got != want {
		t.Errorf("session url:\n got  %s\n want %s", got, want)
	}
}
