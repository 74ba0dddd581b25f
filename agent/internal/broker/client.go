// Package broker is the agent's HTTP client for the broker's agent-facing
// endpoints: heartbeat, command polling, and acknowledgements.
package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// Client talks to the broker's agent API.
type Client struct {
	baseURL    string
	agentToken string
	httpClient *http.Client
}

// NewClient creates a broker client.
func NewClient(cfg config.BrokerConfig) *Client {
	transport := http.DefaultTransport
	if cfg.TLSSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		agentToken: cfg.AgentToken,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

// Heartbeat posts the agent's state and device facts.
func (c *Client) Heartbeat(ctx context.Context, hb protocol.Heartbeat) error {
	return c.postJSON(ctx, "/api/agent/heartbeat", hb, nil)
}

// NextCommand polls for the oldest pending command. The second return is
// false when the mailbox is empty.
func (c *Client) NextCommand(ctx context.Context, deviceID string) (protocol.Command, bool, error) {
	u := c.baseURL + "/api/agent/next-command?device_id=" + url.QueryEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return protocol.Command{}, false, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Command{}, false, fmt.Errorf("poll command: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return protocol.Command{}, false, nil
	case http.StatusOK:
		var cmd protocol.Command
		if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
			return protocol.Command{}, false, fmt.Errorf("decode command: %w", err)
		}
		return cmd, true, nil
	default:
		return protocol.Command{}, false, statusError(resp)
	}
}

// Ack reports a handled command's outcome.
func (c *Client) Ack(ctx context.Context, ack protocol.CommandAck) error {
	return c.postJSON(ctx, "/api/agent/ack", ack, nil)
}

// SessionURL builds the relay WebSocket URL for the given session.
func (c *Client) SessionURL(sessionID, deviceID string) string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/ws/agent/" + url.PathEscape(sessionID) + "?device_id=" + url.QueryEscape(deviceID)
}

// AgentToken returns the configured relay admission token.
func (c *Client) AgentToken() string {
	return c.agentToken
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.agentToken != "" {
		req.Header.Set("X-Agent-Token", c.agentToken)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("broker returned %d", resp.StatusCode)
	}
	return fmt.Errorf("broker returned %d: %s", resp.StatusCode, msg)
}
