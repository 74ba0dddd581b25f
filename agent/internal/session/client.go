// Package session manages the agent's outbound WebSocket connection to the
// broker relay for one screen-sharing session.
package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// MessageHandler processes messages received from the helper side.
type MessageHandler func(msgType int, data []byte)

// Client is the relay connection for one session.
type Client struct {
	url     string
	token   string
	cfg     config.BrokerConfig
	handler MessageHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a session client for the given relay URL.
func NewClient(url, agentToken string, cfg config.BrokerConfig, handler MessageHandler, logger *slog.Logger) *Client {
	return &Client{
		url:     url,
		token:   agentToken,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "session-client"),
	}
}

// Run connects to the relay and processes messages until the context is
// canceled, reconnecting with bounded exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectInterval.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("relay connection lost", "error", err)
		}

		c.logger.Info("reconnecting to relay", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if max := c.cfg.MaxReconnectDelay.Duration; delay > max {
			delay = max
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("X-Agent-Token", c.token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info("connected to relay", "url", c.url)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		if c.handler != nil {
			c.handler(msgType, msg)
		}
	}
}

// SendFrame sends one encoded screen frame to the relay.
func (c *Client) SendFrame(format string, data []byte) error {
	return c.Send(protocol.FrameMessage{
		Type:   protocol.TypeFrame,
		Format: format,
		Data:   base64.StdEncoding.EncodeToString(data),
	})
}

// Send marshals and sends a stream message.
func (c *Client) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether the relay connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
