package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

type testRelay struct {
	srv      *httptest.Server
	mu       sync.Mutex
	received [][]byte
	conns    []*websocket.Conn
}

func startTestRelay(t *testing.T) *testRelay {
	t.Helper()
	tr := &testRelay{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr.mu.Lock()
		tr.conns = append(tr.conns, conn)
		tr.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			tr.mu.Lock()
			tr.received = append(tr.received, msg)
			tr.mu.Unlock()
		}
	}))
	t.Cleanup(tr.srv.Close)
	return tr
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http")
}

func (tr *testRelay) messages() [][]byte {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([][]byte, len(tr.received))
	copy(out, tr.received)
	return out
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		ReconnectInterval: config.Duration{Duration: 50 * time.Millisecond},
		MaxReconnectDelay: config.Duration{Duration: 200 * time.Millisecond},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendFrame(t *testing.T) {
	tr := startTestRelay(t)
	c := NewClient(tr.wsURL(), "", testBrokerConfig(), nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, c.Connected, "client never connected")

	raw := []byte{0xff, 0xd8, 0xff}
	if err := c.SendFrame("jpg", raw); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	waitFor(t, func() bool { return len(tr.messages()) > 0 }, "frame never arrived")

	var frame protocol.FrameMessage
	if err := json.Unmarshal(tr.messages()[0], &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != protocol.TypeFrame || frame.Format != "jpg" {
		t.Errorf("unexpected frame: %+v", frame)
	}
	if frame.Data != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("frame data: got %q", frame.Data)
	}
}

func TestInboundHandedToHandler(t *testing.T) {
	tr := startTestRelay(t)

	got := make(chan []byte, 1)
	c := NewClient(tr.wsURL(), "", testBrokerConfig(), func(msgType int, data []byte) {
		got <- data
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, c.Connected, "client never connected")

	input := []byte(`{"type":"mouse","action":"move","x":1,"y":2}`)
	tr.mu.Lock()
	conn := tr.conns[0]
	tr.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case msg := <-got:
		if string(msg) != string(input) {
			t.Errorf("handler payload: got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	tr := startTestRelay(t)
	c := NewClient(tr.wsURL(), "", testBrokerConfig(), nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, c.Connected, "client never connected")

	// Drop the server side of the first connection.
	tr.mu.Lock()
	_ = tr.conns[0].Close()
	tr.mu.Unlock()

	waitFor(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.conns) >= 2
	}, "client never reconnected")
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:0", "", testBrokerConfig(), nil, slog.Default())
	if err := c.SendFrame("jpg", []byte{1}); err == nil {
		t.Error("expected an error while disconnected")
	}
}
