package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/hebner-solutions/remote-support/agent/internal/eventbus"
)

// Server listens on a Unix socket and serves the tray process. It doubles as
// the consent gateway's transport: consent requests are pushed to every
// connected tray client, answers are routed back to the sink, and the last
// client disconnecting notifies the sink so waiters never hang.
type Server struct {
	path     string
	listener net.Listener
	provider StateProvider
	consent  ConsentSink
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	done    chan struct{}
}

// client wraps a tray connection with a write mutex; consent pushes,
// subscription events, and request responses write concurrently.
type client struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// NewServer creates an IPC server.
func NewServer(socketPath string, provider StateProvider, consent ConsentSink, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		consent:  consent,
		bus:      bus,
		logger:   logger.With("component", "ipc-server"),
		clients:  make(map[*client]struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins listening on the Unix socket. Non-blocking.
func (s *Server) Start() error {
	// Remove stale socket.
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.listener = ln

	// Set socket permissions so only the user can connect.
	_ = os.Chmod(s.path, 0600)

	go s.acceptLoop()
	s.logger.Info("IPC server listening", "path", s.path)
	return nil
}

// Close shuts down the server and all client connections.
func (s *Server) Close() error {
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	_ = os.Remove(s.path)
	return err
}

// Connected reports whether at least one tray client is attached. This is the
// consent gateway's fail-fast signal.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// SendRequest pushes a consent request to every connected tray client.
func (s *Server) SendRequest(sessionID, requester string) error {
	resp := Response{
		Type: "event",
		Data: marshalRaw(Event{
			Type: EventConsentRequest,
			Data: marshalRaw(ConsentRequestEvent{SessionID: sessionID, Requester: requester}),
		}),
	}

	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("no tray client connected")
	}

	var lastErr error
	delivered := false
	for _, c := range conns {
		if err := s.writeResponse(c, resp); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		cl := &client{conn: conn}
		s.mu.Lock()
		s.clients[cl] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("tray client connected")

		go s.handleConn(cl)
	}
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	last := len(s.clients) == 0
	s.mu.Unlock()
	_ = cl.conn.Close()

	if last && s.consent != nil {
		select {
		case <-s.done:
			// Shutdown path, the gateway is going away too.
		default:
			s.logger.Info("last tray client disconnected")
			s.consent.ConnectionLost()
		}
	}
}

func (s *Server) handleConn(cl *client) {
	defer s.removeClient(cl)

	scanner := bufio.NewScanner(cl.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.writeResponse(cl, Response{Type: "error", Data: marshalRaw(map[string]string{"error": "invalid request"})})
			continue
		}

		s.handleRequest(cl, req)
	}
}

func (s *Server) handleRequest(cl *client, req Request) {
	switch req.Method {
	case "status":
		status := s.provider.Status()
		_ = s.writeResponse(cl, Response{ID: req.ID, Type: "result", Data: marshalRaw(status)})

	case "consent.answer":
		var params ConsentAnswerParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
			_ = s.writeResponse(cl, Response{ID: req.ID, Type: "error", Data: marshalRaw(map[string]string{"error": "invalid consent answer"})})
			return
		}
		if s.consent != nil {
			s.consent.Answer(params.SessionID, params.Allowed)
		}
		_ = s.writeResponse(cl, Response{ID: req.ID, Type: "result", Data: marshalRaw(map[string]string{"status": "ok"})})

	case "subscribe":
		var params SubscribeParams
		if req.Params != nil {
			_ = json.Unmarshal(req.Params, &params)
		}
		// Streamed from a separate goroutine so the read loop keeps serving
		// consent answers on the same connection.
		_ = s.writeResponse(cl, Response{ID: req.ID, Type: "result", Data: marshalRaw(map[string]string{"status": "subscribed"})})
		go s.streamEvents(cl, params)

	default:
		_ = s.writeResponse(cl, Response{ID: req.ID, Type: "error", Data: marshalRaw(map[string]string{"error": "unknown method: " + req.Method})})
	}
}

func (s *Server) streamEvents(cl *client, params SubscribeParams) {
	ch := s.bus.Subscribe(params.Events...)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			resp := Response{
				Type: "event",
				Data: marshalRaw(Event{
					Type:      evt.Type,
					Timestamp: evt.Timestamp,
					Data:      evt.Data,
				}),
			}
			if err := s.writeResponse(cl, resp); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) writeResponse(cl *client, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := cl.write(data); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("write error", "error", err)
		}
		return err
	}
	return nil
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
