// Package worker runs the agent's background loop: periodic heartbeats to
// the broker, command polling, and command dispatch. It owns the agent's
// connection state and the lifecycle of the active relay session.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hebner-solutions/remote-support/agent/internal/broker"
	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/agent/internal/consent"
	"github.com/hebner-solutions/remote-support/agent/internal/device"
	"github.com/hebner-solutions/remote-support/agent/internal/eventbus"
	"github.com/hebner-solutions/remote-support/agent/internal/ipc"
	"github.com/hebner-solutions/remote-support/agent/internal/session"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// Ack results reported back to the broker.
const (
	ResultOK             = "ok"
	ResultConsentDenied  = "consent_denied"
	ResultConsentTimeout = "consent_timeout"
	ResultUnsupported    = "unsupported"
	ResultAlreadyActive  = "already_in_session"
	ResultNoSession      = "no_active_session"
)

// Worker drives the agent service.
type Worker struct {
	cfg     *config.Config
	client  *broker.Client
	gateway *consent.Gateway
	bus     *eventbus.Bus
	info    protocol.DeviceInfo
	logger  *slog.Logger

	mu              sync.Mutex
	state           protocol.ConnectionState
	activeMonitor   string
	allDisplays     bool
	sessionID       string
	sessionClient   *session.Client
	sessionCancel   context.CancelFunc
	brokerReachable bool
	startedAt       time.Time
}

// New creates a Worker.
func New(cfg *config.Config, client *broker.Client, gateway *consent.Gateway, bus *eventbus.Bus, info protocol.DeviceInfo, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		client:    client,
		gateway:   gateway,
		bus:       bus,
		info:      info,
		logger:    logger.With("component", "worker"),
		state:     protocol.StateOnline,
		startedAt: time.Now(),
	}
}

// Run loops heartbeat and command polling until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.bus.PublishType(eventbus.AgentStarted, map[string]string{"device_id": w.info.DeviceID})

	ticker := time.NewTicker(w.cfg.Broker.HeartbeatInterval.Duration)
	defer ticker.Stop()

	// First beat immediately, then on the cadence.
	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.endSession()
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	w.heartbeat(ctx)
	w.pollCommands(ctx)
}

func (w *Worker) heartbeat(ctx context.Context) {
	hb := protocol.Heartbeat{
		Device:    w.info,
		State:     w.State(),
		Monitors:  device.Monitors(),
		Timestamp: time.Now(),
	}

	err := w.client.Heartbeat(ctx, hb)
	w.mu.Lock()
	wasReachable := w.brokerReachable
	w.brokerReachable = err == nil
	w.mu.Unlock()

	if err != nil {
		if wasReachable {
			w.logger.Warn("heartbeat failed", "error", err)
		}
		return
	}
	if !wasReachable {
		w.logger.Info("broker reachable")
	}
	w.bus.PublishType(eventbus.HeartbeatSent, map[string]string{"state": string(hb.State)})
}

// pollCommands drains every pending command for this tick.
func (w *Worker) pollCommands(ctx context.Context) {
	for {
		cmd, ok, err := w.client.NextCommand(ctx, w.info.DeviceID)
		if err != nil {
			w.logger.Warn("command poll failed", "error", err)
			return
		}
		if !ok {
			return
		}
		w.handleCommand(ctx, cmd)
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd protocol.Command) {
	w.logger.Info("command received", "type", cmd.Type, "session_id", cmd.SessionID)

	var result string
	switch cmd.Type {
	case protocol.CmdRequestConsent:
		result = w.requestConsent(ctx, cmd)
	case protocol.CmdStartAttendedSession:
		result = w.startAttended(ctx, cmd)
	case protocol.CmdStartUnattendedSession:
		result = w.startSession(ctx, cmd.SessionID)
	case protocol.CmdEndSession:
		result = w.endSession()
	case protocol.CmdSelectMonitor:
		result = w.selectMonitor(cmd.Args["monitor_id"])
	case protocol.CmdSetAllDisplaysMode:
		result = w.setAllDisplays(cmd.Args["enabled"] == "true")
	default:
		w.logger.Warn("unsupported command", "type", cmd.Type)
		result = ResultUnsupported
	}

	ack := protocol.CommandAck{
		DeviceID:  w.info.DeviceID,
		SessionID: cmd.SessionID,
		Type:      cmd.Type,
		Result:    result,
	}
	if err := w.client.Ack(ctx, ack); err != nil {
		w.logger.Warn("command ack failed", "type", cmd.Type, "error", err)
	}
}

func (w *Worker) requestConsent(ctx context.Context, cmd protocol.Command) string {
	requester := cmd.Args["requester"]
	if requester == "" {
		requester = "Support technician"
	}

	// Unattended devices (servers, kiosks) skip the prompt entirely.
	if w.cfg.Consent.Unattended {
		w.bus.PublishType(eventbus.ConsentGranted, map[string]string{"session_id": cmd.SessionID})
		return ResultOK
	}

	w.bus.PublishType(eventbus.ConsentRequired, map[string]string{
		"session_id": cmd.SessionID,
		"requester":  requester,
	})

	outcome, err := w.gateway.Request(ctx, cmd.SessionID, requester, w.cfg.Consent.RequestTimeout.Duration)
	switch {
	case errors.Is(err, consent.ErrAlreadyPending):
		return ResultConsentTimeout
	case err != nil:
		w.logger.Warn("consent request failed", "session_id", cmd.SessionID, "error", err)
		return ResultConsentTimeout
	}

	switch outcome {
	case consent.Allowed:
		w.bus.PublishType(eventbus.ConsentGranted, map[string]string{"session_id": cmd.SessionID})
		return ResultOK
	case consent.Denied:
		w.bus.PublishType(eventbus.ConsentDenied, map[string]string{"session_id": cmd.SessionID})
		return ResultConsentDenied
	default:
		return ResultConsentTimeout
	}
}

// startAttended asks for consent first; the session starts only on Allowed.
func (w *Worker) startAttended(ctx context.Context, cmd protocol.Command) string {
	if result := w.requestConsent(ctx, cmd); result != ResultOK {
		return result
	}
	return w.startSession(ctx, cmd.SessionID)
}

func (w *Worker) startSession(ctx context.Context, sessionID string) string {
	w.mu.Lock()
	if w.sessionClient != nil {
		w.mu.Unlock()
		return ResultAlreadyActive
	}

	url := w.client.SessionURL(sessionID, w.info.DeviceID)
	sc := session.NewClient(url, w.client.AgentToken(), w.cfg.Broker, w.handleStreamMessage, w.logger)
	sessionCtx, cancel := context.WithCancel(ctx)

	w.sessionClient = sc
	w.sessionCancel = cancel
	w.sessionID = sessionID
	w.state = protocol.StateInSession
	w.mu.Unlock()

	go func() {
		_ = sc.Run(sessionCtx)
	}()

	w.logger.Info("session started", "session_id", sessionID)
	w.bus.PublishType(eventbus.SessionStarted, map[string]string{"session_id": sessionID})
	return ResultOK
}

func (w *Worker) endSession() string {
	w.mu.Lock()
	if w.sessionClient == nil {
		w.mu.Unlock()
		return ResultNoSession
	}
	sessionID := w.sessionID
	cancel := w.sessionCancel
	sc := w.sessionClient

	w.sessionClient = nil
	w.sessionCancel = nil
	w.sessionID = ""
	w.state = protocol.StateOnline
	w.mu.Unlock()

	cancel()
	_ = sc.Close()

	w.logger.Info("session ended", "session_id", sessionID)
	w.bus.PublishType(eventbus.SessionEnded, map[string]string{"session_id": sessionID})
	return ResultOK
}

func (w *Worker) selectMonitor(monitorID string) string {
	if monitorID == "" {
		return ResultUnsupported
	}
	w.mu.Lock()
	w.activeMonitor = monitorID
	w.allDisplays = false
	w.mu.Unlock()

	w.logger.Info("monitor selected", "monitor_id", monitorID)
	w.bus.PublishType(eventbus.MonitorSelected, map[string]string{"monitor_id": monitorID})
	return ResultOK
}

func (w *Worker) setAllDisplays(enabled bool) string {
	w.mu.Lock()
	w.allDisplays = enabled
	w.mu.Unlock()
	return ResultOK
}

// handleStreamMessage processes messages arriving from the helper side over
// the relay. Input events are published on the bus for whatever input
// backend is attached; monitor selection is handled here.
func (w *Worker) handleStreamMessage(msgType int, data []byte) {
	var env protocol.StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeMonitorSelect:
		var msg protocol.MonitorSelectMessage
		if json.Unmarshal(data, &msg) == nil {
			w.selectMonitor(msg.MonitorID)
		}
	default:
		w.bus.Publish(eventbus.Event{Type: "stream." + env.Type, Data: data})
	}
}

// State returns the agent's connection state.
func (w *Worker) State() protocol.ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ActiveMonitor returns the selected monitor id, empty if none chosen.
func (w *Worker) ActiveMonitor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeMonitor
}

// Status implements the IPC server's state provider.
func (w *Worker) Status() ipc.StatusResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ipc.StatusResult{
		DeviceID:        w.info.DeviceID,
		DeviceName:      w.info.DeviceName,
		State:           string(w.state),
		BrokerURL:       w.cfg.Broker.URL,
		BrokerReachable: w.brokerReachable,
		Uptime:          time.Since(w.startedAt).Round(time.Second).String(),
		StartedAt:       w.startedAt,
		Version:         w.info.AgentVersion,
	}
}
