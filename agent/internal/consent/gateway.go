// Package consent bridges the privileged agent service to the interactive
// tray process for yes/no session approval. Requests are keyed by session id
// with at most one outstanding request per session; every outcome other than
// Allowed means the session must not start.
package consent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the resolution of a consent request.
type Outcome string

const (
	Allowed  Outcome = "allowed"
	Denied   Outcome = "denied"
	TimedOut Outcome = "timed_out"
)

var (
	// ErrAlreadyPending is returned when a session already has an unresolved
	// consent request. The existing request is left untouched.
	ErrAlreadyPending = errors.New("consent request already pending for session")

	// ErrChannelUnavailable is returned when no tray is connected to answer.
	ErrChannelUnavailable = errors.New("consent channel unavailable")
)

// Transport delivers consent requests to the interactive process.
type Transport interface {
	// Connected reports whether a tray client is attached.
	Connected() bool
	// SendRequest pushes a consent request to the tray.
	SendRequest(sessionID, requester string) error
}

// Gateway manages outstanding consent requests.
type Gateway struct {
	mu        sync.Mutex
	transport Transport
	pending   map[string]chan Outcome
	logger    *slog.Logger
}

// New creates a Gateway. The transport is attached later via SetTransport
// because the IPC server needs the gateway's lifecycle hooks first.
func New(logger *slog.Logger) *Gateway {
	return &Gateway{
		pending: make(map[string]chan Outcome),
		logger:  logger.With("component", "consent"),
	}
}

// SetTransport attaches the tray-facing transport.
func (g *Gateway) SetTransport(t Transport) {
	g.mu.Lock()
	g.transport = t
	g.mu.Unlock()
}

// Request asks the user for consent and blocks until the tray answers, the
// timeout elapses, or ctx is canceled. It fails fast with ErrAlreadyPending
// when the session already has an unresolved request, and with
// ErrChannelUnavailable when no tray is connected.
func (g *Gateway) Request(ctx context.Context, sessionID, requester string, timeout time.Duration) (Outcome, error) {
	g.mu.Lock()
	if g.transport == nil || !g.transport.Connected() {
		g.mu.Unlock()
		return TimedOut, ErrChannelUnavailable
	}
	if _, exists := g.pending[sessionID]; exists {
		g.mu.Unlock()
		return TimedOut, ErrAlreadyPending
	}
	ch := make(chan Outcome, 1)
	g.pending[sessionID] = ch
	transport := g.transport
	g.mu.Unlock()

	if err := transport.SendRequest(sessionID, requester); err != nil {
		g.remove(sessionID, ch)
		g.logger.Warn("consent request send failed", "session_id", sessionID, "error", err)
		return TimedOut, ErrChannelUnavailable
	}

	g.logger.Info("consent requested", "session_id", sessionID, "requester", requester)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		g.logger.Info("consent resolved", "session_id", sessionID, "outcome", outcome)
		return outcome, nil
	case <-timer.C:
		g.remove(sessionID, ch)
		g.logger.Info("consent timed out", "session_id", sessionID)
		return TimedOut, nil
	case <-ctx.Done():
		g.remove(sessionID, ch)
		return TimedOut, ctx.Err()
	}
}

// Answer resolves a pending request. Unknown session ids (already resolved,
// timed out, or never requested) are ignored.
func (g *Gateway) Answer(sessionID string, allowed bool) {
	g.mu.Lock()
	ch, ok := g.pending[sessionID]
	if ok {
		delete(g.pending, sessionID)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Debug("dropping answer for unknown consent request", "session_id", sessionID)
		return
	}

	if allowed {
		ch <- Allowed
	} else {
		ch <- Denied
	}
}

// ConnectionLost resolves every outstanding request to TimedOut. Called when
// the tray disconnects; a waiter must never hang on a channel nobody can
// answer.
func (g *Gateway) ConnectionLost() {
	g.mu.Lock()
	swept := g.pending
	g.pending = make(map[string]chan Outcome)
	g.mu.Unlock()

	for sessionID, ch := range swept {
		ch <- TimedOut
		g.logger.Warn("consent request abandoned, tray disconnected", "session_id", sessionID)
	}
}

// Pending reports how many requests are outstanding.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// remove deletes the pending entry only if it still owns ch; a concurrent
// Answer may already have claimed and removed it.
func (g *Gateway) remove(sessionID string, ch chan Outcome) {
	g.mu.Lock()
	if cur, ok := g.pending[sessionID]; ok && cur == ch {
		delete(g.pending, sessionID)
	}
	g.mu.Unlock()
}
