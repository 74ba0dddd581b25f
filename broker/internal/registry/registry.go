// Package registry tracks live relay connections and per-session traffic
// counters. Sessions are created implicitly by the first peer to join and
// their counters persist after every connection leaves; only a broker restart
// resets them.
package registry

import (
	"sort"
	"sync"

	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// Role identifies which side of a session a peer is on.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleHelper Role = "helper"
)

// Peer is a live relay connection. Send must be safe for concurrent use.
type Peer interface {
	ID() string
	Send(messageType int, data []byte) error
}

// Registry is the in-memory session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu             sync.Mutex
	agents         map[string]Peer
	helpers        map[string]Peer
	agentFrames    int64
	helperMessages int64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) getOrCreate(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{
			agents:  make(map[string]Peer),
			helpers: make(map[string]Peer),
		}
		r.sessions[sessionID] = s
	}
	return s
}

func (r *Registry) get(sessionID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Add registers a peer under the given session and role.
func (r *Registry) Add(sessionID string, role Role, p Peer) {
	s := r.getOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleAgent:
		s.agents[p.ID()] = p
	case RoleHelper:
		s.helpers[p.ID()] = p
	}
}

// Remove unregisters a peer. Removing an unknown peer or session is a no-op,
// and the session's counters are left intact.
func (r *Registry) Remove(sessionID string, role Role, peerID string) {
	s := r.get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleAgent:
		delete(s.agents, peerID)
	case RoleHelper:
		delete(s.helpers, peerID)
	}
}

// Targets returns a snapshot of the peers on the opposite side of from.
// The slice is safe to iterate without holding any registry lock.
func (r *Registry) Targets(sessionID string, from Role) []Peer {
	s := r.get(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var src map[string]Peer
	if from == RoleAgent {
		src = s.helpers
	} else {
		src = s.agents
	}
	peers := make([]Peer, 0, len(src))
	for _, p := range src {
		peers = append(peers, p)
	}
	return peers
}

// CountFrame increments the session's agent frame counter.
func (r *Registry) CountFrame(sessionID string) {
	if s := r.get(sessionID); s != nil {
		s.mu.Lock()
		s.agentFrames++
		s.mu.Unlock()
	}
}

// CountHelperMessage increments the session's helper message counter.
func (r *Registry) CountHelperMessage(sessionID string) {
	if s := r.get(sessionID); s != nil {
		s.mu.Lock()
		s.helperMessages++
		s.mu.Unlock()
	}
}

// Stats returns the counters for one session, zeros if it was never seen.
func (r *Registry) Stats(sessionID string) protocol.SessionStats {
	stats := protocol.SessionStats{SessionID: sessionID}
	if s := r.get(sessionID); s != nil {
		s.mu.Lock()
		stats.AgentFrames = s.agentFrames
		stats.HelperMessages = s.helperMessages
		s.mu.Unlock()
	}
	return stats
}

// AllStats returns counters for every session, ordered by session ID.
func (r *Registry) AllStats() []protocol.SessionStats {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	all := make([]protocol.SessionStats, 0, len(ids))
	for _, id := range ids {
		all = append(all, r.Stats(id))
	}
	return all
}
