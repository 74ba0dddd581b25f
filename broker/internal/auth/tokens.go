package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// SessionTokens issues and validates the opaque tokens that admit helper
// connections to a relay session. Tokens are single-session: a token issued
// for one session never validates against another. Validation is strictly
// fail-closed; an unknown, mismatched, or expired token is rejected.
type SessionTokens struct {
	mu     sync.Mutex
	tokens map[string]sessionToken // token -> binding
	ttl    time.Duration
}

type sessionToken struct {
	sessionID string
	expiresAt time.Time
}

// NewSessionTokens creates a token authority with the given token lifetime.
func NewSessionTokens(ttl time.Duration) *SessionTokens {
	return &SessionTokens{
		tokens: make(map[string]sessionToken),
		ttl:    ttl,
	}
}

// Issue mints a new token bound to sessionID and returns it with its expiry.
func (st *SessionTokens) Issue(sessionID string) (string, time.Time, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	expiresAt := time.Now().Add(st.ttl)

	st.mu.Lock()
	st.tokens[token] = sessionToken{sessionID: sessionID, expiresAt: expiresAt}
	st.mu.Unlock()

	return token, expiresAt, nil
}

// Validate reports whether token admits a connection to sessionID.
func (st *SessionTokens) Validate(token, sessionID string) bool {
	if token == "" {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.tokens[token]
	if !ok {
		return false
	}
	if entry.sessionID != sessionID {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		delete(st.tokens, token)
		return false
	}
	return true
}

// Sweep removes expired tokens and returns how many were purged.
func (st *SessionTokens) Sweep() int {
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	purged := 0
	for token, entry := range st.tokens {
		if now.After(entry.expiresAt) {
			delete(st.tokens, token)
			purged++
		}
	}
	return purged
}

// StartSweeper runs Sweep on the given cadence until stop is closed.
func (st *SessionTokens) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
