package auth

import (
	"context"

	"github.com/hebner-solutions/remote-support/broker/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	OperatorID string
	Username   string
	Role       string // "admin" or "operator"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.Operator, error)
}

// AgentAuthProvider validates per-device relay admission tokens.
type AgentAuthProvider interface {
	// ValidateAgentToken reports whether the device may join the relay.
	// When no agent tokens are configured, every device is admitted.
	ValidateAgentToken(deviceID, token string) bool
}
