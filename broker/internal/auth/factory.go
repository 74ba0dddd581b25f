package auth

import (
	"fmt"

	"github.com/hebner-solutions/remote-support/broker/internal/config"
	"github.com/hebner-solutions/remote-support/broker/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "external":
		return NewExternalProvider(cfg.ExternalIssuer, cfg.ExternalJWKS)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
