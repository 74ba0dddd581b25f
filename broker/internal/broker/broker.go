// Package broker is the main orchestrator that ties the broker's components
// together: storage, auth, the session registry, the command mailbox, the
// WebSocket relay, and the HTTP API.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hebner-solutions/remote-support/broker/internal/api"
	"github.com/hebner-solutions/remote-support/broker/internal/auth"
	"github.com/hebner-solutions/remote-support/broker/internal/config"
	"github.com/hebner-solutions/remote-support/broker/internal/mailbox"
	"github.com/hebner-solutions/remote-support/broker/internal/registry"
	"github.com/hebner-solutions/remote-support/broker/internal/relay"
	"github.com/hebner-solutions/remote-support/broker/internal/store"
)

// Broker is the main broker process.
type Broker struct {
	cfg      *config.Config
	store    store.Store
	tokens   *auth.SessionTokens
	registry *registry.Registry
	api      *api.Server
	logger   *slog.Logger
}

// New creates a broker from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap creates the initial admin for the builtin provider.
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var agentAuth auth.AgentAuthProvider
	if aa, ok := authProvider.(auth.AgentAuthProvider); ok {
		agentAuth = aa
	}

	tokens := auth.NewSessionTokens(cfg.Session.TokenTTL.Duration)
	reg := registry.New()
	mb := mailbox.New(cfg.Session.CommandQueueLimit)

	rl := relay.New(reg, tokens, agentAuth, db, logger, relay.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxAgentBytes:  cfg.Session.MaxAgentBytes,
		MaxHelperBytes: cfg.Session.MaxHelperBytes,
	})

	apiSrv := api.NewServer(cfg, db, authProvider, agentAuth, tokens, reg, mb, rl, logger)

	b := &Broker{
		cfg:      cfg,
		store:    db,
		tokens:   tokens,
		registry: reg,
		api:      apiSrv,
		logger:   logger.With("component", "broker"),
	}

	// Startup validation warnings (only for the builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
		if len(cfg.Auth.AgentTokens) == 0 {
			logger.Warn("no agent tokens configured — any device may join the relay")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return b, nil
}

// Run starts the broker HTTP server and blocks until the context is canceled.
func (b *Broker) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.api.Routes(),
	}

	stop := make(chan struct{})
	defer close(stop)
	b.tokens.StartSweeper(b.cfg.Session.TokenSweepEvery.Duration, stop)

	b.api.StartBackgroundTasks(ctx)

	if b.cfg.Storage.AuditRetention.Duration > 0 {
		go b.runRetentionPurger(ctx, b.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker listening", "addr", b.cfg.Server.Addr)
		if b.cfg.Server.TLSCert != "" && b.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(b.cfg.Server.TLSCert, b.cfg.Server.TLSKey)
		} else {
			b.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down broker gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		b.logger.Info("closing store")
		_ = b.store.Close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = b.store.Close()
		return err
	}
}

func (b *Broker) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention)
			if n, err := b.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				b.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				b.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
