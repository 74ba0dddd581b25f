package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hebner-solutions/remote-support/agent/internal/broker"
	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/agent/internal/consent"
	"github.com/hebner-solutions/remote-support/agent/internal/device"
	"github.com/hebner-solutions/remote-support/agent/internal/eventbus"
	"github.com/hebner-solutions/remote-support/agent/internal/ipc"
	"github.com/hebner-solutions/remote-support/agent/internal/worker"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the agent service (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "support-agent.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if cfg.Agent.Version == "" {
		cfg.Agent.Version = version
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(cfg.Logging, bus)

	deviceID, err := device.LoadOrCreateID(cfg.Agent.DataDir)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	info := device.Info(deviceID, cfg.Agent.DeviceName, cfg.Agent.Version)

	client := broker.NewClient(cfg.Broker)
	gateway := consent.New(logger)
	w := worker.New(cfg, client, gateway, bus, info, logger)

	// The IPC server doubles as the consent transport: prompts go to the
	// tray, answers come back to the gateway.
	srv := ipc.NewServer(cfg.Consent.SocketPath, w, gateway, bus, logger)
	gateway.SetTransport(srv)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("support agent starting",
		"version", version,
		"device_id", deviceID,
		"broker", cfg.Broker.URL,
		"socket", cfg.Consent.SocketPath)

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent stopped")
	return nil
}

// newLogger builds the slog logger and bridges records onto the event bus so
// the tray can stream them.
func newLogger(cfg config.LoggingConfig, bus *eventbus.Bus) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(eventbus.NewSlogHandler(handler, bus))
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
