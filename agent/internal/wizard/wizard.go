// Package wizard provides an interactive setup wizard for the support agent.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/pkg/cli"
)

// Wizard drives the interactive agent config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file.
func (w *Wizard) Run(outputPath string) error {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Support Agent — Configuration Wizard")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 40))
	_, _ = fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	// Broker connection.
	_, _ = fmt.Fprintln(w.p.Out, "Broker")
	cfg.Broker.URL = w.p.Ask("  Broker URL", "https://localhost:8443")
	cfg.Broker.AgentToken = w.p.Ask("  Agent token (empty if the broker requires none)", "")
	if strings.HasPrefix(cfg.Broker.URL, "https://localhost") {
		cfg.Broker.TLSSkipVerify = w.p.Confirm("  Skip TLS certificate verification? (dev only)", true)
	}
	_, _ = fmt.Fprintln(w.p.Out)

	// Device identity.
	_, _ = fmt.Fprintln(w.p.Out, "Device")
	hostname, _ := os.Hostname()
	cfg.Agent.DeviceName = w.p.Ask("  Device display name", hostname)
	_, _ = fmt.Fprintln(w.p.Out)

	// Consent behavior.
	_, _ = fmt.Fprintln(w.p.Out, "Consent")
	cfg.Consent.Unattended = !w.p.Confirm("  Ask the device user before each session?", true)
	if cfg.Consent.Unattended {
		_, _ = fmt.Fprintln(w.p.Out, "  Sessions will start without a consent prompt.")
	}
	_, _ = fmt.Fprintln(w.p.Out)

	// Output path.
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./support-agent.json")
	}

	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    support-agent run %s\n", outputPath)
	_, _ = fmt.Fprintln(w.p.Out, "    support-tray")
	_, _ = fmt.Fprintln(w.p.Out)

	return nil
}

// RunDefaults generates an agent config non-interactively from environment
// variables. Used by provisioning scripts and Docker entrypoints.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg := &config.Config{}

	cfg.Broker.URL = os.Getenv("SUPPORT_AGENT_BROKER_URL")
	if cfg.Broker.URL == "" {
		return fmt.Errorf("SUPPORT_AGENT_BROKER_URL is required")
	}
	cfg.Broker.AgentToken = os.Getenv("SUPPORT_AGENT_TOKEN")
	cfg.Agent.DeviceName = os.Getenv("SUPPORT_AGENT_DEVICE_NAME")
	cfg.Consent.Unattended = os.Getenv("SUPPORT_AGENT_UNATTENDED") == "true"

	if outputPath == "" {
		outputPath = "./support-agent.json"
	}

	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "Config generated at %s\n", outputPath)
	return nil
}

func writeConfig(cfg *config.Config, outputPath string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
