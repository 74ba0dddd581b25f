package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hebner-solutions/remote-support/agent/internal/config"
	"github.com/hebner-solutions/remote-support/agent/internal/tray"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "support-tray",
		Short: "Support tray — consent prompt UI for the support agent",
		Long:  "Support tray connects to the local agent service and prompts the device user when an operator requests a screen-sharing session. Start it before or after the service; it reconnects on its own.",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, _ := cmd.Flags().GetString("socket")
			if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("error: %w", err)
				}
				socket = cfg.Consent.SocketPath
			}
			if socket == "" {
				socket = config.DefaultSocketPath()
			}
			return tray.Run(socket)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringP("socket", "s", "", "agent IPC socket path")
	root.Flags().StringP("config", "c", "", "agent config file to read the socket path from")
	root.Version = version

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
