package tray

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the tray TUI against the given IPC socket. It keeps retrying
// the connection with backoff, so it can be started before the agent
// service or survive service restarts. Blocks until the user quits.
func Run(socketPath string) error {
	p := tea.NewProgram(NewModel(socketPath))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tray UI: %w", err)
	}
	return nil
}
