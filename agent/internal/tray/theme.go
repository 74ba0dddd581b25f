// Package tray is the terminal tray companion for the agent service. It
// connects to the service's IPC socket, shows connection status, and prompts
// the device user when an operator asks for screen-sharing consent.
package tray

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#7C3AED") // violet
	colorAccent  = lipgloss.Color("#F59E0B") // amber

	colorSuccess = lipgloss.Color("#10B981") // emerald
	colorWarning = lipgloss.Color("#F59E0B") // amber
	colorError   = lipgloss.Color("#EF4444") // red
	colorMuted   = lipgloss.Color("#6B7280") // gray-500
	colorText    = lipgloss.Color("#E5E7EB") // gray-200
	colorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	descStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	dimmedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	consentBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(1, 2)

	headerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)

	activeDot = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Render("●")

	inactiveDot = lipgloss.NewStyle().
			Foreground(colorError).
			Render("●")

	warnDot = lipgloss.NewStyle().
			Foreground(colorWarning).
			Render("●")
)

func statusDot(connected, reachable bool) string {
	if !connected {
		return inactiveDot
	}
	if !reachable {
		return warnDot
	}
	return activeDot
}

func stateLabel(state string) string {
	switch state {
	case "in_session":
		return lipgloss.NewStyle().Foreground(colorWarning).Render("in session")
	case "online":
		return lipgloss.NewStyle().Foreground(colorSuccess).Render("online")
	default:
		return lipgloss.NewStyle().Foreground(colorMuted).Render(state)
	}
}
