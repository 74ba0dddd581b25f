package tray

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hebner-solutions/remote-support/agent/internal/ipc"
)

const (
	initialRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
	statusInterval    = 2 * time.Second
	maxLogLines       = 6
)

type consentPrompt struct {
	SessionID string
	Requester string
}

// Model is the root tray TUI model.
type Model struct {
	socketPath string
	client     *ipc.Client
	status     ipc.StatusResult

	spin       spinner.Model
	connected  bool
	retryDelay time.Duration
	lastErr    string

	// Consent prompts queue up; the head is shown to the user.
	prompts []consentPrompt
	cursor  int // 0 = allow, 1 = deny

	log      []string
	width    int
	quitting bool
}

// NewModel creates the tray model. The connection is established by Init.
func NewModel(socketPath string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	return Model{
		socketPath: socketPath,
		spin:       sp,
		retryDelay: initialRetryDelay,
	}
}

type connectedMsg struct {
	client *ipc.Client
	status ipc.StatusResult
}

type connectFailedMsg struct{ err error }

type disconnectedMsg struct{}

type retryMsg struct{}

type statusMsg struct{ status ipc.StatusResult }

type statusTickMsg struct{}

type ipcEventMsg struct{ event ipc.Event }

type answerSentMsg struct{ err error }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		status, err := client.Status()
		if err != nil {
			_ = client.Close()
			return connectFailedMsg{err: err}
		}
		if err := client.Subscribe(); err != nil {
			_ = client.Close()
			return connectFailedMsg{err: err}
		}
		return connectedMsg{client: client, status: *status}
	}
}

// waitEventCmd blocks on the next pushed event. Channel closure means the
// service went away.
func waitEventCmd(client *ipc.Client) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-client.Events()
		if !ok {
			return disconnectedMsg{}
		}
		return ipcEventMsg{event: evt}
	}
}

func refreshStatusCmd(client *ipc.Client) tea.Cmd {
	return func() tea.Msg {
		status, err := client.Status()
		if err != nil {
			return disconnectedMsg{}
		}
		return statusMsg{status: *status}
	}
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func retryCmd(delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(time.Time) tea.Msg { return retryMsg{} })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, connectCmd(m.socketPath))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case connectedMsg:
		m.client = msg.client
		m.status = msg.status
		m.connected = true
		m.retryDelay = initialRetryDelay
		m.lastErr = ""
		m.addLog("connected to agent service")
		return m, tea.Batch(waitEventCmd(m.client), statusTickCmd())

	case connectFailedMsg:
		m.lastErr = msg.err.Error()
		return m, retryCmd(m.nextRetryDelay())

	case disconnectedMsg:
		if m.connected {
			m.addLog("agent service connection lost")
		}
		m.connected = false
		m.client = nil
		m.prompts = nil
		return m, retryCmd(m.nextRetryDelay())

	case retryMsg:
		return m, connectCmd(m.socketPath)

	case statusTickMsg:
		if m.client == nil {
			return m, nil
		}
		return m, tea.Batch(refreshStatusCmd(m.client), statusTickCmd())

	case statusMsg:
		m.status = msg.status
		return m, nil

	case ipcEventMsg:
		m.handleEvent(msg.event)
		if m.client == nil {
			return m, nil
		}
		return m, waitEventCmd(m.client)

	case answerSentMsg:
		if msg.err != nil {
			m.addLog("consent answer failed: " + msg.err.Error())
		}
		return m, nil
	}

	return m, nil
}

func (m *Model) handleEvent(evt ipc.Event) {
	switch evt.Type {
	case ipc.EventConsentRequest:
		var req ipc.ConsentRequestEvent
		if json.Unmarshal(evt.Data, &req) != nil {
			return
		}
		m.prompts = append(m.prompts, consentPrompt{
			SessionID: req.SessionID,
			Requester: req.Requester,
		})
		m.cursor = 0
		m.addLog(fmt.Sprintf("consent requested by %s", req.Requester))
	default:
		m.addLog(evt.Type)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	}

	if len(m.prompts) == 0 {
		return m, nil
	}

	switch msg.String() {
	case "left", "right", "tab", "up", "down":
		m.cursor = 1 - m.cursor
		return m, nil
	case "y":
		return m.answer(true)
	case "n", "esc":
		return m.answer(false)
	case "enter":
		return m.answer(m.cursor == 0)
	}
	return m, nil
}

func (m Model) answer(allowed bool) (tea.Model, tea.Cmd) {
	prompt := m.prompts[0]
	m.prompts = m.prompts[1:]
	m.cursor = 0

	if allowed {
		m.addLog("allowed session " + prompt.SessionID)
	} else {
		m.addLog("denied session " + prompt.SessionID)
	}

	client := m.client
	if client == nil {
		return m, nil
	}
	return m, func() tea.Msg {
		return answerSentMsg{err: client.AnswerConsent(prompt.SessionID, allowed)}
	}
}

func (m *Model) addLog(line string) {
	stamped := time.Now().Format("15:04:05") + "  " + line
	m.log = append(m.log, stamped)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *Model) nextRetryDelay() time.Duration {
	d := m.retryDelay
	m.retryDelay *= 2
	if m.retryDelay > maxRetryDelay {
		m.retryDelay = maxRetryDelay
	}
	return d
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var body string
	switch {
	case !m.connected:
		body = m.connectingView()
	case len(m.prompts) > 0:
		body = m.consentView()
	default:
		body = m.idleView()
	}

	out := m.headerView() + "\n" + body

	if len(m.log) > 0 {
		out += "\n"
		for _, line := range m.log {
			out += dimmedStyle.Render("  "+line) + "\n"
		}
	}

	out += "\n" + helpStyle.Render("  q quit")
	if len(m.prompts) > 0 {
		out += helpStyle.Render(" • y allow • n deny • enter select")
	}
	return out + "\n"
}

func (m Model) headerView() string {
	name := m.status.DeviceName
	if name == "" {
		name = "this device"
	}

	dot := statusDot(m.connected, m.status.BrokerReachable)
	line := titleStyle.Render("Remote Support") + "  " +
		lipgloss.NewStyle().Foreground(colorText).Render(name) + "  " +
		dot + " " + stateLabel(m.status.State)

	width := m.width
	if width < 40 {
		width = 40
	}
	return headerBox.Width(width - 2).Render(line)
}

func (m Model) connectingView() string {
	s := "\n  " + m.spin.View() + descStyle.Render("waiting for agent service...") + "\n"
	if m.lastErr != "" {
		s += "  " + errorStyle.Render(m.lastErr) + "\n"
	}
	return s
}

func (m Model) idleView() string {
	s := "\n  " + m.spin.View() + descStyle.Render("no active support request") + "\n"
	if m.status.State == "in_session" {
		s = "\n  " + lipgloss.NewStyle().Foreground(colorWarning).Render("Screen sharing is active.") + "\n"
	}
	return s
}

func (m Model) consentView() string {
	prompt := m.prompts[0]

	allow := "  Allow  "
	deny := "  Deny  "
	if m.cursor == 0 {
		allow = selectedStyle.Render("> Allow <")
		deny = dimmedStyle.Render(deny)
	} else {
		allow = dimmedStyle.Render(allow)
		deny = selectedStyle.Render("> Deny <")
	}

	content := titleStyle.Render("Screen sharing request") + "\n\n" +
		prompt.Requester + descStyle.Render(" wants to view this screen.") + "\n" +
		dimmedStyle.Render("Session "+prompt.SessionID) + "\n\n" +
		allow + "    " + deny

	box := consentBox.Render(content)
	if n := len(m.prompts) - 1; n > 0 {
		box += "\n" + dimmedStyle.Render(fmt.Sprintf("  %d more request(s) waiting", n))
	}
	return "\n" + box + "\n"
}
