// Package protocol defines the wire contracts exchanged between the
// remote-support components: agent service ↔ broker (HTTP heartbeat and
// command polling) and agent/helper ↔ broker (WebSocket stream messages).
//
// Stream messages are JSON objects sharing a "type" discriminator. The broker
// relay inspects only that field for per-session counters and forwards every
// payload verbatim, so the set of stream types is open on the wire.
package protocol

import "time"

// --- Stream message discriminators ---

const (
	TypeFrame             = "frame"
	TypeMouse             = "mouse"
	TypeKeyboard          = "kbd"
	TypeMonitorSelect     = "monitor_select"
	TypePermissionRequest = "permission_request"
)

// StreamEnvelope is the minimal shape common to all stream messages; the
// relay decodes only this much before forwarding.
type StreamEnvelope struct {
	Type string `json:"type"`
}

// FrameMessage carries one encoded screen frame from the agent.
type FrameMessage struct {
	Type   string `json:"type"` // TypeFrame
	Format string `json:"fmt"`  // "jpg", "png"
	Data   string `json:"data"` // base64-encoded image bytes
}

// MouseMessage carries a pointer event from the helper.
type MouseMessage struct {
	Type   string `json:"type"` // TypeMouse
	Action string `json:"action"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button string `json:"button,omitempty"`
}

// KeyMessage carries a keyboard event from the helper.
type KeyMessage struct {
	Type   string `json:"type"` // TypeKeyboard
	Action string `json:"action"`
	Code   string `json:"code"`
	Key    string `json:"key,omitempty"`
}

// MonitorSelectMessage asks the agent to switch its capture source.
type MonitorSelectMessage struct {
	Type      string `json:"type"` // TypeMonitorSelect
	MonitorID string `json:"monitor_id"`
}

// PermissionRequestMessage asks the agent for an elevated capability.
type PermissionRequestMessage struct {
	Type    string `json:"type"` // TypePermissionRequest
	Request string `json:"request"`
}

// --- Agent service ↔ broker ---

// ConnectionState describes the agent's availability.
type ConnectionState string

const (
	StateOffline   ConnectionState = "offline"
	StateOnline    ConnectionState = "online"
	StateInSession ConnectionState = "in_session"
)

// DeviceInfo identifies the machine the agent runs on.
type DeviceInfo struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	Hostname     string `json:"hostname"`
	OSVersion    string `json:"os_version"`
	AgentVersion string `json:"agent_version"`
}

// MonitorInfo describes one attached display.
type MonitorInfo struct {
	MonitorID string  `json:"monitor_id"`
	Name      string  `json:"name"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Scale     float64 `json:"scale"`
	Primary   bool    `json:"primary"`
	SortOrder int     `json:"sort_order"`
}

// Heartbeat is posted periodically by the agent service.
type Heartbeat struct {
	Device    DeviceInfo      `json:"device"`
	State     ConnectionState `json:"state"`
	Monitors  []MonitorInfo   `json:"monitors"`
	Timestamp time.Time       `json:"ts"`
}

// Command kinds delivered through the broker's command mailbox.
const (
	CmdStartAttendedSession   = "start_attended_session"
	CmdStartUnattendedSession = "start_unattended_session"
	CmdEndSession             = "end_session"
	CmdRequestConsent         = "request_consent"
	CmdSelectMonitor          = "select_monitor"
	CmdSetAllDisplaysMode     = "set_all_displays_mode"
	CmdRequestPermissions     = "request_permissions"
)

// Command is one pending instruction for a device.
type Command struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Args      map[string]string `json:"args,omitempty"`
}

// CommandAck reports the outcome of a handled command.
type CommandAck struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Result    string `json:"result,omitempty"` // "ok", "consent_denied", "unsupported", ...
}

// --- Operator API payloads ---

// SessionTokenResponse is returned by the session token issuance endpoint.
type SessionTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStats reports the relay's per-session counters.
type SessionStats struct {
	SessionID      string `json:"session_id"`
	AgentFrames    int64  `json:"agent_frames"`
	HelperMessages int64  `json:"helper_messages"`
}
