package ipc

import (
	"encoding/json"
	"time"
)

// Request is a JSON-Lines request from a tray client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is sent back to the client.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"` // "result" or "error" or "event"
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult is returned by the "status" method.
type StatusResult struct {
	DeviceID        string    `json:"device_id"`
	DeviceName      string    `json:"device_name"`
	State           string    `json:"state"`
	BrokerURL       string    `json:"broker_url"`
	BrokerReachable bool      `json:"broker_reachable"`
	Uptime          string    `json:"uptime"`
	StartedAt       time.Time `json:"started_at"`
	Version         string    `json:"version"`
}

// ConsentAnswerParams are sent with the "consent.answer" method.
type ConsentAnswerParams struct {
	SessionID string `json:"session_id"`
	Allowed   bool   `json:"allowed"`
}

// ConsentRequestEvent is pushed to the tray when the service needs consent.
type ConsentRequestEvent struct {
	SessionID string `json:"session_id"`
	Requester string `json:"requester"`
}

// SubscribeParams are sent with the "subscribe" method.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// Event wraps an event bus event for IPC transport.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventConsentRequest is the event type carrying a ConsentRequestEvent.
const EventConsentRequest = "consent.request"

// StateProvider is the interface the IPC server uses to query agent state.
type StateProvider interface {
	Status() StatusResult
}

// ConsentSink receives consent answers and transport-loss notifications.
// Implemented by the consent gateway.
type ConsentSink interface {
	Answer(sessionID string, allowed bool)
	ConnectionLost()
}
