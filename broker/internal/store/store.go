// Package store defines the persistence interface for the broker and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the broker.
type Store interface {
	// Operators
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, username string) (*Operator, error)
	GetOperatorByID(ctx context.Context, id string) (*Operator, error)
	ListOperators(ctx context.Context) ([]Operator, error)

	// Devices
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	SetDeviceState(ctx context.Context, deviceID, state string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Operator represents a support operator account.
type Operator struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "operator"
	CreatedAt    time.Time `json:"created_at"`
}

// Device represents a managed machine, upserted from agent heartbeats.
type Device struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	OSVersion    string    `json:"os_version"`
	AgentVersion string    `json:"agent_version"`
	State        string    `json:"state"`    // "offline", "online", "in_session"
	Monitors     string    `json:"monitors"` // JSON-encoded []protocol.MonitorInfo
	LastSeen     time.Time `json:"last_seen"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	OperatorID string          `json:"operator_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
