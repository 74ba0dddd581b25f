// Package mailbox queues pending commands per device until the agent's next
// poll. Delivery is FIFO and at-most-once: a polled command is removed before
// it is returned.
package mailbox

import (
	"errors"
	"sync"

	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

// ErrQueueFull is returned when a device's queue hit its limit.
var ErrQueueFull = errors.New("command queue full")

// Mailbox holds per-device FIFO command queues.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]protocol.Command
	limit  int
}

// New creates a Mailbox. limit caps the pending commands per device;
// zero or negative means unbounded.
func New(limit int) *Mailbox {
	return &Mailbox{
		queues: make(map[string][]protocol.Command),
		limit:  limit,
	}
}

// Enqueue appends a command to the device's queue.
func (m *Mailbox) Enqueue(deviceID string, cmd protocol.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && len(m.queues[deviceID]) >= m.limit {
		return ErrQueueFull
	}
	m.queues[deviceID] = append(m.queues[deviceID], cmd)
	return nil
}

// Poll removes and returns the oldest pending command for the device.
// The second return is false when the queue is empty.
func (m *Mailbox) Poll(deviceID string) (protocol.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[deviceID]
	if len(q) == 0 {
		return protocol.Command{}, false
	}
	cmd := q[0]
	if len(q) == 1 {
		delete(m.queues, deviceID)
	} else {
		m.queues[deviceID] = q[1:]
	}
	return cmd, true
}

// Pending returns how many commands are queued for the device.
func (m *Mailbox) Pending(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[deviceID])
}
