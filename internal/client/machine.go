package client

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/courier-im/courier/internal/bus"
)

// ConnState represents the transport connection state.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Connected    ConnState = "CONNECTED"
	Reconnecting ConnState = "RECONNECTING"
)

// validTransitions defines allowed connection state transitions.
var validTransitions = map[ConnState][]ConnState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current ConnState
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to ConnState) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid connection transition from %s to %s", cur, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state",
			Timestamp: time.Now(),
			Payload:   ConnChange{From: from, To: to},
		})
	}
	return nil
}

// ConnChange is the payload for connection state events.
type ConnChange struct {
	From ConnState
	To   ConnState
}
