package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/metrics"
)

// ErrInvalidTransition is returned when an update would move a message
// backwards in the delivery order. It indicates an ordering bug in the
// caller, never a transient condition; it must not be retried.
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

// Update is the result of a gated status update.
type Update struct {
	Applied   bool
	Resulting Status
}

// Tracker is the single gate through which every status write goes.
// Concurrent writers for the same message are serialized here, so a
// delivered event racing a read event can never regress visible state.
type Tracker struct {
	mu      sync.Mutex
	current map[string]Status
	bus     *bus.Bus
}

// NewTracker creates a tracker. The bus is optional; when set, applied
// updates publish a "status.changed" event.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		current: make(map[string]Status),
		bus:     b,
	}
}

// Observe records the current status of a message without transition
// checks. Used when a message is first loaded or upserted from the server.
func (t *Tracker) Observe(id string, s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[id] = s
}

// Current returns the tracked status of a message.
func (t *Tracker) Current(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.current[id]
	return s, ok
}

// Update attempts to move the message to next. The transition rule is
// evaluated and applied under one lock so the final status of any race is
// the highest rank ever applied, with Failed as the only escape hatch.
// Rejected updates leave state unchanged and report the status that won.
func (t *Tracker) Update(id string, next Status) Update {
	t.mu.Lock()
	cur, ok := t.current[id]
	if !ok {
		cur = Queued
	}
	if !CanProgress(cur, next) {
		t.mu.Unlock()
		metrics.InvalidTransitions.Inc()
		return Update{Applied: false, Resulting: cur}
	}
	t.current[id] = next
	t.mu.Unlock()

	if t.bus != nil && cur != next {
		t.bus.Publish(bus.Event{
			Kind:      "status.changed",
			Timestamp: time.Now(),
			Payload:   Change{MessageID: id, From: cur, To: next},
		})
	}
	return Update{Applied: true, Resulting: next}
}

// Retry applies the explicit Failed -> Sending reset. It is the only way
// out of Failed.
func (t *Tracker) Retry(id string) (Update, error) {
	t.mu.Lock()
	cur, ok := t.current[id]
	if !ok || cur != Failed {
		t.mu.Unlock()
		return Update{Applied: false, Resulting: cur}, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, cur)
	}
	t.current[id] = Sending
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      "status.changed",
			Timestamp: time.Now(),
			Payload:   Change{MessageID: id, From: Failed, To: Sending},
		})
	}
	return Update{Applied: true, Resulting: Sending}, nil
}

// Forget drops a message from the tracker, used when an outbox entry is
// discarded.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.current, id)
}

// Change is the payload for status change events.
type Change struct {
	MessageID string
	From      Status
	To        Status
}
