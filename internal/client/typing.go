package client

import (
	"sync"
	"time"

	"github.com/courier-im/courier/internal/bus"
)

// typingTracker keeps the ephemeral "who is typing" display state. An
// indicator expires after a fixed quiet period; typing is never part of
// the durable status model.
type typingTracker struct {
	expiry time.Duration
	bus    *bus.Bus

	mu     sync.Mutex
	timers map[string]map[string]*time.Timer // conversation -> user -> expiry timer
}

// TypingEvent is the payload for typing.* bus events.
type TypingEvent struct {
	ConversationID string
	UserID         string
}

func newTypingTracker(expiry time.Duration, b *bus.Bus) *typingTracker {
	return &typingTracker{
		expiry: expiry,
		bus:    b,
		timers: make(map[string]map[string]*time.Timer),
	}
}

// touch records typing activity, starting or extending the expiry timer.
func (t *typingTracker) touch(conversationID, userID string) {
	t.mu.Lock()
	users := t.timers[conversationID]
	if users == nil {
		users = make(map[string]*time.Timer)
		t.timers[conversationID] = users
	}
	timer, known := users[userID]
	if known {
		timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}
	users[userID] = time.AfterFunc(t.expiry, func() {
		t.expire(conversationID, userID)
	})
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      "typing.started",
			Timestamp: time.Now(),
			Payload:   TypingEvent{ConversationID: conversationID, UserID: userID},
		})
	}
}

func (t *typingTracker) expire(conversationID, userID string) {
	t.mu.Lock()
	if users := t.timers[conversationID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.timers, conversationID)
		}
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      "typing.expired",
			Timestamp: time.Now(),
			Payload:   TypingEvent{ConversationID: conversationID, UserID: userID},
		})
	}
}

// active returns the users currently typing in the conversation.
func (t *typingTracker) active(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.timers[conversationID]
	out := make([]string, 0, len(users))
	for uid := range users {
		out = append(out, uid)
	}
	return out
}

// stop cancels every pending expiry.
func (t *typingTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conv, users := range t.timers {
		for uid, timer := range users {
			timer.Stop()
			delete(users, uid)
		}
		delete(t.timers, conv)
	}
}
