package client

import (
	"sort"
	"sync"
	"time"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/wire"
)

// LocalMessage is a message as known to this session. A message starts
// pending under a client-assigned temp id and is promoted once the
// server acknowledges it with a real id and sequence number. Key()
// yields a stable identity through the promotion.
type LocalMessage struct {
	// Pending marks a message that has no server identity yet.
	Pending bool
	TempID  string

	ID  string
	Seq int64

	ConversationID string
	SenderID       string
	Body           string
	Attachment     string
	Status         status.Status
	CreatedAt      int64
}

// Key returns the identity used for status tracking: the server id once
// assigned, the temp id before that.
func (m *LocalMessage) Key() string {
	if m.Pending {
		return m.TempID
	}
	return m.ID
}

// MessageList is the session's view of known messages, indexed by server
// id and by temp id so that replayed transport events are idempotent.
type MessageList struct {
	mu      sync.RWMutex
	byID    map[string]*LocalMessage
	byTemp  map[string]*LocalMessage
	tracker *status.Tracker
	bus     *bus.Bus
}

// NewMessageList creates an empty list whose status writes go through
// the given tracker.
func NewMessageList(tracker *status.Tracker, b *bus.Bus) *MessageList {
	return &MessageList{
		byID:    make(map[string]*LocalMessage),
		byTemp:  make(map[string]*LocalMessage),
		tracker: tracker,
		bus:     b,
	}
}

// AddPending inserts the optimistic local copy of an outbox entry.
func (l *MessageList) AddPending(tempID, conversationID, senderID, body, attachment string) *LocalMessage {
	m := &LocalMessage{
		Pending:        true,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Attachment:     attachment,
		Status:         status.Queued,
		CreatedAt:      time.Now().UnixMilli(),
	}
	l.mu.Lock()
	l.byTemp[tempID] = m
	l.mu.Unlock()
	l.tracker.Observe(tempID, status.Queued)
	l.publish("message.upserted", m)
	return m
}

// Upsert merges a server message into the list by server id. A message
// already present only has its status advanced (through the gate);
// replays never duplicate or regress.
func (l *MessageList) Upsert(wm *wire.Message) *LocalMessage {
	st, _ := status.Parse(wm.Status)

	l.mu.Lock()
	if existing, ok := l.byID[wm.ID]; ok {
		l.mu.Unlock()
		l.ApplyStatus(wm.ID, st)
		return existing
	}
	m := &LocalMessage{
		ID:             wm.ID,
		Seq:            wm.Seq,
		ConversationID: wm.ConversationID,
		SenderID:       wm.SenderID,
		Body:           wm.Body,
		Attachment:     wm.Attachment,
		Status:         st,
		CreatedAt:      wm.CreatedAt,
	}
	l.byID[wm.ID] = m
	l.mu.Unlock()

	l.tracker.Observe(wm.ID, st)
	l.publish("message.upserted", m)
	return m
}

// Promote turns a pending message into a persisted one after the server
// ack. The tracker identity moves from the temp id to the server id.
func (l *MessageList) Promote(tempID string, wm *wire.Message) *LocalMessage {
	st, _ := status.Parse(wm.Status)

	l.mu.Lock()
	m, ok := l.byTemp[tempID]
	if !ok {
		l.mu.Unlock()
		return l.Upsert(wm)
	}
	delete(l.byTemp, tempID)
	m.Pending = false
	m.ID = wm.ID
	m.Seq = wm.Seq
	m.Status = st
	m.CreatedAt = wm.CreatedAt
	l.byID[wm.ID] = m
	l.mu.Unlock()

	l.tracker.Forget(tempID)
	l.tracker.Observe(wm.ID, st)
	l.publish("message.upserted", m)
	return m
}

// ApplyStatus routes a status event through the gate and, when applied,
// updates the stored copy.
func (l *MessageList) ApplyStatus(id string, st status.Status) bool {
	up := l.tracker.Update(id, st)
	if !up.Applied {
		return false
	}
	l.mu.Lock()
	if m, ok := l.byID[id]; ok {
		m.Status = up.Resulting
	} else if m, ok := l.byTemp[id]; ok {
		m.Status = up.Resulting
	}
	l.mu.Unlock()
	return true
}

// Remove drops a message (used when a pending entry is discarded).
func (l *MessageList) Remove(key string) {
	l.mu.Lock()
	delete(l.byTemp, key)
	delete(l.byID, key)
	l.mu.Unlock()
	l.tracker.Forget(key)
}

// Get returns the message under the given key (server id or temp id).
func (l *MessageList) Get(key string) *LocalMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.byID[key]; ok {
		return m
	}
	return l.byTemp[key]
}

// Conversation returns the known messages of a conversation: persisted
// ones ordered by sequence number, pending ones after them in creation
// order.
func (l *MessageList) Conversation(conversationID string) []*LocalMessage {
	l.mu.RLock()
	var persisted, pending []*LocalMessage
	for _, m := range l.byID {
		if m.ConversationID == conversationID {
			persisted = append(persisted, m)
		}
	}
	for _, m := range l.byTemp {
		if m.ConversationID == conversationID {
			pending = append(pending, m)
		}
	}
	l.mu.RUnlock()

	sort.Slice(persisted, func(i, j int) bool { return persisted[i].Seq < persisted[j].Seq })
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt < pending[j].CreatedAt })
	return append(persisted, pending...)
}

// ConversationIDs returns every conversation this session has seen.
func (l *MessageList) ConversationIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]bool)
	for _, m := range l.byID {
		seen[m.ConversationID] = true
	}
	for _, m := range l.byTemp {
		seen[m.ConversationID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *MessageList) publish(kind string, m *LocalMessage) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   m,
	})
}
