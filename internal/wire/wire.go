// Package wire defines the JSON frames exchanged over the websocket
// transport. Frames are unions: exactly one pointer field is set.
package wire

// Message is a persisted message as seen on the wire.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	Attachment     string `json:"attachment,omitempty"`
	Seq            int64  `json:"seq"`
	Status         string `json:"status"`
	StatusUpdated  int64  `json:"status_updated_at"`
	CreatedAt      int64  `json:"created_at"`
}

// Send asks the server to persist a message. ClientMsgID is the sender's
// temporary id, echoed back in the Ack so the outbox entry can be matched.
type Send struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	Attachment     string `json:"attachment,omitempty"`
}

// MarkRead asks the server to mark the conversation's backlog as read.
type MarkRead struct {
	ConversationID string `json:"conversation_id"`
}

// Subscribe registers interest in a conversation's events.
type Subscribe struct {
	ConversationID string `json:"conversation_id"`
}

// Typing is a fire-and-forget typing indicator.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

// ClientFrame is a frame sent from client to server.
type ClientFrame struct {
	Send      *Send      `json:"send,omitempty"`
	MarkRead  *MarkRead  `json:"mark_read,omitempty"`
	Subscribe *Subscribe `json:"subscribe,omitempty"`
	Typing    *Typing    `json:"typing,omitempty"`
}

// Ack confirms a Send: the entry identified by ClientMsgID is now the
// persisted Message.
type Ack struct {
	ClientMsgID string   `json:"client_msg_id"`
	Message     *Message `json:"message"`
}

// StatusUpdate reports that a message reached a new delivery status.
type StatusUpdate struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// PresenceUpdate reports a user's online transition.
type PresenceUpdate struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Error reports a request-level failure to the client.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerFrame is a frame pushed from server to client. EventID and
// OccurredAt identify the event for dedup on replay.
type ServerFrame struct {
	EventID    string          `json:"event_id,omitempty"`
	OccurredAt int64           `json:"occurred_at,omitempty"`
	Ack        *Ack            `json:"ack,omitempty"`
	Message    *Message        `json:"message,omitempty"`
	Status     *StatusUpdate   `json:"status,omitempty"`
	Presence   *PresenceUpdate `json:"presence,omitempty"`
	Typing     *Typing         `json:"typing,omitempty"`
	Error      *Error          `json:"error,omitempty"`
}

// Error codes carried in Error.Code.
const (
	CodeInvalidArgument    = "invalid_argument"
	CodeNotParticipant     = "not_participant"
	CodePersistenceFailure = "persistence_failure"
)
