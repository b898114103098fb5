package store

// Conversation groups participants around a monotonic sequence counter.
// LastSeq is advanced exactly once per persisted message and is always
// >= the seq of every message in the conversation.
type Conversation struct {
	ID                 string
	LastSeq            int64
	LastMessageAt      int64
	LastMessagePreview string
	UpdatedAt          int64
}

// Message is a persisted message. Seq orders it within its conversation
// independent of arrival time. Status holds the wire name of the
// delivery status. ClientMsgID, when non-empty, is the sender-assigned
// dedup key; a sender never gets two messages with the same one.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Body           string
	Attachment     string
	Seq            int64
	Status         string
	StatusUpdated  int64
	RetryCount     int
	CreatedAt      int64
}
