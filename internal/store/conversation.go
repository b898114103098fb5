package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateConversation creates a conversation with the given participants
// and returns its id.
func (db *DB) CreateConversation(participants ...string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO conversations (id, last_seq, updated_at) VALUES (?, 0, ?)`, id, now); err != nil {
		return "", err
	}
	for _, uid := range participants {
		if _, err := tx.Exec(`INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`, id, uid, now); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// AddParticipant adds a user to a conversation (idempotent).
func (db *DB) AddParticipant(conversationID, userID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		conversationID, userID, now)
	return err
}

// Participants returns the user ids in a conversation.
func (db *DB) Participants(conversationID string) ([]string, error) {
	rows, err := db.Query(`SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY joined_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		users = append(users, uid)
	}
	return users, rows.Err()
}

// ConversationsFor returns the conversations a user participates in,
// most recently active first.
func (db *DB) ConversationsFor(userID string) ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT c.id, c.last_seq, c.last_message_at, c.last_message_preview, c.updated_at
		FROM conversations AS c, participants AS p
		WHERE p.user_id = ? AND p.conversation_id = c.id
		ORDER BY c.last_message_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastSeq, &c.LastMessageAt, &c.LastMessagePreview, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, last_seq, last_message_at, last_message_preview, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.LastSeq, &c.LastMessageAt, &c.LastMessagePreview, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (db *DB) IsParticipant(conversationID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&n)
	return n > 0, err
}
