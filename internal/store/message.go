package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/courier-im/courier/internal/status"
)

// ErrConversationNotFound is returned when a message targets an unknown
// conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrSequenceConflict reports a lost race on the per-conversation
// sequence counter. It must not happen while writers are serialized; it
// is an invariant violation, not a retryable condition.
var ErrSequenceConflict = errors.New("sequence conflict")

const previewLen = 100

// CreateMessage persists a message with the conversation's next sequence
// number. The counter advance is guarded: the UPDATE only matches if
// last_seq still holds the value read inside the transaction, so a
// concurrent increment surfaces as ErrSequenceConflict instead of a
// duplicate seq. A non-empty clientMsgID is unique per sender; inserting
// the same one twice fails on the messages index and the whole
// transaction rolls back, counter advance included.
func (db *DB) CreateMessage(conversationID, senderID, clientMsgID, body, attachment string, initial status.Status) (*Message, error) {
	now := time.Now().UnixMilli()
	m := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ClientMsgID:    clientMsgID,
		Body:           body,
		Attachment:     attachment,
		Status:         initial.String(),
		StatusUpdated:  now,
		CreatedAt:      now,
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	err = tx.QueryRow(`SELECT last_seq FROM conversations WHERE id = ?`, conversationID).Scan(&lastSeq)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read last_seq: %w", err)
	}

	m.Seq = lastSeq + 1
	res, err := tx.Exec(`
		UPDATE conversations
		SET last_seq = ?, last_message_at = ?, last_message_preview = ?, updated_at = ?
		WHERE id = ? AND last_seq = ?`,
		m.Seq, now, truncate(body, previewLen), now, conversationID, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("advance last_seq: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrSequenceConflict
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, client_msg_id, body, attachment, seq, status, status_updated_at, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.ClientMsgID, m.Body, m.Attachment, m.Seq, m.Status, m.StatusUpdated, m.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// BatchTransition moves every eligible message in the conversation to
// newStatus and returns the ids of the messages changed. Messages already
// read or failed never change; extra statuses can be excluded; a read
// transition skips messages sent by actingUserID, since a user cannot
// read their own message.
func (db *DB) BatchTransition(conversationID, actingUserID string, newStatus status.Status, exclude ...status.Status) ([]string, error) {
	excluded := []string{status.Read.String(), status.Failed.String()}
	for _, s := range exclude {
		excluded = append(excluded, s.String())
	}

	query := `SELECT id FROM messages WHERE conversation_id = ? AND status NOT IN (?` +
		strings.Repeat(",?", len(excluded)-1) + `)`
	args := []any{conversationID}
	for _, s := range excluded {
		args = append(args, s)
	}
	if newStatus == status.Read {
		query += ` AND sender_id != ?`
		args = append(args, actingUserID)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET status = ?, status_updated_at = ? WHERE id = ?`,
			newStatus.String(), now, id); err != nil {
			return nil, fmt.Errorf("update message %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// AutoDeliver promotes every sent message addressed to the user (sent by
// someone else, in conversations the user participates in) to delivered.
// Returns changed message ids grouped by conversation so the caller can
// broadcast per-conversation status events.
func (db *DB) AutoDeliver(userID string) (map[string][]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT m.id, m.conversation_id
		FROM messages AS m, participants AS p
		WHERE p.user_id = ? AND p.conversation_id = m.conversation_id
		  AND m.status = ? AND m.sender_id != ?`,
		userID, status.Sent.String(), userID)
	if err != nil {
		return nil, fmt.Errorf("select sent: %w", err)
	}

	byConv := make(map[string][]string)
	var ids []string
	for rows.Next() {
		var id, conv string
		if err := rows.Scan(&id, &conv); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		byConv[conv] = append(byConv[conv], id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return byConv, tx.Commit()
	}

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET status = ?, status_updated_at = ? WHERE id = ?`,
			status.Delivered.String(), now, id); err != nil {
			return nil, fmt.Errorf("update message %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return byConv, nil
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, client_msg_id, body, attachment, seq, status, status_updated_at, retry_count, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientMsgID, &m.Body, &m.Attachment, &m.Seq, &m.Status, &m.StatusUpdated, &m.RetryCount, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByClientID returns the sender's message carrying the given
// client message id, or nil if the id was never seen. Used to detect a
// replayed send after a lost ack.
func (db *DB) GetMessageByClientID(senderID, clientMsgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, client_msg_id, body, attachment, seq, status, status_updated_at, retry_count, created_at
		FROM messages WHERE sender_id = ? AND client_msg_id = ? AND client_msg_id != ''`,
		senderID, clientMsgID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientMsgID, &m.Body, &m.Attachment, &m.Seq, &m.Status, &m.StatusUpdated, &m.RetryCount, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset
// pagination by seq, newest first. beforeSeq <= 0 starts from the head.
func (db *DB) ListMessages(conversationID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<62 - 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, client_msg_id, body, attachment, seq, status, status_updated_at, retry_count, created_at
		FROM messages
		WHERE conversation_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientMsgID, &m.Body, &m.Attachment, &m.Seq, &m.Status, &m.StatusUpdated, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadCount counts messages in the conversation the user has not read,
// excluding the user's own.
func (db *DB) UnreadCount(conversationID, userID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status NOT IN (?, ?)`,
		conversationID, userID, status.Read.String(), status.Failed.String()).Scan(&n)
	return n, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Back off to a rune boundary so the preview stays valid UTF-8.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
