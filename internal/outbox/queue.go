// Package outbox is the client's durable queue of not-yet-acknowledged
// outgoing messages. An entry lives from the user's send action until
// the server acknowledges it or the user discards it; the queue is the
// single source of truth for "did my send reach the server".
package outbox

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/courier-im/courier/internal/outbox/migrations"
	"github.com/courier-im/courier/internal/status"
)

// Entry is a pending outgoing message identified by a client-assigned
// temporary id until the server assigns a real one.
type Entry struct {
	ID             string
	ConversationID string
	Body           string
	Attachment     string
	Status         status.Status
	RetryCount     int
	LastAttemptAt  int64
	NextRetryAt    int64
	LastError      string
	EnqueuedAt     int64
}

// Queue is a SQLite-backed outbox that survives process restarts.
type Queue struct {
	db *sql.DB
}

// Open opens (and migrates) the outbox database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping outbox db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends an entry with status queued and persists it
// immediately. Returns the entry carrying its temporary id.
func (q *Queue) Enqueue(conversationID, body, attachment string) (*Entry, error) {
	e := &Entry{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Body:           body,
		Attachment:     attachment,
		Status:         status.Queued,
		EnqueuedAt:     time.Now().UnixMilli(),
	}
	_, err := q.db.Exec(`
		INSERT INTO outbox (id, conversation_id, body, attachment, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.Body, e.Attachment, e.Status.String(), e.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return e, nil
}

// Dequeue removes an entry after a confirmed send or an explicit
// discard. Removing an absent entry is not an error.
func (q *Queue) Dequeue(id string) error {
	_, err := q.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// ListPending returns every entry in enqueue order. The queue holds only
// unacknowledged entries, so this is the reconnect drain list. Ordering
// is by insertion rowid; enqueued_at has only millisecond resolution and
// ties under a fast enqueue burst.
func (q *Queue) ListPending() ([]Entry, error) {
	rows, err := q.db.Query(`
		SELECT id, conversation_id, body, attachment, status, retry_count, last_attempt_at, next_retry_at, last_error, enqueued_at
		FROM outbox ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns an entry by id, or nil if absent.
func (q *Queue) Get(id string) (*Entry, error) {
	row := q.db.QueryRow(`
		SELECT id, conversation_id, body, attachment, status, retry_count, last_attempt_at, next_retry_at, last_error, enqueued_at
		FROM outbox WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetStatus records the entry's delivery status.
func (q *Queue) SetStatus(id string, s status.Status) error {
	_, err := q.db.Exec(`UPDATE outbox SET status = ? WHERE id = ?`, s.String(), id)
	return err
}

// RecordAttempt persists the retry bookkeeping computed by the
// scheduler: the new attempt count, when the attempt happened, when the
// next one may run, and the error that caused it.
func (q *Queue) RecordAttempt(id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	_, err := q.db.Exec(`
		UPDATE outbox
		SET retry_count = ?, last_attempt_at = ?, next_retry_at = ?, last_error = ?, status = ?
		WHERE id = ?`,
		retryCount, time.Now().UnixMilli(), nextRetryAt.UnixMilli(), lastErr, status.Failed.String(), id)
	return err
}

// ResetAttempts clears the retry bookkeeping for an explicit user
// resend, giving the entry a fresh retry budget.
func (q *Queue) ResetAttempts(id string) error {
	_, err := q.db.Exec(`
		UPDATE outbox
		SET retry_count = 0, next_retry_at = 0, last_error = '', status = ?
		WHERE id = ?`,
		status.Queued.String(), id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var st string
	if err := row.Scan(&e.ID, &e.ConversationID, &e.Body, &e.Attachment, &st,
		&e.RetryCount, &e.LastAttemptAt, &e.NextRetryAt, &e.LastError, &e.EnqueuedAt); err != nil {
		return nil, err
	}
	e.Status, _ = status.Parse(st)
	return &e, nil
}
