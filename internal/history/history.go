// Package history provides the SQLite-backed conversation history store.
// Each session id owns one conversation thread. Messages are persisted
// across server restarts and injected into the LLM context window on
// subsequent turns.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message sent by the end user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the retrieval agent.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	// ID is the message identifier, referenced by pipeline events.
	ID string
	// SessionID is the owning conversation.
	SessionID string
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// ConversationStore persists and retrieves conversation history keyed by
// session id. Implementations must be safe for concurrent use.
type ConversationStore interface {
	// Append persists a single message for the session and returns it with
	// its assigned id.
	Append(ctx context.Context, sessionID string, role Role, content string) (*Message, error)
	// Recent returns the most recent n messages for the session, ordered
	// oldest-first so they can be prepended to the LLM message slice
	// directly. If fewer than n messages exist, all are returned.
	Recent(ctx context.Context, sessionID string, n int) ([]Message, error)
}

// Store is a ConversationStore backed by the shared metadata database.
type Store struct {
	// db is the shared metadata database handle.
	db *sql.DB
}

// NewStore constructs a Store against the shared metadata database and runs
// the schema migration.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL CHECK(role IN ('user','assistant')),
    content    TEXT NOT NULL,
    created_at INTEGER NOT NULL  -- Unix timestamp (milliseconds)
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_session
    ON conversation_messages (session_id, seq);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Append persists a single message for the session.
func (s *Store) Append(ctx context.Context, sessionID string, role Role, content string) (*Message, error) {
	m := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	const q = `INSERT INTO conversation_messages (id, session_id, role, content, created_at)
VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, m.ID, m.SessionID, string(m.Role), m.Content, m.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("history: append: %w", err)
	}
	return m, nil
}

// Recent returns the most recent n messages for the session, ordered
// oldest-first. Uses a subquery to select the tail then re-order for
// injection. Ordering follows the insertion sequence, not created_at: both
// sides of a turn land within the same millisecond, so the timestamp alone
// cannot keep a user message ahead of its answer.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	const q = `
SELECT id, session_id, role, content, created_at FROM (
    SELECT seq, id, session_id, role, content, created_at
    FROM   conversation_messages
    WHERE  session_id = ?
    ORDER  BY seq DESC
    LIMIT  ?
) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("history: recent scan: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent rows: %w", err)
	}
	return msgs, nil
}
