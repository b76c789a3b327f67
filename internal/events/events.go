// Package events implements the append-only event pipeline that gives
// operators a live view of what the platform is doing while a question is
// answered. Emission is ambient: components call Emit with whatever context
// they were given, and the event is recorded only when that context carries a
// session scope. Code that runs outside a session (CLI maintenance, sweeps)
// emits into the void at zero cost and zero ceremony.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/civiq/civiq-go/internal/logging"
)

// Well-known event types emitted during a chat turn.
const (
	// TypeMessageReceived marks the start of a turn.
	TypeMessageReceived = "message_received"
	// TypeAgentThinking marks a reasoning step.
	TypeAgentThinking = "agent_thinking"
	// TypeResponseGeneration marks the start of answer synthesis.
	TypeResponseGeneration = "response_generation"
	// TypeSavingMessage marks the answer being persisted to history.
	TypeSavingMessage = "saving_message"
)

// Event statuses. A step emits started when it begins and completed or
// failed when it ends; instantaneous steps emit completed only.
const (
	StatusStarted   = "started"
	StatusProgress  = "progress"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ToolEventType returns the event type for a retrieval tool invocation,
// e.g. "tool_search_documents" for the search_documents tool.
func ToolEventType(toolName string) string {
	return "tool_" + toolName
}

// Event is one recorded pipeline event.
type Event struct {
	// Seq is the monotonically increasing sequence number assigned on
	// append. Events within a session are totally ordered by Seq.
	Seq int64 `json:"seq"`
	// SessionID scopes the event to one conversation.
	SessionID string `json:"session_id"`
	// MessageID scopes the event to one turn within the conversation.
	MessageID string `json:"message_id"`
	// Type is the event type.
	Type string `json:"type"`
	// Status is the step status: started, completed, or failed.
	Status string `json:"status"`
	// Message is an optional display string for end users.
	Message string `json:"message,omitempty"`
	// Payload carries type-specific details.
	Payload map[string]any `json:"payload,omitempty"`
	// At is when the event was emitted.
	At time.Time `json:"at"`
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	// SessionID restricts to one session when non-empty.
	SessionID string
	// MessageID restricts to one turn when non-empty.
	MessageID string
	// Type restricts to one event type when non-empty.
	Type string
	// AfterSeq restricts to events with Seq greater than this value.
	AfterSeq int64
	// Limit caps the result count. Zero means 200.
	Limit int
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this drops events rather than stalling emitters.
const subscriberBuffer = 64

// Pipeline is the SQLite-backed event log with per-session live fan-out.
// It is safe for concurrent use.
type Pipeline struct {
	// db is the shared metadata database handle.
	db *sql.DB

	// mu protects subs.
	mu sync.Mutex
	// subs maps session id to the live subscriber channels for it.
	subs map[string]map[chan *Event]struct{}
}

// NewPipeline constructs a Pipeline against the shared metadata database and
// runs the schema migration.
func NewPipeline(db *sql.DB) (*Pipeline, error) {
	p := &Pipeline{
		db:   db,
		subs: make(map[string]map[chan *Event]struct{}),
	}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// migrate creates the schema if it does not already exist.
func (p *Pipeline) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    type       TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'completed',
    message    TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL   -- Unix timestamp (milliseconds)
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_session
    ON pipeline_events (session_id, seq);
`
	if _, err := p.db.Exec(ddl); err != nil {
		return fmt.Errorf("events: migrate: %w", err)
	}
	return nil
}

// Emit appends an event scoped to the session carried by ctx. Status is one
// of the Status constants; message is an optional display string for end
// users. When ctx has no session scope the call is a silent no-op. Emission
// failures are logged, never returned — observability must not break the
// operation it observes.
func (p *Pipeline) Emit(ctx context.Context, eventType, status, message string, payload map[string]any) {
	scope, ok := ScopeFromContext(ctx)
	if !ok {
		return
	}
	log := logging.FromContext(ctx)

	if status == "" {
		status = StatusCompleted
	}

	raw := []byte("{}")
	if len(payload) > 0 {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			log.Error("events: marshal payload",
				slog.String("type", eventType),
				slog.Any("error", err))
			return
		}
	}

	now := time.Now()
	const q = `INSERT INTO pipeline_events (session_id, message_id, type, status, message, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := p.db.ExecContext(ctx, q, scope.SessionID, scope.MessageID, eventType, status, message, string(raw), now.UnixMilli())
	if err != nil {
		log.Error("events: append",
			slog.String("type", eventType),
			slog.Any("error", err))
		return
	}
	seq, err := res.LastInsertId()
	if err != nil {
		log.Error("events: last insert id", slog.Any("error", err))
		return
	}

	ev := &Event{
		Seq:       seq,
		SessionID: scope.SessionID,
		MessageID: scope.MessageID,
		Type:      eventType,
		Status:    status,
		Message:   message,
		Payload:   payload,
		At:        now,
	}
	p.fanOut(ev)
}

// fanOut delivers the event to every live subscriber of its session without
// blocking. A full subscriber drops the event; Query remains the complete
// record.
func (p *Pipeline) fanOut(ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel receiving the session's events as they are
// emitted, and a cancel function that must be called when done. Events
// emitted before Subscribe are not replayed; use Query for history.
func (p *Pipeline) Subscribe(sessionID string) (<-chan *Event, func()) {
	ch := make(chan *Event, subscriberBuffer)

	p.mu.Lock()
	if p.subs[sessionID] == nil {
		p.subs[sessionID] = make(map[chan *Event]struct{})
	}
	p.subs[sessionID][ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if set, ok := p.subs[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(p.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Query returns recorded events matching the filter, in emission order.
func (p *Pipeline) Query(ctx context.Context, f Filter) ([]*Event, error) {
	q := `SELECT seq, session_id, message_id, type, status, message, payload, created_at
FROM pipeline_events WHERE seq > ?`
	args := []any{f.AfterSeq}

	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.MessageID != "" {
		q += ` AND message_id = ?`
		args = append(args, f.MessageID)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, f.Type)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	q += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var raw string
		var created int64
		if err := rows.Scan(&ev.Seq, &ev.SessionID, &ev.MessageID, &ev.Type, &ev.Status, &ev.Message, &raw, &created); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		if raw != "" && raw != "{}" {
			if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
				return nil, fmt.Errorf("events: unmarshal payload: %w", err)
			}
		}
		ev.At = time.UnixMilli(created)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: query rows: %w", err)
	}
	return out, nil
}
