// Package content implements the authoritative store for content records —
// uploaded documents and crawled web pages. The metadata store owns these
// rows exclusively; the vector store only ever holds embeddings derived from
// them, keyed by the same record id. The is_indexed flag is the
// reconciliation marker: true means the vector store must hold at least one
// chunk for the record in its collection's namespace, false (or a deleted
// row) means it must hold none.
package content

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record matches the given id.
var ErrNotFound = errors.New("content: record not found")

// Kind identifies the origin of a content record.
type Kind string

const (
	// KindDocument is an uploaded file's extracted text.
	KindDocument Kind = "document"
	// KindWebpage is a crawled web page's extracted text.
	KindWebpage Kind = "webpage"
)

// Record is one unit of ingestible content.
type Record struct {
	// ID is the stable record identifier shared with the vector store.
	ID string
	// CollectionID is the owning collection, or empty when the record has
	// been orphaned by a collection delete.
	CollectionID string
	// Kind identifies the origin: document or webpage.
	Kind Kind
	// Title is the human-readable title used in answer citations.
	Title string
	// Location is the source URL or file path used in answer citations.
	Location string
	// Body is the extracted text that gets chunked and embedded.
	Body string
	// Fingerprint is the SHA-256 of Body, used for change detection.
	Fingerprint string
	// IsIndexed reports whether the vector store holds embeddings for this
	// record. Maintained exclusively by the consistency coordinator and the
	// indexing workers.
	IsIndexed bool
	// IndexedAt is when the record was last successfully embedded.
	// Zero when IsIndexed is false.
	IndexedAt time.Time
	// CreatedAt is when the record was first stored.
	CreatedAt time.Time
	// UpdatedAt is when the record was last mutated.
	UpdatedAt time.Time
}

// Fingerprint computes the content fingerprint for a body.
func Fingerprint(body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("%x", sum)
}

// Store is the SQLite-backed content record store.
// It is safe for concurrent use.
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
CREATE TABLE IF NOT EXISTS content_records (
    id            TEXT PRIMARY KEY,
    collection_id TEXT,              -- NULL when orphaned
    kind          TEXT NOT NULL CHECK(kind IN ('document','webpage')),
    title         TEXT NOT NULL,
    location      TEXT NOT NULL DEFAULT '',
    body          TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    is_indexed    INTEGER NOT NULL DEFAULT 0,
    indexed_at    INTEGER,           -- Unix timestamp (seconds), NULL until indexed
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_content_records_collection
    ON content_records (collection_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("content: migrate: %w", err)
	}
	return nil
}

// Insert stores a new record with is_indexed=false and a fresh fingerprint.
// The id is generated when empty so callers may supply stable external ids.
func (s *Store) Insert(ctx context.Context, rec *Record) (*Record, error) {
	if rec.Body == "" {
		return nil, fmt.Errorf("content: insert: body must not be empty")
	}
	out := *rec
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	now := time.Now()
	out.Fingerprint = Fingerprint(out.Body)
	out.IsIndexed = false
	out.IndexedAt = time.Time{}
	out.CreatedAt = now
	out.UpdatedAt = now

	const q = `INSERT INTO content_records
(id, collection_id, kind, title, location, body, fingerprint, is_indexed, indexed_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		out.ID, nullable(out.CollectionID), string(out.Kind), out.Title, out.Location,
		out.Body, out.Fingerprint, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("content: insert: %w", err)
	}
	return &out, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	const q = `SELECT id, collection_id, kind, title, location, body, fingerprint,
is_indexed, indexed_at, created_at, updated_at
FROM content_records WHERE id = ?`
	return scanRecord(s.db.QueryRowContext(ctx, q, id))
}

// UpdateBody replaces the record's body (and recomputes the fingerprint),
// optionally moves it to a new collection, and clears is_indexed. The
// previous state is returned alongside the new one so the consistency
// coordinator can clean up the old namespace.
func (s *Store) UpdateBody(ctx context.Context, id, newBody, newCollectionID string) (prev, cur *Record, err error) {
	prev, err = s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	body := prev.Body
	if newBody != "" {
		body = newBody
	}
	collection := prev.CollectionID
	if newCollectionID != "" {
		collection = newCollectionID
	}

	now := time.Now()
	const q = `UPDATE content_records
SET body = ?, fingerprint = ?, collection_id = ?, is_indexed = 0, indexed_at = NULL, updated_at = ?
WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, body, Fingerprint(body), nullable(collection), now.Unix(), id); err != nil {
		return nil, nil, fmt.Errorf("content: update body: %w", err)
	}

	cur, err = s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return prev, cur, nil
}

// MarkIndexed records a successful embedding pass for the record.
func (s *Store) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE content_records SET is_indexed = 1, indexed_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, at.Unix(), at.Unix(), id); err != nil {
		return fmt.Errorf("content: mark indexed: %w", err)
	}
	return nil
}

// ClearIndexed resets the record to the unindexed state.
func (s *Store) ClearIndexed(ctx context.Context, id string) error {
	const q = `UPDATE content_records SET is_indexed = 0, indexed_at = NULL, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("content: clear indexed: %w", err)
	}
	return nil
}

// Delete removes the record. Deleting an id that does not exist is a no-op
// so that delete stays idempotent — re-running a crashed delete must succeed.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM content_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("content: delete: %w", err)
	}
	return nil
}

// OrphanCollection nulls out collection_id (and clears is_indexed, since the
// namespace is being dropped) on every record in the collection. Returns the
// ids of the affected records.
func (s *Store) OrphanCollection(ctx context.Context, collectionID string) ([]string, error) {
	ids, err := s.idsByCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	const q = `UPDATE content_records
SET collection_id = NULL, is_indexed = 0, indexed_at = NULL, updated_at = ?
WHERE collection_id = ?`
	if _, err := s.db.ExecContext(ctx, q, time.Now().Unix(), collectionID); err != nil {
		return nil, fmt.Errorf("content: orphan collection: %w", err)
	}
	return ids, nil
}

// ListByCollection returns all records owned by the collection, oldest first.
func (s *Store) ListByCollection(ctx context.Context, collectionID string) ([]*Record, error) {
	const q = `SELECT id, collection_id, kind, title, location, body, fingerprint,
is_indexed, indexed_at, created_at, updated_at
FROM content_records WHERE collection_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, collectionID)
	if err != nil {
		return nil, fmt.Errorf("content: list: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content: list rows: %w", err)
	}
	return recs, nil
}

// ListIndexed returns every record currently marked indexed, across all
// collections. Used by the reconciliation sweep to detect drift.
func (s *Store) ListIndexed(ctx context.Context) ([]*Record, error) {
	const q = `SELECT id, collection_id, kind, title, location, body, fingerprint,
is_indexed, indexed_at, created_at, updated_at
FROM content_records WHERE is_indexed = 1 ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("content: list indexed: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content: list indexed rows: %w", err)
	}
	return recs, nil
}

// idsByCollection returns the ids of all records owned by the collection.
func (s *Store) idsByCollection(ctx context.Context, collectionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM content_records WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("content: ids by collection: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("content: ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content: ids rows: %w", err)
	}
	return ids, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord maps one row onto a Record.
func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var collection sql.NullString
	var kind string
	var indexed int
	var indexedAt sql.NullInt64
	var created, updated int64

	err := row.Scan(&r.ID, &collection, &kind, &r.Title, &r.Location, &r.Body,
		&r.Fingerprint, &indexed, &indexedAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("content: scan: %w", err)
	}

	r.CollectionID = collection.String
	r.Kind = Kind(kind)
	r.IsIndexed = indexed == 1
	if indexedAt.Valid {
		r.IndexedAt = time.Unix(indexedAt.Int64, 0)
	}
	r.CreatedAt = time.Unix(created, 0)
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}

// nullable maps an empty string to NULL for nullable TEXT columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
