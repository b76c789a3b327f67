// Package registry implements the authoritative collection registry.
// A collection is a named grouping of content records sharing a retrieval
// namespace. Every alias (legacy short code, canonical id, display name)
// maps to exactly one collection; the canonical id is always a valid alias
// for itself. Mutations publish a registry-changed notification consumed by
// the tool registry so the queryable tool set never goes stale.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/civiq/civiq-go/internal/logging"
)

// Kind identifies what a collection holds.
type Kind string

const (
	// KindDocuments is a collection of uploaded documents.
	KindDocuments Kind = "documents"
	// KindWebpages is a collection of crawled web pages.
	KindWebpages Kind = "webpages"
	// KindMixed holds both documents and web pages.
	KindMixed Kind = "mixed"
)

// Sentinel errors surfaced by the registry.
var (
	// ErrDuplicateAlias is returned when a create or update would bind an
	// alias that already belongs to another collection. The registry state
	// is unchanged after the failed attempt.
	ErrDuplicateAlias = errors.New("registry: alias already in use")

	// ErrUnknownCollection is returned when no collection matches the given
	// alias or id.
	ErrUnknownCollection = errors.New("registry: unknown collection")

	// ErrInconsistentState is returned when an alias resolves to more than
	// one collection. The uniqueness invariant should make this impossible;
	// seeing it means an internal bug, so it is logged loudly rather than
	// silently resolved.
	ErrInconsistentState = errors.New("registry: alias resolves to multiple collections")
)

// Collection is the authoritative record for one retrieval namespace.
type Collection struct {
	// ID is the stable, immutable collection identifier.
	ID string
	// DisplayName is the human-readable name shown to operators.
	DisplayName string
	// Description explains what the collection contains. Sent to the LLM
	// as part of the retrieval tool schema.
	Description string
	// Aliases is the full set of names that resolve to this collection,
	// including the canonical ID itself.
	Aliases []string
	// Kind identifies the content type: documents, webpages, or mixed.
	Kind Kind
	// CreatedAt is when the collection was created.
	CreatedAt time.Time
	// UpdatedAt is when the collection was last mutated.
	UpdatedAt time.Time
}

// Patch holds the mutable fields for Update. Nil fields are left unchanged.
type Patch struct {
	// DisplayName replaces the display name when non-nil.
	DisplayName *string
	// Description replaces the description when non-nil.
	Description *string
	// AddAliases binds additional aliases to the collection.
	AddAliases []string
}

// Store is the SQLite-backed collection registry.
// It is safe for concurrent use.
type Store struct {
	// db is the shared metadata database handle.
	db *sql.DB

	// mu protects listeners.
	mu sync.Mutex
	// listeners receive a synchronous registry-changed notification after
	// every successful mutation.
	listeners []func(context.Context)
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
CREATE TABLE IF NOT EXISTS collections (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    kind         TEXT NOT NULL CHECK(kind IN ('documents','webpages','mixed')),
    created_at   INTEGER NOT NULL,  -- Unix timestamp (seconds)
    updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS collection_aliases (
    alias         TEXT PRIMARY KEY,
    collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_collection_aliases_collection
    ON collection_aliases (collection_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// Subscribe registers fn to be called synchronously after every successful
// mutation (create, update, delete). Subscribers must be fast; slow work
// belongs in a goroutine on the subscriber side.
func (s *Store) Subscribe(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// notify invokes every registered listener. Called after the mutating
// transaction has committed so listeners observe the new state.
func (s *Store) notify(ctx context.Context) {
	s.mu.Lock()
	listeners := make([]func(context.Context), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}

// Create registers a new collection. The name becomes the canonical id: it
// is stable for the collection's lifetime, readable in the system prompt and
// the vector namespace, and alias uniqueness already guarantees no two
// collections share it. The id, the display name, and every extra alias are
// bound as aliases; any collision with an alias of an existing collection
// fails with ErrDuplicateAlias and leaves the registry unchanged.
func (s *Store) Create(ctx context.Context, name string, kind Kind, description string, extraAliases ...string) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("registry: create: name must not be empty")
	}
	id := name
	now := time.Now()

	aliases := dedupeAliases(append([]string{id, name}, extraAliases...))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: create: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := checkAliasesFree(ctx, tx, aliases, ""); err != nil {
		return nil, err
	}

	const insCol = `INSERT INTO collections (id, display_name, description, kind, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insCol, id, name, description, string(kind), now.Unix(), now.Unix()); err != nil {
		return nil, fmt.Errorf("registry: create: insert collection: %w", err)
	}
	if err := insertAliases(ctx, tx, id, aliases); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: create: commit: %w", err)
	}

	s.notify(ctx)

	return &Collection{
		ID:          id,
		DisplayName: name,
		Description: description,
		Aliases:     aliases,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Update applies the patch to the collection with the given id and bumps
// updated_at. Adding an alias that belongs to another collection fails with
// ErrDuplicateAlias without partial effect. Update never triggers
// reindexing — embeddings are keyed by record id, not by collection names.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Collection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: update: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cur, err := getByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if patch.DisplayName != nil {
		cur.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		cur.Description = *patch.Description
	}

	now := time.Now()
	const upd = `UPDATE collections SET display_name = ?, description = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, upd, cur.DisplayName, cur.Description, now.Unix(), id); err != nil {
		return nil, fmt.Errorf("registry: update: %w", err)
	}

	if len(patch.AddAliases) > 0 {
		add := dedupeAliases(patch.AddAliases)
		if err := checkAliasesFree(ctx, tx, add, id); err != nil {
			return nil, err
		}
		if err := insertAliases(ctx, tx, id, add); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: update: commit: %w", err)
	}

	s.notify(ctx)
	return s.Get(ctx, id)
}

// Delete removes the collection and all its aliases. Content orphaning and
// vector namespace teardown are performed by the consistency coordinator
// before this is called — the registry only owns its own rows.
// Deleting an unknown id returns ErrUnknownCollection.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: delete: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("registry: delete %q: %w", id, ErrUnknownCollection)
	}
	// Aliases cascade via the foreign key; delete explicitly anyway since
	// SQLite only enforces cascades with foreign_keys=ON.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collection_aliases WHERE collection_id = ?`, id); err != nil {
		return fmt.Errorf("registry: delete aliases: %w", err)
	}

	s.notify(ctx)
	return nil
}

// Resolve returns the collection bound to the given alias. Case-sensitive
// exact match is tried first, then a case-insensitive fallback. A fallback
// that matches more than one collection returns ErrInconsistentState.
func (s *Store) Resolve(ctx context.Context, alias string) (*Collection, error) {
	const exact = `SELECT collection_id FROM collection_aliases WHERE alias = ?`
	var id string
	err := s.db.QueryRowContext(ctx, exact, alias).Scan(&id)
	switch {
	case err == nil:
		return s.Get(ctx, id)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("registry: resolve: %w", err)
	}

	const fold = `SELECT DISTINCT collection_id FROM collection_aliases WHERE alias = ? COLLATE NOCASE`
	rows, err := s.db.QueryContext(ctx, fold, alias)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve fold: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("registry: resolve scan: %w", err)
		}
		ids = append(ids, cid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: resolve rows: %w", err)
	}

	switch len(ids) {
	case 0:
		return nil, fmt.Errorf("registry: resolve %q: %w", alias, ErrUnknownCollection)
	case 1:
		return s.Get(ctx, ids[0])
	default:
		logging.FromContext(ctx).Error("registry: alias uniqueness violated",
			slog.String("alias", alias),
			slog.Int("matches", len(ids)),
		)
		return nil, fmt.Errorf("registry: resolve %q matched %d collections: %w", alias, len(ids), ErrInconsistentState)
	}
}

// Get returns the collection with the given canonical id.
func (s *Store) Get(ctx context.Context, id string) (*Collection, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("registry: get: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only
	return getByID(ctx, tx, id)
}

// List returns all collections ordered by display name.
func (s *Store) List(ctx context.Context) ([]*Collection, error) {
	const q = `SELECT id FROM collections ORDER BY display_name ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("registry: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list rows: %w", err)
	}

	cols := make([]*Collection, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, nil
}

// getByID loads a collection and its aliases inside the given transaction.
func getByID(ctx context.Context, tx *sql.Tx, id string) (*Collection, error) {
	const q = `SELECT id, display_name, description, kind, created_at, updated_at FROM collections WHERE id = ?`
	var c Collection
	var kind string
	var created, updated int64
	err := tx.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.DisplayName, &c.Description, &kind, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("registry: get %q: %w", id, ErrUnknownCollection)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get: %w", err)
	}
	c.Kind = Kind(kind)
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updated, 0)

	const qa = `SELECT alias FROM collection_aliases WHERE collection_id = ? ORDER BY alias ASC`
	rows, err := tx.QueryContext(ctx, qa, id)
	if err != nil {
		return nil, fmt.Errorf("registry: get aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("registry: get aliases scan: %w", err)
		}
		c.Aliases = append(c.Aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: get aliases rows: %w", err)
	}
	return &c, nil
}

// checkAliasesFree fails with ErrDuplicateAlias if any alias is already
// bound to a collection other than owner. Run inside the mutating
// transaction so the check and the insert are atomic.
func checkAliasesFree(ctx context.Context, tx *sql.Tx, aliases []string, owner string) error {
	const q = `SELECT collection_id FROM collection_aliases WHERE alias = ?`
	for _, a := range aliases {
		var cid string
		err := tx.QueryRowContext(ctx, q, a).Scan(&cid)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return fmt.Errorf("registry: alias check: %w", err)
		case cid != owner:
			return fmt.Errorf("registry: alias %q: %w", a, ErrDuplicateAlias)
		}
	}
	return nil
}

// insertAliases binds aliases to the collection, skipping ones it already owns.
func insertAliases(ctx context.Context, tx *sql.Tx, id string, aliases []string) error {
	const ins = `INSERT OR IGNORE INTO collection_aliases (alias, collection_id) VALUES (?, ?)`
	for _, a := range aliases {
		if _, err := tx.ExecContext(ctx, ins, a, id); err != nil {
			return fmt.Errorf("registry: insert alias %q: %w", a, err)
		}
	}
	return nil
}

// dedupeAliases trims whitespace, drops empties, and removes duplicates
// while preserving first-seen order.
func dedupeAliases(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
