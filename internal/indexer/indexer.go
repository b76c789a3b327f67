// Package indexer implements the indexing job manager: a SQLite-backed job
// queue with a bounded worker pool that chunks, embeds, and upserts content
// records into the vector store. Jobs are deduplicated by (collection id,
// record id) while queued, so resubmitting a record that is already waiting
// is absorbed instead of doubling the work.
package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrJobFailed is returned by Wait-style callers and wrapped into the job's
// stored error when a job exhausts its retries.
var ErrJobFailed = errors.New("indexer: job failed")

// ErrJobNotFound is returned when no job matches the given id.
var ErrJobNotFound = errors.New("indexer: job not found")

// State is the lifecycle state of an indexing job.
type State string

const (
	// StateQueued means the job is waiting for a worker.
	StateQueued State = "queued"
	// StateRunning means a worker is processing the job.
	StateRunning State = "running"
	// StateCompleted means the record was embedded and marked indexed.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its retries. The record stays
	// unindexed; resubmission is a manual operation.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before completing.
	StateCancelled State = "cancelled"
)

// Job is one unit of indexing work: re-embed a single content record into its
// collection's namespace.
type Job struct {
	// ID is the job identifier.
	ID string
	// CollectionID is the namespace the record is embedded into.
	CollectionID string
	// RecordID is the content record to index.
	RecordID string
	// State is the current lifecycle state.
	State State
	// Attempts is the number of embedding attempts made so far.
	Attempts int
	// Error holds the final failure message when State is failed.
	Error string
	// EnqueuedAt is when the job was accepted.
	EnqueuedAt time.Time
	// StartedAt is when a worker picked the job up. Zero while queued.
	StartedAt time.Time
	// FinishedAt is when the job reached a terminal state. Zero until then.
	FinishedAt time.Time
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed || j.State == StateCancelled
}

// Store is the SQLite-backed job store. It is safe for concurrent use.
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
CREATE TABLE IF NOT EXISTS indexing_jobs (
    id               TEXT PRIMARY KEY,
    collection_id    TEXT NOT NULL,
    record_id        TEXT NOT NULL,
    state            TEXT NOT NULL CHECK(state IN ('queued','running','completed','failed','cancelled')),
    attempts         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    enqueued_at      INTEGER NOT NULL,
    started_at       INTEGER,
    finished_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_indexing_jobs_state
    ON indexing_jobs (state);
CREATE INDEX IF NOT EXISTS idx_indexing_jobs_target
    ON indexing_jobs (collection_id, record_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("indexer: migrate: %w", err)
	}
	return nil
}

// Enqueue records a new queued job for the (collection, record) pair. When a
// queued job for the same pair already exists it is returned unchanged with
// created=false — the resubmission is absorbed. Running jobs do NOT absorb:
// a worker may already have read a stale body, so a fresh queued job is
// created behind it.
func (s *Store) Enqueue(ctx context.Context, collectionID, recordID string) (job *Job, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("indexer: enqueue: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const dupQ = `SELECT id FROM indexing_jobs
WHERE collection_id = ? AND record_id = ? AND state = 'queued' LIMIT 1`
	var existingID string
	err = tx.QueryRowContext(ctx, dupQ, collectionID, recordID).Scan(&existingID)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("indexer: enqueue: commit: %w", err)
		}
		existing, err := s.Get(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("indexer: enqueue: dedupe check: %w", err)
	}

	now := time.Now()
	j := &Job{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		RecordID:     recordID,
		State:        StateQueued,
		EnqueuedAt:   now,
	}
	const insQ = `INSERT INTO indexing_jobs
(id, collection_id, record_id, state, attempts, error, cancel_requested, enqueued_at)
VALUES (?, ?, ?, 'queued', 0, '', 0, ?)`
	if _, err := tx.ExecContext(ctx, insQ, j.ID, j.CollectionID, j.RecordID, now.Unix()); err != nil {
		return nil, false, fmt.Errorf("indexer: enqueue: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("indexer: enqueue: commit: %w", err)
	}
	return j, true, nil
}

// Get returns the job with the given id, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	const q = `SELECT id, collection_id, record_id, state, attempts, error,
enqueued_at, started_at, finished_at
FROM indexing_jobs WHERE id = ?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// ListRecent returns the most recently enqueued jobs, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, collection_id, record_id, state, attempts, error,
enqueued_at, started_at, finished_at
FROM indexing_jobs ORDER BY enqueued_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("indexer: list recent: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("indexer: list recent rows: %w", err)
	}
	return jobs, nil
}

// RequestCancel flags the job for cancellation. A queued job is cancelled
// immediately; a running job is cancelled at the worker's next checkpoint.
// Cancelling a terminal job is a no-op.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	now := time.Now()
	const q = `UPDATE indexing_jobs
SET cancel_requested = 1,
    state = CASE WHEN state = 'queued' THEN 'cancelled' ELSE state END,
    finished_at = CASE WHEN state = 'queued' THEN ? ELSE finished_at END
WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("indexer: request cancel: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrJobNotFound
	}
	return s.Get(ctx, id)
}

// cancelRequested reports whether cancellation was requested for the job.
func (s *Store) cancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM indexing_jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("indexer: cancel check: %w", err)
	}
	return flag == 1, nil
}

// markRunning transitions a queued job to running. It returns false when the
// job is no longer queued (already cancelled or picked up elsewhere).
func (s *Store) markRunning(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE indexing_jobs SET state = 'running', started_at = ?
WHERE id = ? AND state = 'queued'`
	res, err := s.db.ExecContext(ctx, q, time.Now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("indexer: mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("indexer: mark running: %w", err)
	}
	return n == 1, nil
}

// finish moves the job into a terminal state and records the attempt count
// and failure message.
func (s *Store) finish(ctx context.Context, id string, state State, attempts int, errMsg string) error {
	const q = `UPDATE indexing_jobs
SET state = ?, attempts = ?, error = ?, finished_at = ?
WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(state), attempts, errMsg, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("indexer: finish: %w", err)
	}
	return nil
}

// RequeueOrphans moves jobs stuck in running back to queued and returns their
// ids. Called once at startup: a running row with no live worker means the
// previous process died mid-job.
func (s *Store) RequeueOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM indexing_jobs WHERE state = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("indexer: requeue orphans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("indexer: requeue orphans scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("indexer: requeue orphans rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `UPDATE indexing_jobs SET state = 'queued', started_at = NULL
WHERE state = 'running'`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return nil, fmt.Errorf("indexer: requeue orphans update: %w", err)
	}
	return ids, nil
}

// QueuedIDs returns the ids of all queued jobs, oldest first. Used at startup
// to refill the in-memory dispatch channel.
func (s *Store) QueuedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM indexing_jobs WHERE state = 'queued' ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("indexer: queued ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("indexer: queued ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("indexer: queued ids rows: %w", err)
	}
	return ids, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob maps one row onto a Job.
func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state string
	var enqueued int64
	var started, finished sql.NullInt64

	err := row.Scan(&j.ID, &j.CollectionID, &j.RecordID, &state, &j.Attempts,
		&j.Error, &enqueued, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("indexer: scan: %w", err)
	}

	j.State = State(state)
	j.EnqueuedAt = time.Unix(enqueued, 0)
	if started.Valid {
		j.StartedAt = time.Unix(started.Int64, 0)
	}
	if finished.Valid {
		j.FinishedAt = time.Unix(finished.Int64, 0)
	}
	return &j, nil
}
