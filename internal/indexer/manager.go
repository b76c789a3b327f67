package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/vector"
)

// Config holds the configuration for the indexing job manager.
type Config struct {
	// Workers is the size of the worker pool. Defaults to 4 if zero.
	Workers int

	// DocRetries is the number of embedding attempts per job before the job
	// is marked failed. Defaults to 3 if zero.
	DocRetries int

	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared between consecutive
	// chunks. Defaults to 100 if zero.
	ChunkOverlap int

	// QueueDepth is the capacity of the in-memory dispatch channel.
	// Defaults to 1024 if zero.
	QueueDepth int
}

// Manager owns the worker pool that drains the job queue. Submissions are
// durable (the Store row is the source of truth); the in-memory channel only
// dispatches ids to workers, and is refilled from the store at startup.
type Manager struct {
	// store persists job rows.
	store *Store

	// content is the authoritative record store.
	content *content.Store

	// vectors is the similarity-search backend jobs upsert into.
	vectors vector.Store

	// embedder converts chunk text into embeddings.
	embedder vector.Embedder

	// cfg holds the resolved configuration.
	cfg *Config

	// metrics holds the Prometheus instruments for this manager.
	metrics *jobMetrics

	// locks serialize per-record mutations. The consistency coordinator
	// shares this set via LockRecord, so a worker's chunk commit never
	// interleaves with a delete or move of the same record.
	locks *RecordLocks

	// queue dispatches job ids to workers.
	queue chan string

	// notify, when set, is called after every terminal state transition.
	// Used to refresh the tool registry and emit pipeline events.
	notify func(ctx context.Context, job *Job)

	// cancel stops the worker pool.
	cancel context.CancelFunc

	// wg tracks running workers.
	wg sync.WaitGroup
}

// NewManager constructs a Manager from the provided dependencies and config.
// Metrics are registered against reg.
func NewManager(store *Store, contentStore *content.Store, vectors vector.Store,
	embedder vector.Embedder, cfg *Config, reg prometheus.Registerer) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("indexer: store must not be nil")
	}
	if contentStore == nil {
		return nil, fmt.Errorf("indexer: content store must not be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("indexer: vector store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("indexer: embedder must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DocRetries <= 0 {
		cfg.DocRetries = 3
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}

	return &Manager{
		store:    store,
		content:  contentStore,
		vectors:  vectors,
		embedder: embedder,
		cfg:      cfg,
		metrics:  newJobMetrics(reg),
		locks:    NewRecordLocks(),
		queue:    make(chan string, cfg.QueueDepth),
	}, nil
}

// LockRecord acquires the record's mutation lock and returns its unlock func.
// Callers that delete or move records hold this around their own two-store
// sequence to stay serialized with the workers.
func (m *Manager) LockRecord(recordID string) (unlock func()) {
	return m.locks.Lock(recordID)
}

// SetNotify installs the terminal-state observer. Must be called before Start.
func (m *Manager) SetNotify(fn func(ctx context.Context, job *Job)) {
	m.notify = fn
}

// Start requeues jobs orphaned by a previous process, refills the dispatch
// channel from the store, and launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	log := logging.FromContext(ctx)

	orphans, err := m.store.RequeueOrphans(ctx)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		log.Warn("indexer: requeued jobs orphaned by previous process",
			slog.Int("count", len(orphans)))
	}

	queued, err := m.store.QueuedIDs(ctx)
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, id := range queued {
		select {
		case m.queue <- id:
		case <-workerCtx.Done():
			return workerCtx.Err()
		}
	}

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(workerCtx)
	}

	log.Info("indexer: worker pool started",
		slog.Int("workers", m.cfg.Workers),
		slog.Int("resumed_jobs", len(queued)))
	return nil
}

// Close stops the worker pool and waits for in-flight jobs to finish their
// current step.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Submit enqueues an indexing job for the record. A queued job for the same
// (collection, record) pair absorbs the submission and is returned as-is.
// A running job does not absorb — its worker may have read a stale body, so
// a fresh queued job is created behind it.
func (m *Manager) Submit(ctx context.Context, collectionID, recordID string) (*Job, error) {
	job, created, err := m.store.Enqueue(ctx, collectionID, recordID)
	if err != nil {
		return nil, err
	}

	if !created {
		m.metrics.jobsEnqueuedTotal.WithLabelValues("absorbed").Inc()
		return job, nil
	}
	m.metrics.jobsEnqueuedTotal.WithLabelValues("created").Inc()

	select {
	case m.queue <- job.ID:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return job, nil
}

// Cancel requests cancellation of the job. Queued jobs are cancelled
// immediately; running jobs stop at the worker's next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	return m.store.RequestCancel(ctx, id)
}

// Job returns the current state of a job.
func (m *Manager) Job(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// Jobs returns the most recently enqueued jobs, newest first.
func (m *Manager) Jobs(ctx context.Context, limit int) ([]*Job, error) {
	return m.store.ListRecent(ctx, limit)
}

// Await polls until the job reaches a terminal state or the context expires.
// It returns the terminal job; a failed job additionally yields an error
// wrapping ErrJobFailed.
func (m *Manager) Await(ctx context.Context, id string) (*Job, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			if job.State == StateFailed {
				return job, fmt.Errorf("indexer: job %s: %s: %w", job.ID, job.Error, ErrJobFailed)
			}
			return job, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// worker drains the dispatch channel until the context is cancelled.
func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.runJob(ctx, id)
		}
	}
}

// runJob processes a single job end to end: chunk and embed with retries,
// then a locked commit that clears previous chunks, upserts the new ones,
// and marks the record indexed.
func (m *Manager) runJob(ctx context.Context, id string) {
	log := logging.FromContext(ctx)

	ok, err := m.store.markRunning(ctx, id)
	if err != nil {
		log.Error("indexer: mark running", slog.String("job", id), slog.Any("error", err))
		return
	}
	if !ok {
		// Cancelled while queued, or picked up elsewhere.
		return
	}

	m.metrics.jobsActive.Inc()
	started := time.Now()
	outcome := "failed"
	defer func() {
		m.metrics.jobsActive.Dec()
		m.metrics.jobsFinishedTotal.WithLabelValues(outcome).Inc()
		m.metrics.jobDurationSeconds.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}()

	job, err := m.store.Get(ctx, id)
	if err != nil {
		log.Error("indexer: load job", slog.String("job", id), slog.Any("error", err))
		return
	}

	finish := func(state State, attempts int, errMsg string) {
		if err := m.store.finish(ctx, id, state, attempts, errMsg); err != nil {
			log.Error("indexer: finish job", slog.String("job", id), slog.Any("error", err))
			return
		}
		outcome = string(state)
		if m.notify != nil {
			if done, err := m.store.Get(ctx, id); err == nil {
				m.notify(ctx, done)
			}
		}
	}

	rec, err := m.content.Get(ctx, job.RecordID)
	if errors.Is(err, content.ErrNotFound) {
		// Record deleted between enqueue and pickup — nothing to index.
		finish(StateCompleted, 0, "")
		return
	}
	if err != nil {
		finish(StateFailed, 0, err.Error())
		return
	}
	if rec.CollectionID != job.CollectionID {
		// Record moved after enqueue; the move enqueued a fresh job for the
		// new collection, so this one is stale.
		finish(StateCancelled, 0, "record moved to another collection")
		return
	}

	if cancelled, _ := m.store.cancelRequested(ctx, id); cancelled {
		finish(StateCancelled, 0, "")
		return
	}

	chunks := buildChunks(rec.ID, rec.Title, rec.Location, rec.Body,
		m.cfg.ChunkSize, m.cfg.ChunkOverlap)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.DocRetries; attempt++ {
		if cancelled, _ := m.store.cancelRequested(ctx, id); cancelled {
			finish(StateCancelled, attempt-1, "")
			return
		}

		// Embedding is the slow part and touches neither store, so it runs
		// outside the record lock.
		embeddings, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			lastErr = fmt.Errorf("indexer: embed: %w", err)
		} else {
			lastErr = m.commitChunks(ctx, job, chunks, embeddings)
		}
		if lastErr == nil {
			finish(StateCompleted, attempt, "")
			return
		}
		if errors.Is(lastErr, errRecordGone) {
			// Deleted while the job ran; the delete already cleared the
			// chunks, so there is nothing left to do.
			finish(StateCompleted, attempt, "")
			return
		}
		if errors.Is(lastErr, errRecordMoved) {
			// The move enqueued a fresh job for the new collection.
			finish(StateCancelled, attempt, "record moved to another collection")
			return
		}

		log.Warn("indexer: attempt failed",
			slog.String("job", id),
			slog.String("record", job.RecordID),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))

		if attempt < m.cfg.DocRetries {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				finish(StateFailed, attempt, ctx.Err().Error())
				return
			}
		}
	}

	finish(StateFailed, m.cfg.DocRetries, lastErr.Error())
	log.Error("indexer: job failed after retries",
		slog.String("job", id),
		slog.String("record", job.RecordID),
		slog.Int("attempts", m.cfg.DocRetries),
		slog.Any("error", lastErr))
}

// errRecordGone and errRecordMoved short-circuit the retry loop when the
// locked commit finds the record no longer eligible for this job.
var (
	errRecordGone  = errors.New("indexer: record deleted during indexing")
	errRecordMoved = errors.New("indexer: record moved during indexing")
)

// commitChunks writes one embedding pass under the record's mutation lock.
// The record is reloaded inside the lock: a record deleted or moved since the
// job was picked up must not get chunks written on its behalf, because the
// delete or move has already cleared its old namespace and nothing would
// clean up after a late upsert.
func (m *Manager) commitChunks(ctx context.Context, job *Job, chunks []vector.Chunk, embeddings [][]float32) error {
	unlock := m.locks.Lock(job.RecordID)
	defer unlock()

	cur, err := m.content.Get(ctx, job.RecordID)
	if errors.Is(err, content.ErrNotFound) {
		return errRecordGone
	}
	if err != nil {
		return fmt.Errorf("indexer: reload record: %w", err)
	}
	if cur.CollectionID != job.CollectionID {
		return errRecordMoved
	}

	// Clear any previous chunks before upserting. An unconfirmed delete
	// aborts, since upserting on top of residue would duplicate chunks.
	if err := m.vectors.DeleteRecord(ctx, job.CollectionID, job.RecordID); err != nil {
		return err
	}
	if err := m.vectors.Upsert(ctx, job.CollectionID, chunks, embeddings); err != nil {
		return fmt.Errorf("indexer: upsert: %w", err)
	}
	if err := m.content.MarkIndexed(ctx, job.RecordID, time.Now()); err != nil {
		return err
	}
	return nil
}
