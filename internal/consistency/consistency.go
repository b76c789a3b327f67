// Package consistency implements the coordinator that keeps the metadata
// store and the vector store in agreement. Every mutation that touches both
// sides goes through here, in a fixed order: vector-side work that must not
// be lost happens first, metadata commits second, reindexing is enqueued
// last. A record marked indexed always has chunks in its collection's
// namespace; a record without the mark (or without a row) has none. The
// periodic sweep detects and repairs any drift that slips through.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/vector"
)

// Coordinator is the single authorized mutation path for operations spanning
// the registry, the content store, and the vector store.
type Coordinator struct {
	// registry is the authoritative collection registry.
	registry *registry.Store

	// content is the authoritative record store.
	content *content.Store

	// vectors is the similarity-search backend.
	vectors vector.Store

	// indexer enqueues re-embedding work and owns the per-record locks
	// that serialize mutations against the workers' chunk commits.
	indexer *indexer.Manager

	// metrics holds the sweep instruments.
	metrics *sweepMetrics
}

// sweepMetrics holds the Prometheus instruments for the reconciliation sweep.
type sweepMetrics struct {
	// runsTotal counts completed sweep passes.
	runsTotal prometheus.Counter

	// repairsTotal counts repairs, partitioned by drift kind:
	// "missing_chunks" (marked indexed, no chunks) or
	// "orphan_chunks" (not marked indexed, chunks present).
	repairsTotal *prometheus.CounterVec
}

// New constructs a Coordinator. Metrics are registered against reg.
func New(reg *registry.Store, contentStore *content.Store, vectors vector.Store,
	manager *indexer.Manager, promReg prometheus.Registerer) (*Coordinator, error) {
	if reg == nil {
		return nil, fmt.Errorf("consistency: registry must not be nil")
	}
	if contentStore == nil {
		return nil, fmt.Errorf("consistency: content store must not be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("consistency: vector store must not be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("consistency: indexer must not be nil")
	}

	factory := promauto.With(promReg)
	m := &sweepMetrics{
		runsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "civiq",
			Subsystem: "consistency",
			Name:      "sweep_runs_total",
			Help:      "Total number of completed reconciliation sweep passes.",
		}),
		repairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civiq",
			Subsystem: "consistency",
			Name:      "sweep_repairs_total",
			Help:      "Total number of drift repairs performed by the sweep, partitioned by drift kind.",
		}, []string{"kind"}),
	}

	return &Coordinator{
		registry: reg,
		content:  contentStore,
		vectors:  vectors,
		indexer:  manager,
		metrics:  m,
	}, nil
}

// CreateCollection registers a new collection and provisions its vector
// namespace. When the namespace cannot be provisioned the registry entry is
// rolled back so a half-created collection never becomes visible.
func (c *Coordinator) CreateCollection(ctx context.Context, name string, kind registry.Kind, description string, extraAliases ...string) (*registry.Collection, error) {
	col, err := c.registry.Create(ctx, name, kind, description, extraAliases...)
	if err != nil {
		return nil, err
	}

	if err := c.vectors.EnsureNamespace(ctx, col.ID); err != nil {
		if rbErr := c.registry.Delete(ctx, col.ID); rbErr != nil {
			logging.FromContext(ctx).Error("consistency: rollback after namespace failure",
				slog.String("collection", col.ID),
				slog.Any("error", rbErr))
		}
		return nil, fmt.Errorf("consistency: provision namespace for %q: %w", col.ID, err)
	}
	return col, nil
}

// DeleteCollection tears down a collection: the vector namespace is dropped
// first, owned records are orphaned second, the registry entry is removed
// last. An unreachable vector store aborts before any metadata changes so a
// retry starts from a clean state.
func (c *Coordinator) DeleteCollection(ctx context.Context, idOrAlias string) error {
	col, err := c.registry.Resolve(ctx, idOrAlias)
	if err != nil {
		return err
	}

	if err := c.vectors.DropNamespace(ctx, col.ID); err != nil {
		return fmt.Errorf("consistency: drop namespace for %q: %w", col.ID, err)
	}

	orphaned, err := c.content.OrphanCollection(ctx, col.ID)
	if err != nil {
		return err
	}
	if len(orphaned) > 0 {
		logging.FromContext(ctx).Info("consistency: orphaned records after collection delete",
			slog.String("collection", col.ID),
			slog.Int("count", len(orphaned)))
	}

	return c.registry.Delete(ctx, col.ID)
}

// UploadRecord stores a new record in the collection and enqueues its
// indexing job. The record is visible (unindexed) immediately; retrieval
// picks it up once the job completes.
func (c *Coordinator) UploadRecord(ctx context.Context, collectionAlias string, rec *content.Record) (*content.Record, *indexer.Job, error) {
	col, err := c.registry.Resolve(ctx, collectionAlias)
	if err != nil {
		return nil, nil, err
	}

	rec.CollectionID = col.ID
	stored, err := c.content.Insert(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	job, err := c.indexer.Submit(ctx, col.ID, stored.ID)
	if err != nil {
		return stored, nil, err
	}
	return stored, job, nil
}

// UpdateRecord replaces a record's body and/or moves it to another
// collection, then enqueues reindexing. On a move the old namespace is
// cleaned with a confirmed delete BEFORE metadata changes; an unconfirmed
// delete aborts the whole update so stale chunks can never outlive the
// record's new home.
func (c *Coordinator) UpdateRecord(ctx context.Context, recordID, newBody, newCollectionAlias string) (*content.Record, *indexer.Job, error) {
	unlock := c.indexer.LockRecord(recordID)
	defer unlock()

	prev, err := c.content.Get(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}

	targetCollection := prev.CollectionID
	if newCollectionAlias != "" {
		col, err := c.registry.Resolve(ctx, newCollectionAlias)
		if err != nil {
			return nil, nil, err
		}
		targetCollection = col.ID
	}
	if targetCollection == "" {
		return nil, nil, fmt.Errorf("consistency: record %q has no collection: %w", recordID, registry.ErrUnknownCollection)
	}

	moving := prev.CollectionID != "" && prev.CollectionID != targetCollection
	if moving {
		if err := c.vectors.DeleteRecord(ctx, prev.CollectionID, recordID); err != nil {
			return nil, nil, fmt.Errorf("consistency: clear old namespace %q: %w", prev.CollectionID, err)
		}
	}

	_, cur, err := c.content.UpdateBody(ctx, recordID, newBody, targetCollection)
	if err != nil {
		return nil, nil, err
	}

	job, err := c.indexer.Submit(ctx, targetCollection, recordID)
	if err != nil {
		return cur, nil, err
	}
	return cur, job, nil
}

// DeleteRecord removes a record from both sides: confirmed vector delete
// first, metadata row second. An unconfirmed vector delete aborts with the
// metadata intact, so the record remains visible and the delete can be
// retried. Deleting an id with no row is a no-op — the operation is
// idempotent end to end.
func (c *Coordinator) DeleteRecord(ctx context.Context, recordID string) error {
	unlock := c.indexer.LockRecord(recordID)
	defer unlock()

	rec, err := c.content.Get(ctx, recordID)
	if errors.Is(err, content.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if rec.CollectionID != "" {
		if err := c.vectors.DeleteRecord(ctx, rec.CollectionID, recordID); err != nil {
			return fmt.Errorf("consistency: delete record %q vectors: %w", recordID, err)
		}
	}

	return c.content.Delete(ctx, recordID)
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	// Checked is the number of records examined.
	Checked int
	// Reindexed is the number of records found marked indexed with no
	// chunks; each was cleared and resubmitted for indexing.
	Reindexed int
	// Purged is the number of records found with chunks but no indexed
	// mark; their chunks were removed.
	Purged int
}

// Sweep runs one reconciliation pass over every registered collection,
// comparing each record's indexed mark against the chunks actually stored.
// Drift in either direction is repaired: missing chunks trigger a reindex,
// orphan chunks are deleted.
func (c *Coordinator) Sweep(ctx context.Context) (*SweepReport, error) {
	log := logging.FromContext(ctx)
	report := &SweepReport{}

	cols, err := c.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, col := range cols {
		recs, err := c.content.ListByCollection(ctx, col.ID)
		if err != nil {
			return nil, err
		}

		for _, rec := range recs {
			report.Checked++

			count, err := c.vectors.CountRecord(ctx, col.ID, rec.ID)
			if err != nil {
				return nil, fmt.Errorf("consistency: sweep count %q: %w", rec.ID, err)
			}

			switch {
			case rec.IsIndexed && count == 0:
				log.Warn("consistency: sweep found record marked indexed with no chunks",
					slog.String("collection", col.ID),
					slog.String("record", rec.ID))
				if err := c.content.ClearIndexed(ctx, rec.ID); err != nil {
					return nil, err
				}
				if _, err := c.indexer.Submit(ctx, col.ID, rec.ID); err != nil {
					return nil, err
				}
				report.Reindexed++
				c.metrics.repairsTotal.WithLabelValues("missing_chunks").Inc()

			case !rec.IsIndexed && count > 0:
				log.Warn("consistency: sweep found chunks for unindexed record",
					slog.String("collection", col.ID),
					slog.String("record", rec.ID),
					slog.Uint64("chunks", count))
				if err := c.vectors.DeleteRecord(ctx, col.ID, rec.ID); err != nil {
					return nil, fmt.Errorf("consistency: sweep purge %q: %w", rec.ID, err)
				}
				report.Purged++
				c.metrics.repairsTotal.WithLabelValues("orphan_chunks").Inc()
			}
		}
	}

	c.metrics.runsTotal.Inc()
	return report, nil
}

// RunSweeper runs Sweep every interval until the context is cancelled.
// Intended to be launched as a goroutine from the server wiring.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	log := logging.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.Sweep(ctx)
			if err != nil {
				log.Error("consistency: sweep failed", slog.Any("error", err))
				continue
			}
			if report.Reindexed > 0 || report.Purged > 0 {
				log.Warn("consistency: sweep repaired drift",
					slog.Int("checked", report.Checked),
					slog.Int("reindexed", report.Reindexed),
					slog.Int("purged", report.Purged))
			} else {
				log.Debug("consistency: sweep clean",
					slog.Int("checked", report.Checked))
			}
		}
	}
}
