package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/metadata"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/vector"
)

// testHarness bundles everything a coordinator test needs.
type testHarness struct {
	coord    *Coordinator
	registry *registry.Store
	content  *content.Store
	vectors  *vector.MemoryStore
	manager  *indexer.Manager
}

// newTestHarness wires a Coordinator against in-memory backends with the
// worker pool running.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessWithEmbedder(t, &vector.HashEmbedder{})
}

func newTestHarnessWithEmbedder(t *testing.T, emb vector.Embedder) *testHarness {
	t.Helper()
	ctx := context.Background()

	db, err := metadata.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.NewStore(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	contentStore, err := content.NewStore(db)
	if err != nil {
		t.Fatalf("new content store: %v", err)
	}
	jobs, err := indexer.NewStore(db)
	if err != nil {
		t.Fatalf("new job store: %v", err)
	}

	vectors := vector.NewMemoryStore()
	manager, err := indexer.NewManager(jobs, contentStore, vectors,
		emb, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(manager.Close)

	coord, err := New(reg, contentStore, vectors, manager, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	return &testHarness{
		coord:    coord,
		registry: reg,
		content:  contentStore,
		vectors:  vectors,
		manager:  manager,
	}
}

// awaitJob blocks until the job terminates, failing the test on error.
func (h *testHarness) awaitJob(t *testing.T, jobID string) *indexer.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.manager.Await(ctx, jobID)
	if err != nil {
		t.Fatalf("await job %s: %v", jobID, err)
	}
	return job
}

func Test_Consistency_UploadIndexesRecord(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	col, err := h.coord.CreateCollection(ctx, "brs", registry.KindDocuments, "business registration service")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if !h.vectors.HasNamespace(col.ID) {
		t.Fatal("namespace not provisioned on collection create")
	}

	rec, job, err := h.coord.UploadRecord(ctx, "brs", &content.Record{
		Kind:  content.KindDocument,
		Title: "Registration guide",
		Body:  "how to register a business in three steps",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.awaitJob(t, job.ID)

	got, err := h.content.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !got.IsIndexed {
		t.Error("record not marked indexed after upload job")
	}
	if n, _ := h.vectors.CountRecord(ctx, col.ID, rec.ID); n == 0 {
		t.Error("no chunks stored for indexed record")
	}
}

func Test_Consistency_CreateCollectionRollsBackOnNamespaceFailure(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.vectors.FailEnsure = vector.ErrUnavailable
	_, err := h.coord.CreateCollection(ctx, "brs", registry.KindDocuments, "")
	if !errors.Is(err, vector.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}

	// The half-created collection must not be resolvable.
	if _, err := h.registry.Resolve(ctx, "brs"); !errors.Is(err, registry.ErrUnknownCollection) {
		t.Errorf("registry entry not rolled back: %v", err)
	}
}

func Test_Consistency_MoveRecordBetweenCollections(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	src, err := h.coord.CreateCollection(ctx, "kfc", registry.KindDocuments, "")
	if err != nil {
		t.Fatalf("create kfc: %v", err)
	}
	dst, err := h.coord.CreateCollection(ctx, "kfcb", registry.KindDocuments, "")
	if err != nil {
		t.Fatalf("create kfcb: %v", err)
	}

	rec, job, err := h.coord.UploadRecord(ctx, "kfc", &content.Record{
		Kind: content.KindDocument, Title: "t", Body: "original body",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.awaitJob(t, job.ID)

	cur, moveJob, err := h.coord.UpdateRecord(ctx, rec.ID, "revised body", "kfcb")
	if err != nil {
		t.Fatalf("update record: %v", err)
	}
	if cur.CollectionID != dst.ID {
		t.Fatalf("record not moved: collection %q", cur.CollectionID)
	}
	h.awaitJob(t, moveJob.ID)

	if n, _ := h.vectors.CountRecord(ctx, src.ID, rec.ID); n != 0 {
		t.Errorf("old namespace still holds %d chunks after move", n)
	}
	if n, _ := h.vectors.CountRecord(ctx, dst.ID, rec.ID); n == 0 {
		t.Error("new namespace has no chunks after move")
	}

	got, err := h.content.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsIndexed {
		t.Error("moved record not reindexed")
	}
}

func Test_Consistency_DeleteRecordIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	col, err := h.coord.CreateCollection(ctx, "brs", registry.KindDocuments, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, job, err := h.coord.UploadRecord(ctx, "brs", &content.Record{
		Kind: content.KindDocument, Title: "t", Body: "b",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.awaitJob(t, job.ID)

	if err := h.coord.DeleteRecord(ctx, rec.ID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := h.coord.DeleteRecord(ctx, rec.ID); err != nil {
		t.Fatalf("repeated delete must succeed: %v", err)
	}

	if n, _ := h.vectors.CountRecord(ctx, col.ID, rec.ID); n != 0 {
		t.Errorf("chunks remain after delete: %d", n)
	}
	if _, err := h.content.Get(ctx, rec.ID); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("record row remains after delete: %v", err)
	}
}

func Test_Consistency_UnconfirmedDeleteKeepsMetadata(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.coord.CreateCollection(ctx, "brs", registry.KindDocuments, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, job, err := h.coord.UploadRecord(ctx, "brs", &content.Record{
		Kind: content.KindDocument, Title: "t", Body: "b",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.awaitJob(t, job.ID)

	h.vectors.LeaveResidue = true
	err = h.coord.DeleteRecord(ctx, rec.ID)
	if !errors.Is(err, vector.ErrDeleteUnconfirmed) {
		t.Fatalf("want ErrDeleteUnconfirmed, got %v", err)
	}

	// Metadata must be untouched so the delete can be retried.
	got, err := h.content.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("record row gone after aborted delete: %v", err)
	}
	if !got.IsIndexed {
		t.Error("indexed mark cleared despite aborted delete")
	}

	// Backend recovers; the retry completes.
	h.vectors.LeaveResidue = false
	if err := h.coord.DeleteRecord(ctx, rec.ID); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
}

func Test_Consistency_DeleteCollectionCascades(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	col, err := h.coord.CreateCollection(ctx, "odpc", registry.KindDocuments, "data protection office")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var recIDs []string
	for range 3 {
		rec, job, err := h.coord.UploadRecord(ctx, "odpc", &content.Record{
			Kind: content.KindDocument, Title: "t", Body: "complaint handling guidance",
		})
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		h.awaitJob(t, job.ID)
		recIDs = append(recIDs, rec.ID)
	}

	if err := h.coord.DeleteCollection(ctx, "odpc"); err != nil {
		t.Fatalf("delete collection: %v", err)
	}

	if h.vectors.HasNamespace(col.ID) {
		t.Error("namespace survived collection delete")
	}
	if _, err := h.registry.Resolve(ctx, "odpc"); !errors.Is(err, registry.ErrUnknownCollection) {
		t.Errorf("alias still resolves after delete: %v", err)
	}
	for _, id := range recIDs {
		rec, err := h.content.Get(ctx, id)
		if err != nil {
			t.Fatalf("get orphan: %v", err)
		}
		if rec.CollectionID != "" || rec.IsIndexed {
			t.Errorf("record %s not orphaned: collection=%q indexed=%v", id, rec.CollectionID, rec.IsIndexed)
		}
	}
}

func Test_Consistency_DeleteCollectionAbortsWhenStoreDown(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.coord.CreateCollection(ctx, "odpc", registry.KindDocuments, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, job, err := h.coord.UploadRecord(ctx, "odpc", &content.Record{
		Kind: content.KindDocument, Title: "t", Body: "b",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.awaitJob(t, job.ID)

	h.vectors.FailDrop = vector.ErrUnavailable
	if err := h.coord.DeleteCollection(ctx, "odpc"); !errors.Is(err, vector.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}

	// Nothing on the metadata side may have changed.
	if _, err := h.registry.Resolve(ctx, "odpc"); err != nil {
		t.Errorf("collection gone despite aborted delete: %v", err)
	}
	got, err := h.content.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CollectionID == "" {
		t.Error("record orphaned despite aborted delete")
	}
}

// gatedEmbedder blocks every Embed call until release is closed, so a test
// can hold an indexing worker mid-flight.
type gatedEmbedder struct {
	inner   vector.HashEmbedder
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case e.entered <- struct{}{}:
	default:
	}
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.inner.Embed(ctx, texts)
}

func Test_Consistency_DeleteDuringIndexingLeavesNoChunks(t *testing.T) {
	t.Parallel()
	emb := &gatedEmbedder{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	h := newTestHarnessWithEmbedder(t, emb)
	ctx := context.Background()

	col, err := h.coord.CreateCollection(ctx, "brs", registry.KindDocuments, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, job, err := h.coord.UploadRecord(ctx, "brs", &content.Record{
		Kind: content.KindDocument, Title: "t", Body: "body that will be deleted mid-index",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// Hold the worker inside the embedding call, then delete the record
	// while its job is mid-flight.
	select {
	case <-emb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the embedder")
	}
	if err := h.coord.DeleteRecord(ctx, rec.ID); err != nil {
		t.Fatalf("delete during indexing: %v", err)
	}

	close(emb.release)
	done := h.awaitJob(t, job.ID)
	if done.State != indexer.StateCompleted {
		t.Fatalf("job state %q after delete during indexing", done.State)
	}

	// A deleted record must end with zero chunks; a late upsert here would
	// be invisible to the sweep, which only walks existing rows.
	if n, _ := h.vectors.CountRecord(ctx, col.ID, rec.ID); n != 0 {
		t.Errorf("chunks stored for deleted record: %d", n)
	}
	if _, err := h.content.Get(ctx, rec.ID); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("record row remains after delete: %v", err)
	}
}

func Test_Consistency_SweepRepairsDrift(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	col, err := h.coord.CreateCollection(ctx, "brs", registry.KindDocuments, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, job, err := h.coord.UploadRecord(ctx, "brs", &content.Record{
		Kind: content.KindDocument, Title: "t", Body: "body text for drift test",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.awaitJob(t, job.ID)

	// Simulate drift: chunks vanish behind the coordinator's back.
	if err := h.vectors.DeleteRecord(ctx, col.ID, rec.ID); err != nil {
		t.Fatalf("inject drift: %v", err)
	}

	report, err := h.coord.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Reindexed != 1 {
		t.Fatalf("want 1 reindexed, got %+v", report)
	}

	// The sweep resubmitted the job; wait for the repair to land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.content.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.IsIndexed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep repair never reindexed the record")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n, _ := h.vectors.CountRecord(ctx, col.ID, rec.ID); n == 0 {
		t.Error("no chunks after sweep repair")
	}
}
