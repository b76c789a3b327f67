package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/civiq/civiq-go/internal/consistency"
	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/history"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/metadata"
	"github.com/civiq/civiq-go/internal/orchestrator"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/toolreg"
	"github.com/civiq/civiq-go/internal/vector"
)

// okHandler is a trivial downstream handler used by middleware tests.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// fakeReasoner satisfies orchestrator.Reasoner with a caller-supplied function.
type fakeReasoner struct {
	fn func(ctx context.Context, input []*schema.Message) (*schema.Message, error)
}

func (f *fakeReasoner) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	return f.fn(ctx, input)
}

// newTestServer wires a complete server over in-memory backends. The
// reasoner stands in for the LLM; pass nil for a canned reply.
func newTestServer(t *testing.T, reasoner orchestrator.Reasoner, cfg *Config) (*Server, *vector.MemoryStore) {
	t.Helper()
	return newTestServerTimeout(t, reasoner, cfg, 5*time.Second)
}

// newTestServerTimeout is newTestServer with an explicit turn timeout for
// exercising the degraded-answer path.
func newTestServerTimeout(t *testing.T, reasoner orchestrator.Reasoner, cfg *Config, turnTimeout time.Duration) (*Server, *vector.MemoryStore) {
	t.Helper()

	db, err := metadata.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	collections, err := registry.NewStore(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	contentStore, err := content.NewStore(db)
	if err != nil {
		t.Fatalf("new content store: %v", err)
	}
	vectors := vector.NewMemoryStore()
	embedder := &vector.HashEmbedder{}

	jobStore, err := indexer.NewStore(db)
	if err != nil {
		t.Fatalf("new job store: %v", err)
	}
	promReg := prometheus.NewRegistry()
	manager, err := indexer.NewManager(jobStore, contentStore, vectors, embedder, nil, promReg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(manager.Close)

	coordinator, err := consistency.New(collections, contentStore, vectors, manager, promReg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	tools, err := toolreg.New(context.Background(), collections, vectors, embedder, 0)
	if err != nil {
		t.Fatalf("new tool registry: %v", err)
	}
	hist, err := history.NewStore(db)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	pipeline, err := events.NewPipeline(db)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if reasoner == nil {
		reasoner = &fakeReasoner{fn: func(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
			return schema.AssistantMessage(`{"answer":"canned","confidence":0.5}`, nil), nil
		}}
	}
	chat, err := orchestrator.New(context.Background(), orchestrator.Config{
		Tools:       tools,
		History:     hist,
		Pipeline:    pipeline,
		Reasoner:    reasoner,
		TurnTimeout: turnTimeout,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Registry = promReg

	s, err := New(Deps{
		Chat:        chat,
		Coordinator: coordinator,
		Collections: collections,
		Jobs:        manager,
		Pipeline:    pipeline,
	}, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s, vectors
}

// awaitRecordIndexed polls until the record's chunks appear in the vector
// store or the deadline passes.
func awaitRecordIndexed(t *testing.T, vectors *vector.MemoryStore, namespace, recordID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := vectors.CountRecord(context.Background(), namespace, recordID)
		if err != nil {
			t.Fatalf("count record: %v", err)
		}
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("record %s never indexed into %s", recordID, namespace)
}
