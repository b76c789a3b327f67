package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civiq/civiq-go/internal/consistency"
	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/embedder"
	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/history"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/metadata"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/toolreg"
	"github.com/civiq/civiq-go/internal/vector"
)

// stack bundles the storage and indexing components shared by the serve,
// ask, sweep, and collections commands.
type stack struct {
	// DB is the shared metadata database handle.
	DB *sql.DB
	// Collections is the collection registry.
	Collections *registry.Store
	// Content is the content record store.
	Content *content.Store
	// Vectors is the vector index store.
	Vectors vector.Store
	// Embedder converts text into embeddings.
	Embedder vector.Embedder
	// Jobs is the indexing job manager, already started.
	Jobs *indexer.Manager
	// Coordinator applies mutations in the consistency-preserving order.
	Coordinator *consistency.Coordinator
	// Tools is the live per-collection retrieval tool registry.
	Tools *toolreg.Registry
	// History is the conversation store.
	History *history.Store
	// Pipeline is the session event pipeline.
	Pipeline *events.Pipeline
	// Registry collects the Prometheus metrics of every component.
	Registry *prometheus.Registry

	// closers run in reverse order on Close.
	closers []func()
}

// Close releases everything the stack opened.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack wires the full storage and indexing stack from environment
// configuration. CIVIQ_METADATA_DB overrides the metadata database path; Qdrant
// connection parameters come from QDRANT_HOST, QDRANT_PORT, QDRANT_API_KEY,
// and QDRANT_TLS.
func buildStack(ctx context.Context, log *slog.Logger) (*stack, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}

	s := &stack{Registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	dbPath := os.Getenv("CIVIQ_METADATA_DB")
	if dbPath == "" {
		var err error
		dbPath, err = metadata.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("stack: resolve db path: %w", err)
		}
	}
	db, err := metadata.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("stack: open metadata db: %w", err)
	}
	s.DB = db
	s.closers = append(s.closers, func() { _ = db.Close() })
	log.Info("metadata db opened", slog.String("path", dbPath))

	if s.Collections, err = registry.NewStore(db); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	if s.Content, err = content.NewStore(db); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}

	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	s.Embedder = emb

	dims := embedder.DefaultDimensions(embedder.Backend())
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dims = n
		}
	}
	qdrantCfg := &vector.QdrantConfig{
		Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
		Port:       getEnvIntOrDefault("QDRANT_PORT", 6334),
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		VectorSize: uint64(dims), //nolint:gosec // dims is a small positive constant
	}
	vectors, err := vector.NewQdrantStore(qdrantCfg)
	if err != nil {
		return nil, fmt.Errorf("stack: connect qdrant: %w", err)
	}
	s.Vectors = vectors
	s.closers = append(s.closers, func() { _ = vectors.Close() })
	log.Info("qdrant connected",
		slog.String("host", qdrantCfg.Host),
		slog.Int("port", qdrantCfg.Port),
	)

	jobStore, err := indexer.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	manager, err := indexer.NewManager(jobStore, s.Content, vectors, emb, &indexer.Config{
		Workers:    getEnvIntOrDefault("CIVIQ_INDEX_WORKERS", 0),
		DocRetries: getEnvIntOrDefault("CIVIQ_INDEX_DOC_RETRIES", 0),
	}, s.Registry)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("stack: start indexer: %w", err)
	}
	s.Jobs = manager
	s.closers = append(s.closers, manager.Close)

	if s.Coordinator, err = consistency.New(s.Collections, s.Content, vectors, manager, s.Registry); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	if s.Tools, err = toolreg.New(ctx, s.Collections, vectors, emb, 0); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	if s.History, err = history.NewStore(db); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	if s.Pipeline, err = events.NewPipeline(db); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}

	ok = true
	return s, nil
}

// sweepInterval reads CIVIQ_SWEEP_INTERVAL_MINUTES, defaulting to 15.
func sweepInterval() time.Duration {
	return time.Duration(getEnvIntOrDefault("CIVIQ_SWEEP_INTERVAL_MINUTES", 15)) * time.Minute
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvIntOrDefault returns the integer value of the named environment
// variable, or fallback if the variable is unset, empty, or not parseable.
func getEnvIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
