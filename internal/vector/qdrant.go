package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// recordIDField is the payload field that keys every chunk to its owning
// content record. Deletes and drift counts filter on it.
const recordIDField = "record_id"

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// NamespacePrefix is prepended to every namespace to form the Qdrant
	// collection name, so multiple deployments can share a cluster
	// (default: "civiq_").
	NamespacePrefix string

	// VectorSize is the dimensionality of the embeddings stored in every
	// namespace. Must match the configured embedder.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements Store backed by a Qdrant instance, one Qdrant
// collection per namespace.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore. Namespaces are created lazily
// via EnsureNamespace as collections are registered.
func NewQdrantStore(cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = "civiq_"
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("vector: failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, cfg: cfg}, nil
}

// Client exposes the underlying Qdrant client for readiness probes.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// collectionName maps a namespace to its Qdrant collection name.
func (s *QdrantStore) collectionName(namespace string) string {
	return s.cfg.NamespacePrefix + namespace
}

// EnsureNamespace creates the backing Qdrant collection if it does not
// already exist.
func (s *QdrantStore) EnsureNamespace(ctx context.Context, namespace string) error {
	name := s.collectionName(namespace)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("vector: namespace %q existence check: %w: %v", namespace, ErrUnavailable, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vector: create namespace %q: %w: %v", namespace, ErrUnavailable, err)
	}

	return nil
}

// DropNamespace removes the backing Qdrant collection. Dropping a namespace
// that does not exist is a no-op so the operation stays idempotent.
func (s *QdrantStore) DropNamespace(ctx context.Context, namespace string) error {
	name := s.collectionName(namespace)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("vector: namespace %q existence check: %w: %v", namespace, ErrUnavailable, err)
	}
	if !exists {
		return nil
	}

	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("vector: drop namespace %q: %w: %v", namespace, ErrUnavailable, err)
	}
	return nil
}

// Upsert stores or replaces a batch of chunks with their embeddings.
// Point ids are derived deterministically from (record id, chunk index) so
// re-embedding a record overwrites its previous chunks in place.
func (s *QdrantStore) Upsert(ctx context.Context, namespace string, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("vector: upsert: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(chunkPointID(chunk.RecordID, chunk.Index)),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				recordIDField: chunk.RecordID,
				"chunk_index": int64(chunk.Index),
				"content":     chunk.Content,
				"title":       chunk.Title,
				"location":    chunk.Location,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName(namespace),
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vector: upsert into %q: %w: %v", namespace, ErrUnavailable, err)
	}

	return nil
}

// Search performs a cosine similarity search and returns the top-k results.
func (s *QdrantStore) Search(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]Hit, error) {
	limit := uint64(topK) //nolint:gosec // topK is a small positive constant
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName(namespace),
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: search %q: %w: %v", namespace, ErrUnavailable, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{Score: r.Score}
		if p := r.Payload; p != nil {
			if v, ok := p[recordIDField]; ok {
				hit.RecordID = v.GetStringValue()
			}
			if v, ok := p["content"]; ok {
				hit.Content = v.GetStringValue()
			}
			if v, ok := p["title"]; ok {
				hit.Title = v.GetStringValue()
			}
			if v, ok := p["location"]; ok {
				hit.Location = v.GetStringValue()
			}
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// DeleteRecord removes every chunk belonging to the record and verifies the
// removal with an exact count. An unconfirmed delete is returned as
// ErrDeleteUnconfirmed so callers never reindex on top of stale chunks.
func (s *QdrantStore) DeleteRecord(ctx context.Context, namespace, recordID string) error {
	name := s.collectionName(namespace)

	// A missing namespace holds no chunks — nothing to delete.
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("vector: namespace %q existence check: %w: %v", namespace, ErrUnavailable, err)
	}
	if !exists {
		return nil
	}

	filter := recordFilter(recordID)
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points:         qdrant.NewPointsSelectorFilter(filter),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vector: delete record %q from %q: %w: %v", recordID, namespace, ErrUnavailable, err)
	}

	remaining, err := s.CountRecord(ctx, namespace, recordID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return fmt.Errorf("vector: record %q in %q: %d chunks remain: %w", recordID, namespace, remaining, ErrDeleteUnconfirmed)
	}
	return nil
}

// CountRecord returns the exact number of chunks stored for the record.
func (s *QdrantStore) CountRecord(ctx context.Context, namespace, recordID string) (uint64, error) {
	name := s.collectionName(namespace)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("vector: namespace %q existence check: %w: %v", namespace, ErrUnavailable, err)
	}
	if !exists {
		return 0, nil
	}

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Filter:         recordFilter(recordID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vector: count record %q in %q: %w: %v", recordID, namespace, ErrUnavailable, err)
	}
	return count, nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// recordFilter matches every chunk owned by the record.
func recordFilter(recordID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(recordIDField, recordID),
		},
	}
}

// chunkPointID derives a stable UUID for a chunk from its record id and
// index, so re-upserting a record replaces its points instead of growing
// the namespace.
func chunkPointID(recordID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s#%d", recordID, index)).String()
}
