// Package vector defines the interface to the similarity-search backend and
// its Qdrant implementation. Each collection in the registry owns one
// namespace; embeddings are keyed by content record id so a record's chunks
// can always be removed or replaced as a unit. The metadata store remains
// authoritative — this package only ever holds derived data.
package vector

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by vector store implementations.
var (
	// ErrUnavailable is returned when the backend cannot be reached or a
	// call fails at the transport level.
	ErrUnavailable = errors.New("vector: store unavailable")

	// ErrDeleteUnconfirmed is returned when a delete completed but residual
	// chunks for the record were still observed afterwards. Callers must
	// treat this as fatal for the enclosing mutation — reindexing on top of
	// an unconfirmed delete would produce duplicate embeddings.
	ErrDeleteUnconfirmed = errors.New("vector: delete not confirmed")
)

// Chunk is one embeddable slice of a content record.
type Chunk struct {
	// RecordID is the owning content record id.
	RecordID string
	// Index is the zero-based position of this chunk within the record.
	Index int
	// Content is the chunk text.
	Content string
	// Title is the owning record's title, denormalised for citations.
	Title string
	// Location is the owning record's URL or file path, denormalised for
	// citations.
	Location string
}

// Hit is one similarity-search result.
type Hit struct {
	// RecordID is the content record the matched chunk belongs to.
	RecordID string
	// Content is the matched chunk text.
	Content string
	// Title is the owning record's title.
	Title string
	// Location is the owning record's URL or file path.
	Location string
	// Score is the similarity score assigned by the backend (0.0–1.0 for
	// cosine distance).
	Score float32
}

// Store is the interface for the per-namespace similarity-search backend.
// Implementations must be safe to call from multiple goroutines.
type Store interface {
	// EnsureNamespace creates the namespace if it does not already exist.
	EnsureNamespace(ctx context.Context, namespace string) error

	// DropNamespace removes the namespace and everything in it as a single
	// operation. Dropping a namespace that does not exist is a no-op.
	DropNamespace(ctx context.Context, namespace string) error

	// Upsert stores or replaces a batch of chunks with their pre-computed
	// embeddings. The embeddings slice is parallel to chunks. Chunk point
	// ids are deterministic, so re-upserting the same record overwrites
	// rather than duplicates.
	Upsert(ctx context.Context, namespace string, chunks []Chunk, embeddings [][]float32) error

	// Search returns the top-k most similar chunks for the query embedding.
	Search(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]Hit, error)

	// DeleteRecord removes every chunk belonging to the record from the
	// namespace and verifies the removal, returning ErrDeleteUnconfirmed if
	// residual chunks remain. Deleting a record with no chunks is a no-op.
	DeleteRecord(ctx context.Context, namespace, recordID string) error

	// CountRecord returns the number of chunks stored for the record.
	// Used by the reconciliation sweep to detect drift.
	CountRecord(ctx context.Context, namespace, recordID string) (uint64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
