package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store implementation used in tests across
// packages. It mirrors the Qdrant semantics: deterministic point ids keyed
// by (record id, chunk index), namespace isolation, and confirmed deletes.
// Failure injection fields let tests exercise the error paths without a
// live backend.
type MemoryStore struct {
	// mu protects namespaces.
	mu sync.Mutex
	// namespaces maps namespace -> point id -> stored point.
	namespaces map[string]map[string]memPoint

	// FailEnsure, FailUpsert, FailSearch, FailDelete, FailDrop are returned
	// verbatim by the corresponding operation when non-nil.
	FailEnsure error
	FailUpsert error
	FailSearch error
	FailDelete error
	FailDrop   error

	// LeaveResidue makes DeleteRecord keep the record's chunks and report
	// ErrDeleteUnconfirmed, simulating a backend that acknowledged the
	// delete without applying it.
	LeaveResidue bool
}

// memPoint is one stored chunk with its embedding.
type memPoint struct {
	chunk     Chunk
	embedding []float32
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]memPoint)}
}

// EnsureNamespace creates the namespace if absent.
func (m *MemoryStore) EnsureNamespace(_ context.Context, namespace string) error {
	if m.FailEnsure != nil {
		return m.FailEnsure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[namespace]; !ok {
		m.namespaces[namespace] = make(map[string]memPoint)
	}
	return nil
}

// DropNamespace removes the namespace and everything in it.
func (m *MemoryStore) DropNamespace(_ context.Context, namespace string) error {
	if m.FailDrop != nil {
		return m.FailDrop
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

// HasNamespace reports whether the namespace exists. Test helper.
func (m *MemoryStore) HasNamespace(namespace string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.namespaces[namespace]
	return ok
}

// Upsert stores the chunks, overwriting points with the same derived id.
func (m *MemoryStore) Upsert(_ context.Context, namespace string, chunks []Chunk, embeddings [][]float32) error {
	if m.FailUpsert != nil {
		return m.FailUpsert
	}
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("vector: upsert: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]memPoint)
		m.namespaces[namespace] = ns
	}
	for i, c := range chunks {
		id := fmt.Sprintf("%s#%d", c.RecordID, c.Index)
		ns[id] = memPoint{chunk: c, embedding: embeddings[i]}
	}
	return nil
}

// Search returns the stored chunks ranked by cosine similarity.
func (m *MemoryStore) Search(_ context.Context, namespace string, queryEmbedding []float32, topK int) ([]Hit, error) {
	if m.FailSearch != nil {
		return nil, m.FailSearch
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespaces[namespace]
	hits := make([]Hit, 0, len(ns))
	for _, p := range ns {
		hits = append(hits, Hit{
			RecordID: p.chunk.RecordID,
			Content:  p.chunk.Content,
			Title:    p.chunk.Title,
			Location: p.chunk.Location,
			Score:    cosine(queryEmbedding, p.embedding),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteRecord removes the record's chunks, honouring the failure-injection
// fields.
func (m *MemoryStore) DeleteRecord(_ context.Context, namespace, recordID string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}
	if m.LeaveResidue {
		return fmt.Errorf("vector: record %q in %q: residue left: %w", recordID, namespace, ErrDeleteUnconfirmed)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.namespaces[namespace]
	for id, p := range ns {
		if p.chunk.RecordID == recordID {
			delete(ns, id)
		}
	}
	return nil
}

// CountRecord returns the number of chunks stored for the record.
func (m *MemoryStore) CountRecord(_ context.Context, namespace, recordID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, p := range m.namespaces[namespace] {
		if p.chunk.RecordID == recordID {
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// cosine computes the cosine similarity of two vectors.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// HashEmbedder is a deterministic Embedder for tests. It maps each token
// onto a fixed-size bucket vector, so identical texts embed identically and
// texts sharing words score higher than unrelated ones.
type HashEmbedder struct {
	// Dim is the embedding dimensionality (default: 16).
	Dim int

	// Fail is returned verbatim by Embed when non-nil.
	Fail error
}

// Embed converts texts into bucket-count vectors.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.Fail != nil {
		return nil, e.Fail
	}
	dim := e.Dim
	if dim <= 0 {
		dim = 16
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(dim)]++ //nolint:gosec // dim is small and positive
		}
		out[i] = vec
	}
	return out, nil
}
