// Package toolreg maintains the live set of retrieval tools, one per
// registered collection. The set is held as an immutable snapshot behind an
// atomic pointer: readers resolve tools lock-free against a complete,
// consistent view, and every registry mutation swaps in a freshly built
// snapshot. A reader never observes a half-updated tool set.
package toolreg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/vector"
)

// defaultTopK is the number of hits a tool search returns when the caller
// does not override it.
const defaultTopK = 5

// Handle is the queryable retrieval tool for one collection.
type Handle struct {
	// Collection is the registry entry this tool searches, as of the
	// snapshot it belongs to.
	Collection *registry.Collection

	// embedder converts the query into an embedding.
	embedder vector.Embedder

	// vectors is the similarity-search backend.
	vectors vector.Store

	// topK is the default result count.
	topK int
}

// Search embeds the query and runs a similarity search in the collection's
// namespace. A topK of zero uses the registry default.
func (h *Handle) Search(ctx context.Context, query string, topK int) ([]vector.Hit, error) {
	if topK <= 0 {
		topK = h.topK
	}
	embeddings, err := h.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("toolreg: embed query: %w", err)
	}
	hits, err := h.vectors.Search(ctx, h.Collection.ID, embeddings[0], topK)
	if err != nil {
		return nil, fmt.Errorf("toolreg: search %q: %w", h.Collection.ID, err)
	}
	return hits, nil
}

// snapshot is one immutable view of the tool set.
type snapshot struct {
	// byAlias maps each alias (exact) to its handle.
	byAlias map[string]*Handle

	// byFold maps each lowercased alias to every handle it could mean.
	// More than one entry marks a case-fold collision between collections.
	byFold map[string][]*Handle

	// handles lists every tool ordered by collection display name.
	handles []*Handle
}

// Registry is the live tool registry. It is safe for concurrent use; Get and
// List never block Rebuild and vice versa.
type Registry struct {
	// collections is the authoritative collection registry.
	collections *registry.Store

	// vectors is the similarity-search backend handles query.
	vectors vector.Store

	// embedder embeds tool queries.
	embedder vector.Embedder

	// topK is the default result count for every handle.
	topK int

	// current holds the active snapshot.
	current atomic.Pointer[snapshot]
}

// New constructs a Registry, builds the initial snapshot, and subscribes to
// registry mutations so the tool set tracks the collection set automatically.
func New(ctx context.Context, collections *registry.Store, vectors vector.Store,
	embedder vector.Embedder, topK int) (*Registry, error) {
	if collections == nil {
		return nil, fmt.Errorf("toolreg: collection registry must not be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("toolreg: vector store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("toolreg: embedder must not be nil")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	r := &Registry{
		collections: collections,
		vectors:     vectors,
		embedder:    embedder,
		topK:        topK,
	}
	if err := r.Rebuild(ctx); err != nil {
		return nil, err
	}

	collections.Subscribe(func(ctx context.Context) {
		if err := r.Rebuild(ctx); err != nil {
			logging.FromContext(ctx).Error("toolreg: rebuild after registry change",
				slog.Any("error", err))
		}
	})

	return r, nil
}

// Rebuild constructs a fresh snapshot from the current collection set and
// swaps it in. Readers keep the old snapshot until the swap, so the tool set
// is replaced atomically.
func (r *Registry) Rebuild(ctx context.Context) error {
	cols, err := r.collections.List(ctx)
	if err != nil {
		return fmt.Errorf("toolreg: rebuild: %w", err)
	}

	snap := &snapshot{
		byAlias: make(map[string]*Handle),
		byFold:  make(map[string][]*Handle),
	}
	for _, col := range cols {
		h := &Handle{
			Collection: col,
			embedder:   r.embedder,
			vectors:    r.vectors,
			topK:       r.topK,
		}
		snap.handles = append(snap.handles, h)
		for _, alias := range col.Aliases {
			snap.byAlias[alias] = h
			fold := strings.ToLower(alias)
			snap.byFold[fold] = append(snap.byFold[fold], h)
		}
	}
	sort.Slice(snap.handles, func(i, j int) bool {
		return snap.handles[i].Collection.DisplayName < snap.handles[j].Collection.DisplayName
	})

	r.current.Store(snap)
	return nil
}

// Get returns the tool for the given collection alias. Exact match wins;
// otherwise a case-insensitive fallback is tried, and a fold that matches
// tools from more than one collection is reported as inconsistent state.
func (r *Registry) Get(ctx context.Context, alias string) (*Handle, error) {
	snap := r.current.Load()

	if h, ok := snap.byAlias[alias]; ok {
		return h, nil
	}

	matches := snap.byFold[strings.ToLower(alias)]
	distinct := make(map[string]*Handle, len(matches))
	for _, h := range matches {
		distinct[h.Collection.ID] = h
	}
	switch len(distinct) {
	case 0:
		return nil, fmt.Errorf("toolreg: tool %q: %w", alias, registry.ErrUnknownCollection)
	case 1:
		for _, h := range distinct {
			return h, nil
		}
		panic("unreachable")
	default:
		logging.FromContext(ctx).Error("toolreg: alias fold matches multiple collections",
			slog.String("alias", alias),
			slog.Int("matches", len(distinct)))
		return nil, fmt.Errorf("toolreg: tool %q matched %d collections: %w",
			alias, len(distinct), registry.ErrInconsistentState)
	}
}

// List returns every tool in the current snapshot, ordered by collection
// display name. The returned slice is shared with the snapshot and must not
// be mutated.
func (r *Registry) List() []*Handle {
	return r.current.Load().handles
}
