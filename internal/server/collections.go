package server

import (
	"encoding/json"
	"net/http"

	"github.com/civiq/civiq-go/internal/registry"
)

// validKinds maps the accepted collection kind strings.
var validKinds = map[string]registry.Kind{
	string(registry.KindDocuments): registry.KindDocuments,
	string(registry.KindWebpages):  registry.KindWebpages,
	string(registry.KindMixed):     registry.KindMixed,
}

// handleCollectionCreate handles POST /api/collections. The namespace is
// provisioned in the vector store before the collection becomes visible.
func (s *Server) handleCollectionCreate(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	kind, ok := validKinds[req.Kind]
	if !ok {
		http.Error(w, "kind must be one of: documents, webpages, mixed", http.StatusBadRequest)
		return
	}

	col, err := s.coordinator.CreateCollection(r.Context(), req.Name, kind, req.Description, req.Aliases...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toCollectionResponse(col))
}

// handleCollectionList handles GET /api/collections.
func (s *Server) handleCollectionList(w http.ResponseWriter, r *http.Request) {
	cols, err := s.collections.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]collectionResponse, 0, len(cols))
	for _, c := range cols {
		out = append(out, toCollectionResponse(c))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// handleCollectionGet handles GET /api/collections/{alias}. The path segment
// may be the collection id or any alias.
func (s *Server) handleCollectionGet(w http.ResponseWriter, r *http.Request) {
	col, err := s.collections.Resolve(r.Context(), r.PathValue("alias"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toCollectionResponse(col))
}

// handleCollectionUpdate handles PATCH /api/collections/{alias}. Updates
// never touch embeddings; the tool registry picks up the change through the
// registry's mutation notification.
func (s *Server) handleCollectionUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	col, err := s.collections.Resolve(r.Context(), r.PathValue("alias"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	col, err = s.collections.Update(r.Context(), col.ID, registry.Patch{
		DisplayName: req.DisplayName,
		Description: req.Description,
		AddAliases:  req.AddAliases,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toCollectionResponse(col))
}

// handleCollectionDelete handles DELETE /api/collections/{alias}. The vector
// namespace is dropped before any metadata is touched; if the drop fails the
// collection stays fully intact.
func (s *Server) handleCollectionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.DeleteCollection(r.Context(), r.PathValue("alias")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toCollectionResponse converts a registry collection to its API shape.
func toCollectionResponse(c *registry.Collection) collectionResponse {
	return collectionResponse{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Description: c.Description,
		Aliases:     c.Aliases,
		Kind:        string(c.Kind),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
