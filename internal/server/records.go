package server

import (
	"encoding/json"
	"net/http"

	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/indexer"
)

// handleRecordUpload handles POST /api/collections/{alias}/records. The
// record is persisted and an indexing job enqueued; the response carries the
// job id so clients can poll for completion.
func (s *Server) handleRecordUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Body == "" {
		http.Error(w, "title and body are required", http.StatusBadRequest)
		return
	}
	kind := content.Kind(req.Kind)
	if kind != content.KindDocument && kind != content.KindWebpage {
		http.Error(w, "kind must be one of: document, webpage", http.StatusBadRequest)
		return
	}

	rec, job, err := s.coordinator.UploadRecord(r.Context(), r.PathValue("alias"), &content.Record{
		Kind:     kind,
		Title:    req.Title,
		Location: req.Location,
		Body:     req.Body,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toRecordResponse(rec, job))
}

// handleRecordUpdate handles PUT /api/records/{id}. Body replacement and
// collection moves can be combined in one call; either may be omitted.
func (s *Server) handleRecordUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Body == "" && req.Collection == "" {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}

	rec, job, err := s.coordinator.UpdateRecord(r.Context(), r.PathValue("id"), req.Body, req.Collection)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toRecordResponse(rec, job))
}

// handleRecordDelete handles DELETE /api/records/{id}. Vector chunks are
// removed with a confirmed delete before the metadata row; an unconfirmed
// delete leaves the record intact and returns 409.
func (s *Server) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.DeleteRecord(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toRecordResponse converts a content record (and the indexing job the
// mutation enqueued, if any) to its API shape.
func toRecordResponse(rec *content.Record, job *indexer.Job) recordResponse {
	resp := recordResponse{
		ID:           rec.ID,
		CollectionID: rec.CollectionID,
		Kind:         string(rec.Kind),
		Title:        rec.Title,
		Location:     rec.Location,
		Fingerprint:  rec.Fingerprint,
		IsIndexed:    rec.IsIndexed,
	}
	if rec.IsIndexed {
		at := rec.IndexedAt
		resp.IndexedAt = &at
	}
	if job != nil {
		resp.JobID = job.ID
	}
	return resp
}
