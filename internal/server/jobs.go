package server

import (
	"net/http"
	"strconv"

	"github.com/civiq/civiq-go/internal/indexer"
)

// defaultJobListLimit bounds GET /api/jobs when no limit is given.
const defaultJobListLimit = 50

// handleJobList handles GET /api/jobs?limit=N, newest first.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := s.jobs.Jobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// handleJobGet handles GET /api/jobs/{id}.
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toJobResponse(job))
}

// handleJobCancel handles POST /api/jobs/{id}/cancel. Queued jobs cancel
// immediately; running jobs cancel at their next checkpoint. The returned
// job state shows which happened.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toJobResponse(job))
}

// toJobResponse converts an indexing job to its API shape.
func toJobResponse(j *indexer.Job) jobResponse {
	resp := jobResponse{
		ID:           j.ID,
		CollectionID: j.CollectionID,
		RecordID:     j.RecordID,
		State:        string(j.State),
		Attempts:     j.Attempts,
		Error:        j.Error,
		EnqueuedAt:   j.EnqueuedAt,
	}
	if !j.FinishedAt.IsZero() {
		at := j.FinishedAt
		resp.FinishedAt = &at
	}
	return resp
}
