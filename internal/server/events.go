package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/logging"
)

// handleEventQuery handles GET /api/events with filters passed as query
// parameters: session_id, message_id, type, after_seq, limit.
func (s *Server) handleEventQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{
		SessionID: q.Get("session_id"),
		MessageID: q.Get("message_id"),
		Type:      q.Get("type"),
	}
	if f.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if v := q.Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "after_seq must be an integer", http.StatusBadRequest)
			return
		}
		f.AfterSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	evs, err := s.pipeline.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, evs)
}

// handleEventStream handles GET /api/events/stream?session_id=X. Events for
// the session are pushed as Server-Sent Events until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.pipeline.Subscribe(sessionID)
	defer cancel()

	s.metrics.eventStreamsActive.Inc()
	defer s.metrics.eventStreamsActive.Dec()

	log := logging.FromContext(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error("server: marshal event", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
