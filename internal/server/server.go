// Package server implements the HTTP server that exposes the retrieval
// platform's REST API: chat, collection and record management, indexing job
// control, and the session event feed.
// The server is started by the `civiq serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civiq/civiq-go/internal/consistency"
	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/orchestrator"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/vector"
)

// Deps bundles the application components the server exposes.
type Deps struct {
	// Chat runs question-answering turns. Required.
	Chat *orchestrator.Orchestrator
	// Coordinator applies collection and record mutations. Required.
	Coordinator *consistency.Coordinator
	// Collections is the collection registry, used for reads. Required.
	Collections *registry.Store
	// Jobs is the indexing job manager. Required.
	Jobs *indexer.Manager
	// Pipeline serves event queries and live streams. Required.
	Pipeline *events.Pipeline
}

// New constructs a Server from the provided components and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Chat == nil || deps.Coordinator == nil || deps.Collections == nil ||
		deps.Jobs == nil || deps.Pipeline == nil {
		return nil, fmt.Errorf("server: all dependencies must be non-nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for event streams.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	gatherer := prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg = cfg.Registry
		gatherer = cfg.Registry
	}

	s := &Server{
		chat:        deps.Chat,
		coordinator: deps.Coordinator,
		collections: deps.Collections,
		jobs:        deps.Jobs,
		pipeline:    deps.Pipeline,
		cfg:         cfg,
		log:         log,
		pingers:     cfg.Pingers,
		metrics:     newServerMetrics(reg),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		log.Warn("server: API key not set, authentication disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/collections", s.handleCollectionList)
	mux.HandleFunc("POST /api/collections", s.handleCollectionCreate)
	mux.HandleFunc("GET /api/collections/{alias}", s.handleCollectionGet)
	mux.HandleFunc("PATCH /api/collections/{alias}", s.handleCollectionUpdate)
	mux.HandleFunc("DELETE /api/collections/{alias}", s.handleCollectionDelete)
	mux.HandleFunc("POST /api/collections/{alias}/records", s.handleRecordUpload)
	mux.HandleFunc("PUT /api/records/{id}", s.handleRecordUpdate)
	mux.HandleFunc("DELETE /api/records/{id}", s.handleRecordDelete)
	mux.HandleFunc("GET /api/jobs", s.handleJobList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobGet)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleJobCancel)
	mux.HandleFunc("GET /api/events", s.handleEventQuery)
	mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Middleware order, outermost first: request logging, metrics, auth,
	// rate limiting. Health and metrics stay outside auth so probes and
	// scrapers need no credentials.
	protected := rl.middleware(authMiddleware(cfg.APIKey, mux))
	handler := requestLogger(log, s.metrics.middleware(s.exempt(mux, protected)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// exempt routes health, readiness, and metrics around the auth and rate-limit
// chain; everything else goes through protected.
func (s *Server) exempt(open, protected http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health", "/api/ready", "/metrics":
			open.ServeHTTP(w, r)
		default:
			protected.ServeHTTP(w, r)
		}
	})
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. A reasoner timeout or failure still
// produces a
// usable response: the fallback answer is served with degraded=true instead
// of an error status.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = newRequestID()
	}

	start := time.Now()
	answer, err := s.chat.Chat(r.Context(), req.SessionID, req.Question, req.Collection)

	outcome := "ok"
	switch {
	case errors.Is(err, orchestrator.ErrReasonerTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		if answer == nil {
			s.writeError(w, r, err)
			return
		}
		// The orchestrator handed back the degraded fallback; serve it.
		logging.FromContext(r.Context()).Warn("server: chat degraded", slog.Any("error", err))
	}
	s.writeJSON(w, r, http.StatusOK, answer)
}

// writeJSON encodes v as the response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("server: encode response", slog.Any("error", err))
	}
}

// errorResponse is the JSON body for error statuses.
type errorResponse struct {
	// Error is the human-readable failure description.
	Error string `json:"error"`
}

// writeError maps domain sentinel errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnknownCollection),
		errors.Is(err, content.ErrNotFound),
		errors.Is(err, indexer.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateAlias):
		status = http.StatusConflict
	case errors.Is(err, vector.ErrDeleteUnconfirmed):
		status = http.StatusConflict
	case errors.Is(err, vector.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrInconsistentState):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("server: request failed", slog.Any("error", err))
	}
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}
