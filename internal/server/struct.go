package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civiq/civiq-go/internal/consistency"
	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/orchestrator"
	"github.com/civiq/civiq-go/internal/registry"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics. If nil, the default
	// registry is used.
	Registry *prometheus.Registry
}

// chatter is the interface handleChat calls to run one turn.
// *orchestrator.Orchestrator satisfies it; tests inject a fake.
type chatter interface {
	Chat(ctx context.Context, sessionID, question, scope string) (*orchestrator.Answer, error)
}

// Server is the HTTP server exposing the retrieval platform's REST API.
type Server struct {
	// chat runs question-answering turns.
	chat chatter
	// coordinator applies collection and record mutations in the
	// consistency-preserving order.
	coordinator *consistency.Coordinator
	// collections is read-only access to the collection registry.
	collections *registry.Store
	// jobs exposes indexing job state and cancellation.
	jobs *indexer.Manager
	// pipeline serves event queries and live subscriptions.
	pipeline *events.Pipeline
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus instruments.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// SessionID identifies the conversation; a new one is assigned if empty.
	SessionID string `json:"session_id"`
	// Question is the user's natural-language question.
	Question string `json:"question"`
	// Collection optionally restricts retrieval to one collection (id or
	// alias). Empty means the agent may search any registered collection.
	Collection string `json:"collection,omitempty"`
}

// createCollectionRequest is the JSON body for POST /api/collections.
type createCollectionRequest struct {
	// Name is the canonical collection identifier (e.g. "brs").
	Name string `json:"name"`
	// Kind is the content type: documents, webpages, or mixed.
	Kind string `json:"kind"`
	// Description explains what the collection contains.
	Description string `json:"description"`
	// Aliases is an optional list of additional names.
	Aliases []string `json:"aliases,omitempty"`
}

// updateCollectionRequest is the JSON body for PATCH /api/collections/{alias}.
// Nil fields are left unchanged.
type updateCollectionRequest struct {
	// DisplayName replaces the human-readable name.
	DisplayName *string `json:"display_name,omitempty"`
	// Description replaces the collection description shown to the agent.
	Description *string `json:"description,omitempty"`
	// AddAliases registers additional names for the collection.
	AddAliases []string `json:"add_aliases,omitempty"`
}

// collectionResponse is the JSON shape of a collection in API responses.
type collectionResponse struct {
	// ID is the stable collection identifier.
	ID string `json:"id"`
	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name"`
	// Description explains what the collection contains.
	Description string `json:"description"`
	// Aliases is the full set of names that resolve to this collection.
	Aliases []string `json:"aliases"`
	// Kind is the content type.
	Kind string `json:"kind"`
	// CreatedAt is when the collection was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the collection was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// uploadRecordRequest is the JSON body for POST /api/collections/{alias}/records.
type uploadRecordRequest struct {
	// Kind is the record origin: document or webpage.
	Kind string `json:"kind"`
	// Title is the human-readable title used in citations.
	Title string `json:"title"`
	// Location is the source URL or file path used in citations.
	Location string `json:"location,omitempty"`
	// Body is the extracted text to index.
	Body string `json:"body"`
}

// updateRecordRequest is the JSON body for PUT /api/records/{id}.
type updateRecordRequest struct {
	// Body is the replacement text. Empty keeps the current body.
	Body string `json:"body,omitempty"`
	// Collection optionally moves the record to another collection.
	Collection string `json:"collection,omitempty"`
}

// recordResponse is the JSON shape of a content record in API responses.
type recordResponse struct {
	// ID is the record identifier.
	ID string `json:"id"`
	// CollectionID is the owning collection.
	CollectionID string `json:"collection_id"`
	// Kind is the record origin.
	Kind string `json:"kind"`
	// Title is the human-readable title.
	Title string `json:"title"`
	// Location is the source URL or file path.
	Location string `json:"location,omitempty"`
	// Fingerprint is the SHA-256 of the body.
	Fingerprint string `json:"fingerprint"`
	// IsIndexed reports whether embeddings exist for this record.
	IsIndexed bool `json:"is_indexed"`
	// IndexedAt is when the record was last embedded, if ever.
	IndexedAt *time.Time `json:"indexed_at,omitempty"`
	// JobID is the indexing job enqueued by the mutation, when one was.
	JobID string `json:"job_id,omitempty"`
}

// jobResponse is the JSON shape of an indexing job in API responses.
type jobResponse struct {
	// ID is the job identifier.
	ID string `json:"id"`
	// CollectionID is the namespace the record is embedded into.
	CollectionID string `json:"collection_id"`
	// RecordID is the content record being indexed.
	RecordID string `json:"record_id"`
	// State is the lifecycle state: queued, running, completed, failed, cancelled.
	State string `json:"state"`
	// Attempts is the number of embedding attempts made.
	Attempts int `json:"attempts"`
	// Error is the final failure message, if the job failed.
	Error string `json:"error,omitempty"`
	// EnqueuedAt is when the job was accepted.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// FinishedAt is when the job reached a terminal state, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
