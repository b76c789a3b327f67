package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// doJSON runs one request through the server's full middleware chain and
// decodes the JSON response into out (when out is non-nil).
func doJSON(t *testing.T, s *Server, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w
}

// TestAPI_CollectionLifecycle exercises create, get, list, and delete through
// the HTTP layer.
func TestAPI_CollectionLifecycle(t *testing.T) {
	t.Parallel()
	s, vectors := newTestServer(t, nil, nil)

	var created collectionResponse
	w := doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"brs","kind":"documents","description":"business registration services"}`, &created)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if created.ID != "brs" {
		t.Errorf("created id = %q", created.ID)
	}
	if !vectors.HasNamespace("brs") {
		t.Error("vector namespace not provisioned on create")
	}

	// Duplicate name conflicts.
	w = doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"brs","kind":"documents","description":"dup"}`, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: expected 409, got %d", w.Code)
	}

	var fetched collectionResponse
	w = doJSON(t, s, http.MethodGet, "/api/collections/brs", "", &fetched)
	if w.Code != http.StatusOK || fetched.ID != "brs" {
		t.Errorf("get: code=%d id=%q", w.Code, fetched.ID)
	}

	var list []collectionResponse
	w = doJSON(t, s, http.MethodGet, "/api/collections", "", &list)
	if w.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("list: code=%d len=%d", w.Code, len(list))
	}

	w = doJSON(t, s, http.MethodDelete, "/api/collections/brs", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if vectors.HasNamespace("brs") {
		t.Error("vector namespace survived collection delete")
	}

	w = doJSON(t, s, http.MethodGet, "/api/collections/brs", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

// TestAPI_CollectionUpdate patches a collection's description and aliases and
// checks the new alias resolves, while a taken alias conflicts.
func TestAPI_CollectionUpdate(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"brs","kind":"documents","description":"old"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}
	w = doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"kfc","kind":"documents","description":"other"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}

	var updated collectionResponse
	w = doJSON(t, s, http.MethodPatch, "/api/collections/brs",
		`{"description":"business registration","add_aliases":["registration"]}`, &updated)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if updated.Description != "business registration" {
		t.Errorf("description = %q", updated.Description)
	}

	var fetched collectionResponse
	w = doJSON(t, s, http.MethodGet, "/api/collections/registration", "", &fetched)
	if w.Code != http.StatusOK || fetched.ID != "brs" {
		t.Errorf("get by new alias: code=%d id=%q", w.Code, fetched.ID)
	}

	// An alias already bound to another collection conflicts.
	w = doJSON(t, s, http.MethodPatch, "/api/collections/kfc",
		`{"add_aliases":["registration"]}`, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("conflicting alias: expected 409, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPatch, "/api/collections/nope", `{"description":"x"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("patch unknown: expected 404, got %d", w.Code)
	}
}

// TestAPI_RecordUploadAndIndex verifies that an upload enqueues a job that
// eventually lands chunks in the vector store, and that the job is visible
// through the jobs API.
func TestAPI_RecordUploadAndIndex(t *testing.T) {
	t.Parallel()
	s, vectors := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"kfc","kind":"webpages","description":"known fraud cases"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create collection: %d", w.Code)
	}

	var rec recordResponse
	w = doJSON(t, s, http.MethodPost, "/api/collections/kfc/records",
		`{"kind":"webpage","title":"Invoice scam","location":"https://example.gov/scams/1","body":"A common invoice scam works by sending fake invoices to accounting departments."}`, &rec)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if rec.JobID == "" {
		t.Fatal("upload response missing job id")
	}

	awaitRecordIndexed(t, vectors, "kfc", rec.ID)

	var job jobResponse
	w = doJSON(t, s, http.MethodGet, "/api/jobs/"+rec.JobID, "", &job)
	if w.Code != http.StatusOK {
		t.Fatalf("get job: %d", w.Code)
	}
	if job.State != "completed" {
		t.Errorf("job state = %q, want completed", job.State)
	}

	var jobs []jobResponse
	w = doJSON(t, s, http.MethodGet, "/api/jobs?limit=10", "", &jobs)
	if w.Code != http.StatusOK || len(jobs) != 1 {
		t.Errorf("list jobs: code=%d len=%d", w.Code, len(jobs))
	}
}

// TestAPI_RecordDelete verifies that deleting a record removes its chunks
// and that deleting an unknown record reports 404.
func TestAPI_RecordDelete(t *testing.T) {
	t.Parallel()
	s, vectors := newTestServer(t, nil, nil)

	doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"odpc","kind":"documents","description":"data protection"}`, nil)

	var rec recordResponse
	doJSON(t, s, http.MethodPost, "/api/collections/odpc/records",
		`{"kind":"document","title":"Guide","body":"Personal data must be processed lawfully and transparently."}`, &rec)
	awaitRecordIndexed(t, vectors, "odpc", rec.ID)

	w := doJSON(t, s, http.MethodDelete, "/api/records/"+rec.ID, "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	n, err := vectors.CountRecord(t.Context(), "odpc", rec.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("chunks survived record delete: %d", n)
	}

	// Idempotent at the coordinator, so a repeat delete also succeeds.
	w = doJSON(t, s, http.MethodDelete, "/api/records/"+rec.ID, "", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("repeat delete: expected 204, got %d", w.Code)
	}
}

// TestAPI_UploadToUnknownCollection verifies the 404 mapping.
func TestAPI_UploadToUnknownCollection(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/api/collections/ghost/records",
		`{"kind":"document","title":"x","body":"y"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

// TestAPI_EventQuery verifies that chat turns leave a queryable event trail.
func TestAPI_EventQuery(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	var answer struct {
		SessionID string `json:"session_id"`
	}
	w := doJSON(t, s, http.MethodPost, "/api/chat",
		`{"session_id":"sess-ev","question":"hello"}`, &answer)
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d: %s", w.Code, w.Body.String())
	}

	var evs []map[string]any
	w = doJSON(t, s, http.MethodGet, "/api/events?session_id=sess-ev", "", &evs)
	if w.Code != http.StatusOK {
		t.Fatalf("events: %d", w.Code)
	}
	if len(evs) != 4 {
		t.Fatalf("got %d events, want 4: %v", len(evs), evs)
	}

	// Missing session_id is rejected.
	w = doJSON(t, s, http.MethodGet, "/api/events", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without session_id, got %d", w.Code)
	}
}

// TestAPI_AuthProtectsAPIButNotHealth verifies the exemption list: health
// and metrics are reachable without a token while API routes are not.
func TestAPI_AuthProtectsAPIButNotHealth(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, &Config{APIKey: "secret"})

	w := doJSON(t, s, http.MethodGet, "/api/collections", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated API request: expected 401, got %d", w.Code)
	}

	for _, path := range []string{"/api/health", "/metrics"} {
		w = doJSON(t, s, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200 without token, got %d", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/collections", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated request: expected 200, got %d", rec.Code)
	}
}

// TestAPI_InvalidKindRejected verifies request validation.
func TestAPI_InvalidKindRejected(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"x","kind":"images","description":""}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad kind, got %d", w.Code)
	}

	doJSON(t, s, http.MethodPost, "/api/collections",
		`{"name":"docs","kind":"documents","description":""}`, nil)
	w = doJSON(t, s, http.MethodPost, "/api/collections/docs/records",
		fmt.Sprintf(`{"kind":%q,"title":"t","body":"b"}`, "video"), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad record kind, got %d", w.Code)
	}
}
