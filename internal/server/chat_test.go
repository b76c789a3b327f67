package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/civiq/civiq-go/internal/orchestrator"
)

// TestChat_ReturnsAnswer verifies a successful turn end to end.
func TestChat_ReturnsAnswer(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	var answer orchestrator.Answer
	w := doJSON(t, s, http.MethodPost, "/api/chat",
		`{"session_id":"sess-1","question":"hello"}`, &answer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if answer.Text != "canned" {
		t.Errorf("answer text = %q", answer.Text)
	}
	if answer.SessionID != "sess-1" {
		t.Errorf("session id = %q", answer.SessionID)
	}
}

// TestChat_AssignsSessionID verifies a session id is generated when the
// client omits one.
func TestChat_AssignsSessionID(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	var answer orchestrator.Answer
	w := doJSON(t, s, http.MethodPost, "/api/chat", `{"question":"hello"}`, &answer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if answer.SessionID == "" {
		t.Error("no session id assigned")
	}
}

// TestChat_TimeoutServesDegradedAnswer verifies that a reasoner timeout still
// yields a 200 carrying the fallback answer marked degraded.
func TestChat_TimeoutServesDegradedAnswer(t *testing.T) {
	t.Parallel()

	blocking := &fakeReasoner{fn: func(ctx context.Context, _ []*schema.Message) (*schema.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newTestServerTimeout(t, blocking, nil, 20*time.Millisecond)

	var answer orchestrator.Answer
	w := doJSON(t, s, http.MethodPost, "/api/chat",
		`{"session_id":"sess-slow","question":"hard question"}`, &answer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected degraded 200, got %d: %s", w.Code, w.Body.String())
	}
	if !answer.Degraded {
		t.Error("answer not marked degraded")
	}
	if answer.Confidence != 0 {
		t.Errorf("degraded confidence = %v, want 0", answer.Confidence)
	}
}

// TestChat_ReasonerFailureServesDegradedAnswer verifies that a reasoner
// failure short of a timeout also yields a 200 carrying the fallback answer.
func TestChat_ReasonerFailureServesDegradedAnswer(t *testing.T) {
	t.Parallel()

	failing := &fakeReasoner{fn: func(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
		return nil, errors.New("model backend down")
	}}
	s, _ := newTestServer(t, failing, nil)

	var answer orchestrator.Answer
	w := doJSON(t, s, http.MethodPost, "/api/chat",
		`{"session_id":"sess-broken","question":"hard question"}`, &answer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected degraded 200, got %d: %s", w.Code, w.Body.String())
	}
	if !answer.Degraded {
		t.Error("answer not marked degraded")
	}
	if answer.Confidence != 0 {
		t.Errorf("degraded confidence = %v, want 0", answer.Confidence)
	}
}

// TestChat_UnknownScopeRejected verifies a chat scoped to an unregistered
// collection fails with 404 before the reasoner runs.
func TestChat_UnknownScopeRejected(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/api/chat",
		`{"session_id":"sess-2","question":"hello","collection":"nope"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

// TestChat_MissingQuestionRejected verifies request validation.
func TestChat_MissingQuestionRejected(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/api/chat", `{"session_id":"x"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
