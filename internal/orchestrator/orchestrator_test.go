package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/history"
	"github.com/civiq/civiq-go/internal/metadata"
	"github.com/civiq/civiq-go/internal/registry"
	"github.com/civiq/civiq-go/internal/toolreg"
	"github.com/civiq/civiq-go/internal/vector"
)

// fakeReasoner satisfies Reasoner with a caller-supplied function.
type fakeReasoner struct {
	fn func(ctx context.Context, input []*schema.Message) (*schema.Message, error)
}

func (f *fakeReasoner) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	return f.fn(ctx, input)
}

// testDeps bundles the stores an orchestrator test needs to inspect.
type testDeps struct {
	collections *registry.Store
	vectors     *vector.MemoryStore
	tools       *toolreg.Registry
	history     *history.Store
	pipeline    *events.Pipeline
}

// newTestOrchestrator wires an orchestrator over in-memory backends with the
// given reasoner standing in for the agent.
func newTestOrchestrator(t *testing.T, reasoner Reasoner) (*Orchestrator, *testDeps) {
	t.Helper()

	db, err := metadata.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	collections, err := registry.NewStore(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	vectors := vector.NewMemoryStore()
	tools, err := toolreg.New(context.Background(), collections, vectors, &vector.HashEmbedder{}, 0)
	if err != nil {
		t.Fatalf("new tool registry: %v", err)
	}
	hist, err := history.NewStore(db)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	pipeline, err := events.NewPipeline(db)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	o, err := New(context.Background(), Config{
		Tools:       tools,
		History:     hist,
		Pipeline:    pipeline,
		Reasoner:    reasoner,
		TurnTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, &testDeps{
		collections: collections,
		vectors:     vectors,
		tools:       tools,
		history:     hist,
		pipeline:    pipeline,
	}
}

// answerReasoner returns a fixed JSON envelope reply.
func answerReasoner(envelope string) *fakeReasoner {
	return &fakeReasoner{fn: func(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage(envelope, nil), nil
	}}
}

func Test_Orchestrator_ChatEmitsTurnEvents(t *testing.T) {
	t.Parallel()
	o, deps := newTestOrchestrator(t, answerReasoner(`{"answer":"hello","confidence":0.9}`))
	ctx := context.Background()

	answer, err := o.Chat(ctx, "session-1", "hi there", "")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if answer.Text != "hello" {
		t.Errorf("answer text = %q", answer.Text)
	}
	if answer.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", answer.Confidence)
	}

	got, err := deps.pipeline.Query(ctx, events.Filter{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	want := []string{
		events.TypeMessageReceived,
		events.TypeAgentThinking,
		events.TypeResponseGeneration,
		events.TypeSavingMessage,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
		if ev.MessageID != answer.MessageID {
			t.Errorf("event %d message id = %s, want %s", i, ev.MessageID, answer.MessageID)
		}
	}
}

func Test_Orchestrator_ChatPersistsBothTurnSides(t *testing.T) {
	t.Parallel()
	o, deps := newTestOrchestrator(t, answerReasoner(`{"answer":"42","confidence":1}`))
	ctx := context.Background()

	if _, err := o.Chat(ctx, "session-2", "what is the answer?", ""); err != nil {
		t.Fatalf("chat: %v", err)
	}

	msgs, err := deps.history.Recent(ctx, "session-2", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content != "what is the answer?" {
		t.Errorf("first message = %s %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Content != "42" {
		t.Errorf("second message = %s %q", msgs[1].Role, msgs[1].Content)
	}
}

func Test_Orchestrator_HistoryInjectedIntoNextTurn(t *testing.T) {
	t.Parallel()

	var secondInput []*schema.Message
	call := 0
	reasoner := &fakeReasoner{fn: func(_ context.Context, input []*schema.Message) (*schema.Message, error) {
		call++
		if call == 2 {
			secondInput = input
		}
		return schema.AssistantMessage(`{"answer":"ok"}`, nil), nil
	}}
	o, _ := newTestOrchestrator(t, reasoner)
	ctx := context.Background()

	if _, err := o.Chat(ctx, "session-3", "first question", ""); err != nil {
		t.Fatalf("chat 1: %v", err)
	}
	if _, err := o.Chat(ctx, "session-3", "second question", ""); err != nil {
		t.Fatalf("chat 2: %v", err)
	}

	// [system, prior user, prior assistant, current user]
	if len(secondInput) != 4 {
		t.Fatalf("second turn got %d messages, want 4", len(secondInput))
	}
	if secondInput[0].Role != schema.System {
		t.Errorf("first message role = %s, want system", secondInput[0].Role)
	}
	if secondInput[1].Content != "first question" {
		t.Errorf("history user message = %q", secondInput[1].Content)
	}
	if secondInput[3].Content != "second question" {
		t.Errorf("current user message = %q", secondInput[3].Content)
	}
}

func Test_Orchestrator_TimeoutReturnsFallbackAnswer(t *testing.T) {
	t.Parallel()

	blocking := &fakeReasoner{fn: func(ctx context.Context, _ []*schema.Message) (*schema.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, deps := newTestOrchestrator(t, blocking)
	o.turnTimeout = 20 * time.Millisecond
	ctx := context.Background()

	answer, err := o.Chat(ctx, "session-4", "slow question", "")
	if !errors.Is(err, ErrReasonerTimeout) {
		t.Fatalf("chat error = %v, want ErrReasonerTimeout", err)
	}
	if answer == nil {
		t.Fatal("no fallback answer returned")
	}
	if !answer.Degraded {
		t.Error("fallback answer not marked degraded")
	}
	if answer.Confidence != 0 {
		t.Errorf("fallback confidence = %v, want 0", answer.Confidence)
	}
	if answer.Text != fallbackAnswer {
		t.Errorf("fallback text = %q", answer.Text)
	}

	// The degraded turn is still observable through the pipeline.
	got, qerr := deps.pipeline.Query(ctx, events.Filter{
		SessionID: "session-4",
		Type:      events.TypeResponseGeneration,
	})
	if qerr != nil {
		t.Fatalf("query events: %v", qerr)
	}
	if len(got) != 1 {
		t.Fatalf("got %d response_generation events, want 1", len(got))
	}
	if degraded, _ := got[0].Payload["degraded"].(bool); !degraded {
		t.Errorf("event payload = %v, want degraded=true", got[0].Payload)
	}
}

func Test_Orchestrator_ReasonerFailureReturnsFallbackAnswer(t *testing.T) {
	t.Parallel()

	backendErr := errors.New("model backend rejected the request")
	failing := &fakeReasoner{fn: func(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
		return nil, backendErr
	}}
	o, deps := newTestOrchestrator(t, failing)
	ctx := context.Background()

	answer, err := o.Chat(ctx, "session-9", "doomed question", "")
	if !errors.Is(err, backendErr) {
		t.Fatalf("chat error = %v, want the backend error", err)
	}
	if answer == nil {
		t.Fatal("no fallback answer returned")
	}
	if !answer.Degraded {
		t.Error("fallback answer not marked degraded")
	}
	if answer.Confidence != 0 {
		t.Errorf("fallback confidence = %v, want 0", answer.Confidence)
	}
	if answer.Text != fallbackAnswer {
		t.Errorf("fallback text = %q", answer.Text)
	}

	// The failed turn leaves a response_generation failure in the trail
	// instead of dangling after agent_thinking.
	got, qerr := deps.pipeline.Query(ctx, events.Filter{
		SessionID: "session-9",
		Type:      events.TypeResponseGeneration,
	})
	if qerr != nil {
		t.Fatalf("query events: %v", qerr)
	}
	if len(got) != 1 {
		t.Fatalf("got %d response_generation events, want 1", len(got))
	}
	if got[0].Status != events.StatusFailed {
		t.Errorf("event status = %s, want %s", got[0].Status, events.StatusFailed)
	}
	if msg, _ := got[0].Payload["error"].(string); msg == "" {
		t.Errorf("event payload = %v, want an error entry", got[0].Payload)
	}
}

func Test_Orchestrator_SearchToolAttributesSources(t *testing.T) {
	t.Parallel()

	var searchTool *SearchTool

	// The fake stands in for the react loop: it invokes the search tool with
	// the turn context, then answers from the retrieved passage.
	reasoner := &fakeReasoner{fn: func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
		if !strings.Contains(input[0].Content, "brs") {
			return nil, errors.New("system prompt does not list the collection")
		}
		out, err := searchTool.InvokableRun(ctx, `{"collection":"brs","query":"how to register a sole proprietorship"}`)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(out, "Registering a sole proprietorship") {
			return nil, errors.New("tool output missing the seeded passage")
		}
		return schema.AssistantMessage(`{"answer":"File form A at the registry office.","confidence":0.8}`, nil), nil
	}}

	o, deps := newTestOrchestrator(t, reasoner)
	searchTool = NewSearchTool(deps.tools, deps.pipeline)
	ctx := context.Background()

	col, err := deps.collections.Create(ctx, "brs", registry.KindDocuments, "business registration services")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	embedder := &vector.HashEmbedder{}
	chunks := []vector.Chunk{{
		RecordID: "rec-1",
		Index:    0,
		Title:    "Sole proprietorship guide",
		Location: "https://example.gov/sole-prop",
		Content:  "Registering a sole proprietorship requires filing form A at the registry office.",
	}}
	embeddings, err := embedder.Embed(ctx, []string{chunks[0].Content})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if err := deps.vectors.Upsert(ctx, col.ID, chunks, embeddings); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	answer, err := o.Chat(ctx, "session-5", "how do I register a sole proprietorship?", "")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(answer.Sources) != 1 {
		t.Fatalf("got %d sources, want 1: %+v", len(answer.Sources), answer.Sources)
	}
	src := answer.Sources[0]
	if src.RecordID != "rec-1" || src.CollectionID != col.ID {
		t.Errorf("source = %+v", src)
	}
	if src.Title != "Sole proprietorship guide" {
		t.Errorf("source title = %q", src.Title)
	}

	// The tool invocation shows up as a started/completed event pair.
	got, err := deps.pipeline.Query(ctx, events.Filter{
		SessionID: "session-5",
		Type:      events.ToolEventType(searchToolName),
	})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tool events, want 2", len(got))
	}
	if got[0].Status != events.StatusStarted || got[1].Status != events.StatusCompleted {
		t.Errorf("tool event statuses = %s, %s", got[0].Status, got[1].Status)
	}
	if q, _ := got[0].Payload["query"].(string); q != "how to register a sole proprietorship" {
		t.Errorf("tool event query = %q", q)
	}
	if n, _ := got[1].Payload["count"].(float64); n != 1 {
		t.Errorf("tool event count = %v", got[1].Payload["count"])
	}
}

func Test_Orchestrator_SearchToolDegradesFailuresToText(t *testing.T) {
	t.Parallel()
	_, deps := newTestOrchestrator(t, answerReasoner(`{"answer":"unused"}`))
	searchTool := NewSearchTool(deps.tools, deps.pipeline)
	ctx := context.Background()

	// Unknown collection: the agent gets a readable failure, not an error.
	out, err := searchTool.InvokableRun(ctx, `{"collection":"nope","query":"anything"}`)
	if err != nil {
		t.Fatalf("unknown collection returned error: %v", err)
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("tool output = %q, want failure text", out)
	}

	// Backend failure on a known collection degrades the same way.
	if _, err := deps.collections.Create(ctx, "kfc", registry.KindWebpages, ""); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	deps.vectors.FailSearch = errors.New("backend down")
	out, err = searchTool.InvokableRun(ctx, `{"collection":"kfc","query":"anything"}`)
	if err != nil {
		t.Fatalf("backend failure returned error: %v", err)
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("tool output = %q, want failure text", out)
	}

	// Malformed input is a hard error: the model must fix its call.
	if _, err := searchTool.InvokableRun(ctx, `{"query":"missing collection"}`); err == nil {
		t.Error("missing collection field did not error")
	}
}

func Test_Orchestrator_ScopeRestrictsRetrieval(t *testing.T) {
	t.Parallel()

	var searchTool *SearchTool

	// The fake verifies the system prompt lists only the scoped collection and
	// that searching outside the scope degrades to failure text.
	reasoner := &fakeReasoner{fn: func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
		system := input[0].Content
		if !strings.Contains(system, "brs") {
			return nil, errors.New("system prompt does not list the scoped collection")
		}
		if strings.Contains(system, "kfc") {
			return nil, errors.New("system prompt lists a collection outside the scope")
		}
		out, err := searchTool.InvokableRun(ctx, `{"collection":"kfc","query":"anything"}`)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(out, "scope") {
			return nil, errors.New("out-of-scope search was not rejected")
		}
		return schema.AssistantMessage(`{"answer":"scoped","confidence":0.6}`, nil), nil
	}}

	o, deps := newTestOrchestrator(t, reasoner)
	searchTool = NewSearchTool(deps.tools, deps.pipeline)
	ctx := context.Background()

	if _, err := deps.collections.Create(ctx, "brs", registry.KindDocuments, "business registration"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := deps.collections.Create(ctx, "kfc", registry.KindWebpages, "food safety"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	answer, err := o.Chat(ctx, "session-6", "scoped question", "brs")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if answer.Text != "scoped" {
		t.Errorf("answer = %q", answer.Text)
	}

	// An unresolvable scope fails before the reasoner runs.
	if _, err := o.Chat(ctx, "session-6", "scoped question", "nope"); !errors.Is(err, registry.ErrUnknownCollection) {
		t.Errorf("unknown scope error = %v, want ErrUnknownCollection", err)
	}
}

func Test_Orchestrator_ParseAnswer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		content        string
		wantText       string
		wantConfidence float64
		wantFollowUps  int
	}{
		{
			name:           "clean envelope",
			content:        `{"answer":"yes","confidence":0.7,"follow_ups":["a","b"]}`,
			wantText:       "yes",
			wantConfidence: 0.7,
			wantFollowUps:  2,
		},
		{
			name:           "fenced envelope",
			content:        "```json\n{\"answer\":\"fenced\",\"confidence\":0.5}\n```",
			wantText:       "fenced",
			wantConfidence: 0.5,
		},
		{
			name:           "prose around envelope",
			content:        `Here you go: {"answer":"wrapped","confidence":0.3} hope that helps`,
			wantText:       "wrapped",
			wantConfidence: 0.3,
		},
		{
			name:           "confidence clamped",
			content:        `{"answer":"sure","confidence":1.8}`,
			wantText:       "sure",
			wantConfidence: 1,
		},
		{
			name:     "plain prose fallback",
			content:  "I could not find anything relevant.",
			wantText: "I could not find anything relevant.",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := parseAnswer(tc.content)
			if got.Text != tc.wantText {
				t.Errorf("text = %q, want %q", got.Text, tc.wantText)
			}
			if got.Confidence != tc.wantConfidence {
				t.Errorf("confidence = %v, want %v", got.Confidence, tc.wantConfidence)
			}
			if len(got.FollowUps) != tc.wantFollowUps {
				t.Errorf("follow-ups = %d, want %d", len(got.FollowUps), tc.wantFollowUps)
			}
		})
	}
}
