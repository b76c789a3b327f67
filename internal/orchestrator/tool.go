package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/toolreg"
	"github.com/civiq/civiq-go/internal/vector"
)

// searchToolName is the tool name registered with the agent.
const searchToolName = "search_documents"

// SearchTool is the Eino tool the agent calls to retrieve passages from a
// collection. A single tool serves every collection: the agent passes the
// collection alias as an argument and the tool resolves it against the live
// tool registry, so registry changes take effect without rebuilding the
// agent.
type SearchTool struct {
	// tools resolves aliases to queryable collection handles.
	tools *toolreg.Registry

	// pipeline records tool invocations as session events.
	pipeline *events.Pipeline
}

// NewSearchTool constructs a SearchTool over the given registry. The pipeline
// may be nil, in which case no events are emitted.
func NewSearchTool(tools *toolreg.Registry, pipeline *events.Pipeline) *SearchTool {
	return &SearchTool{tools: tools, pipeline: pipeline}
}

// searchInput is the JSON-serialisable input schema for SearchTool.
type searchInput struct {
	// Collection is the alias of the collection to search.
	Collection string `json:"collection"`

	// Query is the natural-language search query.
	Query string `json:"query"`

	// TopK optionally overrides the number of passages returned.
	TopK int `json:"top_k,omitempty"`
}

// Info returns the Eino tool metadata including the JSON input schema.
func (t *SearchTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: searchToolName,
		Desc: "Searches one document collection for passages relevant to a query. " +
			"The available collections and what they contain are listed in the system prompt. " +
			"Call this before answering any factual question.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"collection": {
				Type:     schema.String,
				Desc:     "Alias of the collection to search, exactly as listed in the system prompt.",
				Required: true,
			},
			"query": {
				Type:     schema.String,
				Desc:     "Natural-language query describing the information needed.",
				Required: true,
			},
			"top_k": {
				Type: schema.Integer,
				Desc: "Optional number of passages to return.",
			},
		}),
	}, nil
}

// InvokableRun executes a search given a JSON-encoded input string. Failures
// are reported back to the agent as text rather than errors so a single bad
// tool call degrades the answer instead of aborting the turn.
func (t *SearchTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input searchInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("%s: invalid input: %w", searchToolName, err)
	}
	if input.Collection == "" || input.Query == "" {
		return "", fmt.Errorf("%s: collection and query are required", searchToolName)
	}

	t.emit(ctx, events.StatusStarted,
		fmt.Sprintf("Searching %s", input.Collection),
		map[string]any{"collection": input.Collection, "query": input.Query})

	hits, err := t.run(ctx, input.Collection, input.Query, input.TopK)
	if err != nil {
		logging.FromContext(ctx).Warn("orchestrator: search tool failed",
			slog.String("collection", input.Collection),
			slog.Any("error", err))
		t.emit(ctx, events.StatusFailed,
			fmt.Sprintf("Search of %s failed", input.Collection),
			map[string]any{"collection": input.Collection, "query": input.Query, "error": err.Error()})
		return fmt.Sprintf("The search against collection %q failed (%v). "+
			"Answer from other sources if possible, and say so if not.", input.Collection, err), nil
	}
	t.emit(ctx, events.StatusCompleted, "",
		map[string]any{"collection": input.Collection, "query": input.Query, "count": len(hits)})

	if len(hits) == 0 {
		return fmt.Sprintf("No passages found in collection %q for that query.", input.Collection), nil
	}
	return formatHits(hits), nil
}

// run resolves the collection and performs the search, recording hits in the
// turn's source collector when one is attached.
func (t *SearchTool) run(ctx context.Context, collection, query string, topK int) ([]vector.Hit, error) {
	handle, err := t.tools.Get(ctx, collection)
	if err != nil {
		return nil, err
	}
	if scope := scopeFromContext(ctx); scope != "" && handle.Collection.ID != scope {
		return nil, fmt.Errorf("collection %q is outside this conversation's scope", collection)
	}
	hits, err := handle.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	if col := collectorFromContext(ctx); col != nil {
		col.add(handle.Collection.ID, hits)
	}
	return hits, nil
}

// emit records a tool invocation step as a session event.
func (t *SearchTool) emit(ctx context.Context, status, message string, payload map[string]any) {
	if t.pipeline == nil {
		return
	}
	t.pipeline.Emit(ctx, events.ToolEventType(searchToolName), status, message, payload)
}

// formatHits renders hits into the text block handed back to the agent.
func formatHits(hits []vector.Hit) string {
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "### Passage %d: %s\n", i+1, h.Title)
		if h.Location != "" {
			fmt.Fprintf(&sb, "Source: %s\n", h.Location)
		}
		sb.WriteString(h.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Source is one cited origin of an answer.
type Source struct {
	// RecordID is the content record the passage came from.
	RecordID string `json:"record_id"`
	// CollectionID is the collection the passage was retrieved from.
	CollectionID string `json:"collection_id"`
	// Title is the record title.
	Title string `json:"title"`
	// Location is the record URL or file path.
	Location string `json:"location,omitempty"`
	// Score is the best similarity score observed for the record this turn.
	Score float32 `json:"score"`
}

// sourceCollector accumulates the sources touched during one turn. Tool
// invocations run on the agent's goroutines, so access is locked.
type sourceCollector struct {
	mu sync.Mutex
	// byRecord keeps the best-scoring source per record id.
	byRecord map[string]*Source
	// order preserves first-retrieval order of record ids.
	order []string
}

// newSourceCollector constructs an empty collector.
func newSourceCollector() *sourceCollector {
	return &sourceCollector{byRecord: make(map[string]*Source)}
}

// add records the hits from one search, keeping the best score per record.
func (c *sourceCollector) add(collectionID string, hits []vector.Hit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hits {
		if existing, ok := c.byRecord[h.RecordID]; ok {
			if h.Score > existing.Score {
				existing.Score = h.Score
			}
			continue
		}
		c.byRecord[h.RecordID] = &Source{
			RecordID:     h.RecordID,
			CollectionID: collectionID,
			Title:        h.Title,
			Location:     h.Location,
			Score:        h.Score,
		}
		c.order = append(c.order, h.RecordID)
	}
}

// sources returns the collected sources in first-retrieval order.
func (c *sourceCollector) sources() []Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Source, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byRecord[id])
	}
	return out
}

// scopeKey is the private context key for the turn's collection scope.
type scopeKey struct{}

// withScope restricts tool calls for the turn to the given collection id.
func withScope(ctx context.Context, collectionID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, collectionID)
}

// scopeFromContext returns the turn's collection scope, or "" when unscoped.
func scopeFromContext(ctx context.Context) string {
	s, _ := ctx.Value(scopeKey{}).(string)
	return s
}

// collectorKey is the private context key for the turn's source collector.
type collectorKey struct{}

// withCollector attaches the collector to the context for the duration of a
// turn.
func withCollector(ctx context.Context, c *sourceCollector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// collectorFromContext returns the turn's collector, or nil outside a turn.
func collectorFromContext(ctx context.Context) *sourceCollector {
	c, _ := ctx.Value(collectorKey{}).(*sourceCollector)
	return c
}
