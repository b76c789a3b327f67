// Package orchestrator runs the retrieval question-answering loop. Each turn
// takes a user question, lets the agent search collections through the tool
// registry, and returns a structured answer with source attribution. Turn
// progress is published to the event pipeline and both sides of the exchange
// are persisted to conversation history.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/civiq/civiq-go/internal/budget"
	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/history"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/toolreg"
)

// ErrReasonerTimeout indicates the reasoning backend did not produce a
// response within the configured deadline. The accompanying Answer carries a
// fallback text so callers can still serve a degraded response.
var ErrReasonerTimeout = errors.New("orchestrator: reasoning service timed out")

const (
	// defaultTurnTimeout bounds a single reasoning turn end to end,
	// including all tool calls.
	defaultTurnTimeout = 120 * time.Second

	// defaultHistoryDepth is how many prior messages are loaded per turn
	// before token trimming.
	defaultHistoryDepth = 20

	// fallbackAnswer is returned when the reasoner times out or fails.
	fallbackAnswer = "I wasn't able to produce an answer to this question. " +
		"Please try again, or rephrase the question."
)

// Reasoner produces an assistant message for a prepared message slice. It is
// satisfied by the ReAct agent adapter and by test fakes.
type Reasoner interface {
	Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error)
}

// reactReasoner adapts react.Agent to the Reasoner interface.
type reactReasoner struct {
	agent *react.Agent
}

func (r *reactReasoner) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	return r.agent.Generate(ctx, input) //nolint:wrapcheck // passthrough
}

// Answer is the structured result of one question-answering turn.
type Answer struct {
	// MessageID identifies the turn; pipeline events for the turn carry it.
	MessageID string `json:"message_id"`
	// SessionID is the conversation the turn belongs to.
	SessionID string `json:"session_id"`
	// Text is the answer body.
	Text string `json:"text"`
	// Sources lists the records the answer was grounded on, best score per
	// record, in first-retrieval order.
	Sources []Source `json:"sources,omitempty"`
	// Confidence is the model's self-reported confidence in [0,1]. Zero for
	// fallback answers.
	Confidence float64 `json:"confidence"`
	// FollowUps are suggested next questions.
	FollowUps []string `json:"follow_ups,omitempty"`
	// Degraded is true when the answer is a timeout fallback rather than a
	// real model response.
	Degraded bool `json:"degraded,omitempty"`
}

// Config carries the orchestrator's dependencies and tuning.
type Config struct {
	// ChatModel is the tool-calling LLM backend. Required unless Reasoner
	// is set.
	ChatModel model.ToolCallingChatModel

	// Tools resolves collection aliases for the search tool and supplies
	// the collection listing for the system prompt. Required.
	Tools *toolreg.Registry

	// History persists conversation turns. Required.
	History history.ConversationStore

	// Pipeline receives turn progress events. Optional.
	Pipeline *events.Pipeline

	// Reasoner overrides the react agent; used by tests.
	Reasoner Reasoner

	// TurnTimeout bounds one reasoning turn. Defaults to defaultTurnTimeout.
	TurnTimeout time.Duration

	// HistoryDepth is how many prior messages to load per turn. Defaults
	// to defaultHistoryDepth.
	HistoryDepth int

	// MaxContextTokens is the input token budget for history trimming.
	// Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Orchestrator drives question-answering turns against the collection corpus.
type Orchestrator struct {
	reasoner Reasoner
	tools    *toolreg.Registry
	history  history.ConversationStore
	pipeline *events.Pipeline

	turnTimeout      time.Duration
	historyDepth     int
	maxContextTokens int
}

// New constructs an Orchestrator. Unless cfg.Reasoner is set, a ReAct agent
// is built over cfg.ChatModel with the collection search tool attached.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("orchestrator: tool registry is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("orchestrator: conversation store is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}

	reasoner := cfg.Reasoner
	if reasoner == nil {
		if cfg.ChatModel == nil {
			return nil, fmt.Errorf("orchestrator: chat model is required")
		}
		searchTool := NewSearchTool(cfg.Tools, cfg.Pipeline)
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: cfg.ChatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: []tool.BaseTool{searchTool},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: create agent: %w", err)
		}
		reasoner = &reactReasoner{agent: agent}
	}

	return &Orchestrator{
		reasoner:         reasoner,
		tools:            cfg.Tools,
		history:          cfg.History,
		pipeline:         cfg.Pipeline,
		turnTimeout:      cfg.TurnTimeout,
		historyDepth:     cfg.HistoryDepth,
		maxContextTokens: cfg.MaxContextTokens,
	}, nil
}

// Chat runs one question-answering turn for the session. A non-empty scope
// restricts retrieval to that single collection (id or alias); it must
// resolve, otherwise the turn fails before the reasoner runs. When the
// reasoner times out or fails outright Chat returns a fallback Answer
// together with the error (wrapping ErrReasonerTimeout for timeouts), so
// callers can serve the degraded answer while still observing the failure.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, question, scope string) (*Answer, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("orchestrator: session id is required")
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("orchestrator: question is required")
	}

	var scoped *toolreg.Handle
	if scope != "" {
		h, err := o.tools.Get(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolve scope %q: %w", scope, err)
		}
		scoped = h
		ctx = withScope(ctx, h.Collection.ID)
	}

	messageID := uuid.NewString()
	ctx = events.WithScope(ctx, sessionID, messageID)
	log := logging.FromContext(ctx).With(
		slog.String("session_id", sessionID),
		slog.String("message_id", messageID),
	)

	o.emit(ctx, events.TypeMessageReceived, events.StatusCompleted,
		"Message received", map[string]any{"question": question})

	collector := newSourceCollector()
	ctx = withCollector(ctx, collector)

	msgs, err := o.buildMessages(ctx, sessionID, question, scoped)
	if err != nil {
		log.Error("orchestrator: build messages failed", slog.Any("error", err))
		o.emit(ctx, events.TypeResponseGeneration, events.StatusFailed,
			"The answer could not be produced", map[string]any{
				"degraded": true,
				"error":    err.Error(),
			})
		return o.degradedAnswer(messageID, sessionID, collector), err
	}

	o.emit(ctx, events.TypeAgentThinking, events.StatusStarted,
		"Looking through the collections", nil)

	turnCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	start := time.Now()
	out, err := o.reasoner.Generate(turnCtx, msgs)
	if err != nil {
		answer := o.degradedAnswer(messageID, sessionID, collector)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			log.Warn("orchestrator: reasoner timed out", slog.Duration("timeout", o.turnTimeout))
			o.emit(ctx, events.TypeResponseGeneration, events.StatusFailed,
				"The answer took too long to produce", map[string]any{
					"degraded":           true,
					"processing_time_ms": time.Since(start).Milliseconds(),
				})
			return answer, fmt.Errorf("orchestrator: chat: %w", ErrReasonerTimeout)
		}
		log.Error("orchestrator: reasoner failed", slog.Any("error", err))
		o.emit(ctx, events.TypeResponseGeneration, events.StatusFailed,
			"The answer could not be produced", map[string]any{
				"degraded":           true,
				"error":              err.Error(),
				"processing_time_ms": time.Since(start).Milliseconds(),
			})
		return answer, fmt.Errorf("orchestrator: chat: %w", err)
	}

	o.emit(ctx, events.TypeResponseGeneration, events.StatusCompleted,
		"Answer ready", map[string]any{
			"processing_time_ms": time.Since(start).Milliseconds(),
		})

	answer := parseAnswer(out.Content)
	answer.MessageID = messageID
	answer.SessionID = sessionID
	answer.Sources = collector.sources()
	if answer.Confidence == 0 && len(answer.Sources) > 0 {
		answer.Confidence = confidenceFromSources(answer.Sources)
	}

	o.emit(ctx, events.TypeSavingMessage, events.StatusCompleted, "", nil)
	o.persistTurn(ctx, log, sessionID, question, answer.Text)

	return answer, nil
}

// degradedAnswer builds the zero-confidence fallback served when a turn
// cannot produce a real answer. Any sources gathered before the failure are
// still attributed.
func (o *Orchestrator) degradedAnswer(messageID, sessionID string, collector *sourceCollector) *Answer {
	return &Answer{
		MessageID: messageID,
		SessionID: sessionID,
		Text:      fallbackAnswer,
		Sources:   collector.sources(),
		Degraded:  true,
	}
}

// buildMessages assembles the LLM input: system prompt with the current
// collection listing, trimmed conversation history, then the user question.
func (o *Orchestrator) buildMessages(ctx context.Context, sessionID, question string, scoped *toolreg.Handle) ([]*schema.Message, error) {
	system := schema.SystemMessage(o.systemPrompt(scoped))
	user := schema.UserMessage(question)

	past, err := o.history.Recent(ctx, sessionID, o.historyDepth)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load history: %w", err)
	}
	hist := make([]*schema.Message, 0, len(past))
	for _, m := range past {
		switch m.Role {
		case history.RoleUser:
			hist = append(hist, schema.UserMessage(m.Content))
		case history.RoleAssistant:
			hist = append(hist, schema.AssistantMessage(m.Content, nil))
		}
	}
	hist = budget.TrimHistory([]*schema.Message{system, user}, hist, o.maxContextTokens)

	msgs := make([]*schema.Message, 0, len(hist)+2)
	msgs = append(msgs, system)
	msgs = append(msgs, hist...)
	msgs = append(msgs, user)
	return msgs, nil
}

// systemPrompt renders the agent instructions with the live collection
// listing, so newly registered collections are usable without a restart.
// When a scope handle is given only that collection is listed.
func (o *Orchestrator) systemPrompt(scoped *toolreg.Handle) string {
	var sb strings.Builder
	sb.WriteString(`You are a public-service information assistant. Answer questions using only
passages retrieved with the search_documents tool. If the retrieved passages do
not contain the answer, say so plainly instead of guessing.

Available collections:
`)
	handles := o.tools.List()
	if scoped != nil {
		handles = []*toolreg.Handle{scoped}
	}
	if len(handles) == 0 {
		sb.WriteString("(none registered)\n")
	}
	for _, h := range handles {
		fmt.Fprintf(&sb, "- %s: %s\n", h.Collection.ID, h.Collection.Description)
	}
	sb.WriteString(`
After gathering passages, reply with a single JSON object:
{"answer": "<the answer, citing passage sources inline>",
 "confidence": <0.0-1.0, how well the passages support the answer>,
 "follow_ups": ["<two to four short follow-up questions>"]}
Reply with the JSON object only, no surrounding text.`)
	return sb.String()
}

// answerEnvelope is the JSON shape the agent is instructed to reply with.
type answerEnvelope struct {
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	FollowUps  []string `json:"follow_ups"`
}

// parseAnswer decodes the agent's reply. Models sometimes wrap the JSON in
// code fences or prose; parsing falls back to the raw text when no envelope
// can be extracted, so a malformed reply still produces a usable answer.
func parseAnswer(content string) *Answer {
	raw := strings.TrimSpace(content)

	candidate := raw
	if start := strings.Index(candidate, "{"); start >= 0 {
		if end := strings.LastIndex(candidate, "}"); end > start {
			candidate = candidate[start : end+1]
		}
	}

	var env answerEnvelope
	if err := json.Unmarshal([]byte(candidate), &env); err == nil && env.Answer != "" {
		if env.Confidence < 0 {
			env.Confidence = 0
		}
		if env.Confidence > 1 {
			env.Confidence = 1
		}
		return &Answer{
			Text:       env.Answer,
			Confidence: env.Confidence,
			FollowUps:  env.FollowUps,
		}
	}
	return &Answer{Text: raw}
}

// confidenceFromSources derives a confidence value from the best retrieval
// score when the model did not report one. Scores are cosine similarities in
// [0,1] for the distance metric in use.
func confidenceFromSources(sources []Source) float64 {
	var best float32
	for _, s := range sources {
		if s.Score > best {
			best = s.Score
		}
	}
	if best < 0 {
		return 0
	}
	if best > 1 {
		return 1
	}
	return float64(best)
}

// persistTurn appends both sides of the exchange to history. Persistence
// failures are logged, never surfaced: the user already has the answer.
func (o *Orchestrator) persistTurn(ctx context.Context, log *slog.Logger, sessionID, question, answer string) {
	if _, err := o.history.Append(ctx, sessionID, history.RoleUser, question); err != nil {
		log.Warn("orchestrator: persist user message failed", slog.Any("error", err))
	}
	if _, err := o.history.Append(ctx, sessionID, history.RoleAssistant, answer); err != nil {
		log.Warn("orchestrator: persist assistant message failed", slog.Any("error", err))
	}
}

// emit publishes a turn progress event when a pipeline is attached.
func (o *Orchestrator) emit(ctx context.Context, eventType, status, message string, payload map[string]any) {
	if o.pipeline == nil {
		return
	}
	o.pipeline.Emit(ctx, eventType, status, message, payload)
}
