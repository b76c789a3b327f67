package events

import "context"

// Scope identifies the session and turn an event belongs to.
type Scope struct {
	// SessionID is the conversation identifier.
	SessionID string
	// MessageID is the turn identifier within the conversation.
	MessageID string
}

// scopeKey is the private context key for the event scope.
type scopeKey struct{}

// WithScope returns a context carrying the event scope. Everything called
// beneath it emits events into that session.
func WithScope(ctx context.Context, sessionID, messageID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, Scope{SessionID: sessionID, MessageID: messageID})
}

// ScopeFromContext extracts the event scope, reporting whether one is set.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok && scope.SessionID != ""
}
