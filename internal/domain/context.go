package domain

import "context"

type ctxKey string

const sessionCtxKey ctxKey = "session_id"

// ContextWithSessionID returns a new context carrying the conversation ID:
// "primary" for the main session, the agent's ULID for sub-agents.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the conversation ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}
