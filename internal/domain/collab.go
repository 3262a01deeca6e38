package domain

import "context"

// Display is the fire-and-forget surface for user-visible progress text
// (assistant messages, "calling tool X", cancellations). Implementations
// must never block or panic into the caller.
type Display interface {
	Post(label, text string)
}

// Speech speaks assistant text out loud for the primary session. Best
// effort: failures must not affect the turn.
type Speech interface {
	Speak(text string)
}

// PersistedAgent is the durable form of a sub-agent: its config plus its
// private continuation token.
type PersistedAgent struct {
	ID           string      `json:"id"`
	Config       AgentConfig `json:"config"`
	Continuation string      `json:"continuation,omitempty"`
}

// Persistence stores the primary session's continuation token and the
// sub-agent roster across restarts.
type Persistence interface {
	LoadPrimaryToken(ctx context.Context) (string, error)
	SavePrimaryToken(ctx context.Context, token string) error
	LoadAgents(ctx context.Context) ([]PersistedAgent, error)
	SaveAgent(ctx context.Context, agent PersistedAgent) error
	DeleteAgent(ctx context.Context, id string) error
	Close() error
}

// WorkspaceHost is the narrow contract with the host IDE's project services.
// Built-in tools delegate all file and project work through it; how the host
// performs these operations is outside this module.
type WorkspaceHost interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	ApplyPatch(ctx context.Context, path, patch string) error
	ProjectTree(ctx context.Context, maxDepth int) (string, error)
	Search(ctx context.Context, query string, maxResults int) (string, error)
	RunTests(ctx context.Context, target string) (string, error)
	// ProjectKinds reports detected project types (e.g. "go", "maven"),
	// used to gate which built-in tools are registered.
	ProjectKinds() []string
}
