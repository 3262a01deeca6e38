package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idekick/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend replays canned completion responses in order and records
// every request it receives.
type scriptedBackend struct {
	mu      sync.Mutex
	reqs    []domain.CompletionRequest
	replies []*domain.CompletionResponse
	err     error
}

func (b *scriptedBackend) Complete(_ context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if b.err != nil {
		return nil, b.err
	}
	if len(b.replies) == 0 {
		return &domain.CompletionResponse{Continuation: "resp_final"}, nil
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return r, nil
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) requests() []domain.CompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.CompletionRequest(nil), b.reqs...)
}

type fakeTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake " + t.name }
func (t *fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: "fake " + t.name}
}

func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if t.fn == nil {
		return &domain.ToolResult{Tool: t.name, Content: "ok"}, nil
	}
	return t.fn(ctx, params)
}

// fakeSource is an in-memory ToolSource for built-in tools.
type fakeSource struct {
	tools map[string]domain.Tool
}

func newFakeSource(tools ...domain.Tool) *fakeSource {
	s := &fakeSource{tools: make(map[string]domain.Tool)}
	for _, t := range tools {
		s.tools[t.Name()] = t
	}
	return s
}

func (s *fakeSource) Get(name string) (domain.Tool, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, domain.NewDomainError("fakeSource.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (s *fakeSource) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Schema())
	}
	return out
}

type externalInvocation struct {
	Server string
	Method string
	Args   map[string]any
}

// fakeExternal is an in-memory ExternalSource.
type fakeExternal struct {
	mu      sync.Mutex
	tools   []domain.ExternalTool
	result  *domain.ToolResult
	invoked []externalInvocation
}

func (f *fakeExternal) Resolve(flat string) (string, string, bool) {
	for _, t := range f.tools {
		if t.Flat == flat {
			return t.Server, t.Method, true
		}
	}
	return "", "", false
}

func (f *fakeExternal) Invoke(_ context.Context, server, method string, args map[string]any, _ time.Duration) *domain.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, externalInvocation{Server: server, Method: method, Args: args})
	if f.result != nil {
		return f.result
	}
	return &domain.ToolResult{Tool: server + "." + method, Content: "external ok"}
}

func (f *fakeExternal) Advertised() []domain.ExternalTool { return f.tools }

func allowAll() domain.ToolScope { return domain.ToolScope{AllowAll: true} }

func assistantItem(text string) domain.TurnItem {
	return domain.TurnItem{Kind: domain.ItemAssistant, Text: text, Timestamp: time.Now()}
}

func callItem(id, name, args string) domain.TurnItem {
	return domain.TurnItem{
		Kind:      domain.ItemFunctionCall,
		Call:      &domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)},
		Timestamp: time.Now(),
	}
}

func newTestEngine(backend domain.CompletionBackend, builtins domain.ToolSource, external domain.ExternalSource) *TurnEngine {
	logger := discardLogger()
	router := NewToolRouter(builtins, external, logger)
	return NewTurnEngine(backend, router, builtins, external, nil, logger)
}

func TestRunPlainAnswer(t *testing.T) {
	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{
			Items:        []domain.TurnItem{assistantItem("  hello there  ")},
			Continuation: "resp_1",
		},
	}}
	engine := newTestEngine(backend, newFakeSource(), nil)

	out, err := engine.Run(context.Background(), TurnInput{
		Model: "m",
		Items: []domain.TurnItem{domain.UserItem("hi")},
		Scope: allowAll(),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "hello there", out.Text)
	assert.Equal(t, "resp_1", out.Continuation)
	require.Len(t, backend.requests(), 1)
}

func TestRunToolLoop(t *testing.T) {
	var calls []string
	read := &fakeTool{name: "read_file", fn: func(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
		calls = append(calls, string(params))
		return &domain.ToolResult{Tool: "read_file", Content: "file body"}, nil
	}}

	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{
			Items: []domain.TurnItem{
				assistantItem("let me check"),
				callItem("c1", "read_file", `{"path":"main.go"}`),
			},
			Continuation: "resp_1",
		},
		{
			Items:        []domain.TurnItem{assistantItem("it imports fmt")},
			Continuation: "resp_2",
		},
	}}
	engine := newTestEngine(backend, newFakeSource(read), nil)

	var observed []domain.ItemKind
	out, err := engine.Run(context.Background(), TurnInput{
		Model:        "m",
		Items:        []domain.TurnItem{domain.UserItem("what does main.go import?")},
		Continuation: "resp_0",
		Scope:        allowAll(),
	}, func(item domain.TurnItem) { observed = append(observed, item.Kind) })
	require.NoError(t, err)

	// Text from the tool-calling round counts toward the final answer.
	assert.Equal(t, "let me check\nit imports fmt", out.Text)
	assert.Equal(t, "resp_2", out.Continuation)
	assert.Equal(t, []string{`{"path":"main.go"}`}, calls)

	// The second request feeds the tool output back against the first
	// response's continuation.
	reqs := backend.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "resp_0", reqs[0].Continuation)
	assert.Equal(t, "resp_1", reqs[1].Continuation)
	require.Len(t, reqs[1].Items, 1)
	assert.Equal(t, domain.ItemFunctionOutput, reqs[1].Items[0].Kind)
	assert.Equal(t, "c1", reqs[1].Items[0].Output.CallID)
	assert.JSONEq(t, `{"status":"ok","content":"file body"}`, string(reqs[1].Items[0].Output.Payload))

	assert.Equal(t, []domain.ItemKind{
		domain.ItemAssistant, domain.ItemFunctionCall, domain.ItemAssistant,
	}, observed)
}

func TestRunDuplicateCallIDExecutedOnce(t *testing.T) {
	var executions int
	tool := &fakeTool{name: "count", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		executions++
		return &domain.ToolResult{Tool: "count", Content: "done"}, nil
	}}

	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{
			Items: []domain.TurnItem{
				callItem("dup", "count", `{}`),
				callItem("dup", "count", `{}`),
			},
			Continuation: "resp_1",
		},
		{
			Items:        []domain.TurnItem{assistantItem("done")},
			Continuation: "resp_2",
		},
	}}
	engine := newTestEngine(backend, newFakeSource(tool), nil)

	out, err := engine.Run(context.Background(), TurnInput{
		Model: "m",
		Items: []domain.TurnItem{domain.UserItem("go")},
		Scope: allowAll(),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, executions)
	reqs := backend.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Items, 1, "one output for the duplicated call id")
	assert.Equal(t, "done", out.Text)
}

func TestRunToolFailureFoldedIntoConversation(t *testing.T) {
	tool := &fakeTool{name: "flaky", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return nil, fmt.Errorf("boom: %w", domain.ErrToolExecutionFailed)
	}}

	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{
			Items:        []domain.TurnItem{callItem("c1", "flaky", `{}`)},
			Continuation: "resp_1",
		},
		{
			Items:        []domain.TurnItem{assistantItem("the tool failed")},
			Continuation: "resp_2",
		},
	}}
	engine := newTestEngine(backend, newFakeSource(tool), nil)

	out, err := engine.Run(context.Background(), TurnInput{
		Model: "m",
		Items: []domain.TurnItem{domain.UserItem("go")},
		Scope: allowAll(),
	}, nil)
	require.NoError(t, err, "tool failures must not abort the turn")
	assert.Equal(t, "the tool failed", out.Text)

	reqs := backend.requests()
	require.Len(t, reqs, 2)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(reqs[1].Items[0].Output.Payload, &payload))
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, string(domain.CodeToolExecutionFailed), payload["code"])
}

func TestRunBackendError(t *testing.T) {
	backend := &scriptedBackend{err: domain.ErrTransportUnavailable}
	engine := newTestEngine(backend, newFakeSource(), nil)

	_, err := engine.Run(context.Background(), TurnInput{
		Model: "m",
		Items: []domain.TurnItem{domain.UserItem("hi")},
		Scope: allowAll(),
	}, nil)
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestRunCancelledContext(t *testing.T) {
	backend := &scriptedBackend{}
	engine := newTestEngine(backend, newFakeSource(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, TurnInput{
		Model: "m",
		Items: []domain.TurnItem{domain.UserItem("hi")},
		Scope: allowAll(),
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, backend.requests(), "no backend call after cancellation")
}

func TestDeclarationsScopeFiltered(t *testing.T) {
	read := &fakeTool{name: "read_file"}
	write := &fakeTool{name: "write_file"}
	external := &fakeExternal{tools: []domain.ExternalTool{
		{Server: "build", Method: "compile", Flat: "mcp_build_compile",
			Schema: domain.ToolSchema{Name: "compile", Description: "compile it"}},
		{Server: "vcs", Method: "log", Flat: "mcp_vcs_log",
			Schema: domain.ToolSchema{Name: "log", Description: "history"}},
	}}
	engine := newTestEngine(&scriptedBackend{}, newFakeSource(read, write), external)

	decls := engine.declarations(domain.ToolScope{
		Builtin:  []string{"read_file"},
		External: []string{"build.compile"},
	}, true)

	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"read_file", "mcp_build_compile"}, names)

	// Without external inclusion only built-ins remain.
	decls = engine.declarations(allowAll(), false)
	names = names[:0]
	for _, d := range decls {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"read_file", "write_file"}, names)
}
