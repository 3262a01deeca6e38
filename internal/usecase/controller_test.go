package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idekick/internal/domain"
	"idekick/internal/infra/config"
)

func sessionConfig() config.SessionConfig {
	return config.SessionConfig{
		Instructions:  "You live inside an IDE.",
		Model:         "primary-model",
		AllowAllTools: true,
	}
}

func newTestController(backend domain.CompletionBackend, store domain.Persistence, display domain.Display) *SessionController {
	engine := newTestEngine(backend, newFakeSource(), nil)
	scope := NewScopeService(true)
	return NewSessionController(engine, scope, nil, store, display, nil, sessionConfig(), nil, discardLogger())
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	c := newTestController(&scriptedBackend{}, nil, nil)
	defer c.Close()

	err := c.SendMessage("   ")
	require.ErrorIs(t, err, domain.ErrEmptyMessage)
}

func TestSendMessageRunsTurn(t *testing.T) {
	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{Items: []domain.TurnItem{assistantItem("hello")}, Continuation: "resp_1"},
	}}
	store := newMemStore()
	display := newFakeDisplay()
	c := newTestController(backend, store, display)
	defer c.Close()

	require.NoError(t, c.SendMessage("hi"))

	label, text := display.wait(t)
	assert.Equal(t, "assistant", label)
	assert.Equal(t, "hello", text)

	// The continuation is persisted once the turn converges.
	assert.Eventually(t, func() bool {
		token, _ := store.LoadPrimaryToken(context.Background())
		return token == "resp_1"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return !c.InProgress() },
		2*time.Second, 10*time.Millisecond)

	reqs := backend.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "primary-model", reqs[0].Model)
	assert.Equal(t, "You live inside an IDE.", reqs[0].Instructions)
	require.Len(t, reqs[0].Items, 1)
	assert.Equal(t, "hi", reqs[0].Items[0].Text)
}

func TestSendMessagePostsToolProgress(t *testing.T) {
	tool := &fakeTool{name: "read_file"}
	engine := newTestEngine(&scriptedBackend{replies: []*domain.CompletionResponse{
		{Items: []domain.TurnItem{callItem("c1", "read_file", `{}`)}, Continuation: "resp_1"},
		{Items: []domain.TurnItem{assistantItem("done")}, Continuation: "resp_2"},
	}}, newFakeSource(tool), nil)
	display := newFakeDisplay()
	c := NewSessionController(engine, NewScopeService(true), nil, nil, display, nil,
		sessionConfig(), nil, discardLogger())
	defer c.Close()

	require.NoError(t, c.SendMessage("read it"))

	_, text := display.wait(t)
	assert.Equal(t, "calling read_file", text)
	_, text = display.wait(t)
	assert.Equal(t, "done", text)
}

func TestContextHookPrependsItems(t *testing.T) {
	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{Items: []domain.TurnItem{assistantItem("ok")}, Continuation: "resp_1"},
	}}
	display := newFakeDisplay()
	c := newTestController(backend, nil, display)
	defer c.Close()

	c.SetContextHook(func() []domain.TurnItem {
		return []domain.TurnItem{domain.SystemItem("open file: main.go")}
	})

	require.NoError(t, c.SendMessage("what am I looking at?"))
	display.wait(t)

	reqs := backend.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Items, 2)
	assert.Equal(t, domain.ItemSystem, reqs[0].Items[0].Kind)
	assert.Equal(t, "open file: main.go", reqs[0].Items[0].Text)
	assert.Equal(t, domain.ItemUser, reqs[0].Items[1].Kind)
}

func TestStopProcessingReportsCancellation(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	backend := &blockingBackend{started: started, block: block}
	store := newMemStore()
	require.NoError(t, store.SavePrimaryToken(context.Background(), "resp_keep"))
	display := newFakeDisplay()
	c := newTestController(backend, store, display)
	defer c.Close()

	require.NoError(t, c.Restore(context.Background()))
	require.NoError(t, c.SendMessage("long question"))
	<-started

	c.StopProcessing()

	_, text := display.wait(t)
	assert.Equal(t, "(stopped)", text)

	// A cancelled turn leaves the continuation at the last converged state.
	token, err := store.LoadPrimaryToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "resp_keep", token)

	assert.Eventually(t, func() bool { return !c.InProgress() },
		2*time.Second, 10*time.Millisecond)
}

func TestRestoreResumesConversation(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SavePrimaryToken(context.Background(), "resp_42"))

	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{Items: []domain.TurnItem{assistantItem("welcome back")}, Continuation: "resp_43"},
	}}
	display := newFakeDisplay()
	c := newTestController(backend, store, display)
	defer c.Close()

	require.NoError(t, c.Restore(context.Background()))
	require.NoError(t, c.SendMessage("where were we?"))
	display.wait(t)

	reqs := backend.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "resp_42", reqs[0].Continuation)
}

func TestNewSessionResetsEverything(t *testing.T) {
	backend := &scriptedBackend{replies: []*domain.CompletionResponse{
		{Items: []domain.TurnItem{assistantItem("answer")}, Continuation: "resp_1"},
		{Items: []domain.TurnItem{assistantItem("agent answer")}, Continuation: "agent_1"},
	}}
	store := newMemStore()
	display := newFakeDisplay()

	engine := newTestEngine(backend, newFakeSource(), nil)
	agents := NewAgentManager(engine, store, display, agentsConfig(), "m", nil, discardLogger())
	defer agents.Close()
	scope := NewScopeService(true)
	c := NewSessionController(engine, scope, agents, store, display, nil,
		sessionConfig(), nil, discardLogger())
	defer c.Close()

	ctx := context.Background()
	info, err := agents.CreateAgent(ctx, domain.AgentConfig{Role: "reviewer", Scope: allowAll()})
	require.NoError(t, err)

	require.NoError(t, c.SendMessage("hi"))
	display.wait(t)
	require.Eventually(t, func() bool {
		token, _ := store.LoadPrimaryToken(ctx)
		return token == "resp_1"
	}, 2*time.Second, 10*time.Millisecond)
	_, err = agents.SendToAgentSync(ctx, info.ID, "work")
	require.NoError(t, err)

	scope.SetSticky(domain.ToolScope{Builtin: []string{"read_file"}})

	c.NewSession(ctx)

	token, err := store.LoadPrimaryToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	saved, ok := store.agent(info.ID)
	require.True(t, ok, "agent roster survives a new session")
	assert.Empty(t, saved.Continuation)

	assert.True(t, scope.TakeTurnScope().AllowAll, "scope selections dropped")
}
