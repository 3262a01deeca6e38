package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"idekick/internal/domain"
	"idekick/internal/infra/config"
)

// AgentManager owns the sub-agent roster. Each agent is a named parallel
// conversation with its own continuation token, tool scope and serial
// execution lane; tasks delegated to different agents run concurrently while
// tasks for the same agent stay strictly ordered.
type AgentManager struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	engine  *TurnEngine
	persist domain.Persistence // nil disables durability
	display domain.Display     // nil disables progress output
	cfg     config.AgentsConfig
	model   string // default model when the agent config names none
	bus     domain.EventBus
	logger  *slog.Logger
}

type agentState struct {
	mu           sync.Mutex
	info         domain.AgentInfo
	lane         *Lane
	continuation string
}

func NewAgentManager(
	engine *TurnEngine,
	persist domain.Persistence,
	display domain.Display,
	cfg config.AgentsConfig,
	defaultModel string,
	bus domain.EventBus,
	logger *slog.Logger,
) *AgentManager {
	return &AgentManager{
		agents:  make(map[string]*agentState),
		engine:  engine,
		persist: persist,
		display: display,
		cfg:     cfg,
		model:   defaultModel,
		bus:     bus,
		logger:  logger,
	}
}

// CreateAgent adds a new agent to the roster.
func (m *AgentManager) CreateAgent(ctx context.Context, cfg domain.AgentConfig) (domain.AgentInfo, error) {
	if !m.cfg.Enabled {
		return domain.AgentInfo{}, domain.NewDomainError("AgentManager.CreateAgent", domain.ErrFeatureDisabled, "agents")
	}
	if strings.TrimSpace(cfg.Role) == "" {
		return domain.AgentInfo{}, domain.NewDomainError("AgentManager.CreateAgent", domain.ErrMissingParameter, "role")
	}

	info := domain.AgentInfo{
		ID:     ulid.Make().String(),
		Config: cfg,
	}
	st := &agentState{
		info: info,
		lane: NewLane(m.cfg.LaneBuffer),
	}

	m.mu.Lock()
	m.agents[info.ID] = st
	m.mu.Unlock()

	if err := m.save(ctx, st); err != nil {
		m.logger.Warn("agent not persisted", "agent", info.ID, "error", err)
	}
	m.publish(ctx, domain.EventAgentCreated, info.ID, map[string]any{"role": cfg.Role})
	m.logger.Info("agent created", "agent", info.ID, "role", cfg.Role)
	return info, nil
}

// ListAgents returns the roster ordered by creation time.
func (m *AgentManager) ListAgents() []domain.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]domain.AgentInfo, 0, len(m.agents))
	for _, st := range m.agents {
		infos = append(infos, st.info)
	}
	// ULIDs sort lexicographically by creation time.
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// RemoveAgent stops and deletes an agent.
func (m *AgentManager) RemoveAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	st, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if !ok {
		return domain.NewDomainError("AgentManager.RemoveAgent", domain.ErrUnknownTarget, id)
	}

	st.mu.Lock()
	lane := st.lane
	st.mu.Unlock()
	lane.Close()
	if m.persist != nil {
		if err := m.persist.DeleteAgent(ctx, id); err != nil {
			m.logger.Warn("agent not deleted from store", "agent", id, "error", err)
		}
	}
	m.publish(ctx, domain.EventAgentRemoved, id, nil)
	return nil
}

// SendToAgent queues a task on the agent's lane and returns immediately.
// The outcome is surfaced through the display and the event bus.
func (m *AgentManager) SendToAgent(ctx context.Context, id, message string) error {
	if !m.cfg.Enabled {
		return domain.NewDomainError("AgentManager.SendToAgent", domain.ErrFeatureDisabled, "agents")
	}
	st := m.state(id)
	if st == nil {
		return domain.NewDomainError("AgentManager.SendToAgent", domain.ErrUnknownTarget, id)
	}

	st.mu.Lock()
	lane := st.lane
	st.mu.Unlock()
	err := lane.Submit(func(taskCtx context.Context) {
		_, _ = m.runAgentTurn(taskCtx, st, message)
	})
	if err != nil {
		return domain.WrapOp("AgentManager.SendToAgent", err)
	}
	return nil
}

// SendToAgentSync queues a task and waits for its text reply. Tasks for the
// same agent still serialize behind the lane.
func (m *AgentManager) SendToAgentSync(ctx context.Context, id, message string) (string, error) {
	if !m.cfg.Enabled {
		return "", domain.NewDomainError("AgentManager.SendToAgentSync", domain.ErrFeatureDisabled, "agents")
	}
	st := m.state(id)
	if st == nil {
		return "", domain.NewDomainError("AgentManager.SendToAgentSync", domain.ErrUnknownTarget, id)
	}

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)

	st.mu.Lock()
	lane := st.lane
	st.mu.Unlock()
	err := lane.Submit(func(taskCtx context.Context) {
		text, runErr := m.runAgentTurn(taskCtx, st, message)
		done <- reply{text: text, err: runErr}
	})
	if err != nil {
		return "", domain.WrapOp("AgentManager.SendToAgentSync", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.text, domain.WrapOp("AgentManager.SendToAgentSync", r.err)
	}
}

func (m *AgentManager) runAgentTurn(ctx context.Context, st *agentState, message string) (string, error) {
	st.mu.Lock()
	info := st.info
	continuation := st.continuation
	st.mu.Unlock()

	m.publish(ctx, domain.EventAgentTaskStarted, info.ID, map[string]any{"role": info.Config.Role})

	items := []domain.TurnItem{domain.UserItem(message)}
	if continuation == "" {
		// First exchange: announce the role before the task.
		items = []domain.TurnItem{
			domain.SystemItem(fmt.Sprintf("You are the %q agent.", info.Config.Role)),
			domain.UserItem(message),
		}
	}

	model := info.Config.Model
	if model == "" {
		model = m.model
	}

	out, err := m.engine.Run(ctx, TurnInput{
		SessionID:       info.ID,
		Model:           model,
		Instructions:    m.instructions(info.Config),
		Items:           items,
		Continuation:    continuation,
		Scope:           info.Config.Scope,
		IncludeExternal: info.Config.IncludeExternal,
	}, m.observer(info.Config.Role))
	if err != nil {
		if ctx.Err() != nil {
			m.logger.Info("agent task cancelled", "agent", info.ID)
		} else {
			m.logger.Error("agent task failed", "agent", info.ID, "error", err)
			m.post(info.Config.Role, "task failed: "+err.Error())
		}
		m.publish(ctx, domain.EventAgentTaskCompleted, info.ID, map[string]any{"error": true})
		return "", err
	}

	st.mu.Lock()
	st.continuation = out.Continuation
	st.mu.Unlock()
	if saveErr := m.save(ctx, st); saveErr != nil {
		m.logger.Warn("agent continuation not persisted", "agent", info.ID, "error", saveErr)
	}

	text := out.Text
	if text == "" {
		text = m.cfg.NoTextReply
		m.post(info.Config.Role, text)
	}
	m.publish(ctx, domain.EventAgentTaskCompleted, info.ID, map[string]any{"error": false})
	return text, nil
}

// observer surfaces turn progress under the agent's role label. Assistant
// text is posted as it appears, so runAgentTurn only posts the placeholder
// when a turn produced no text at all.
func (m *AgentManager) observer(role string) func(domain.TurnItem) {
	if m.display == nil {
		return nil
	}
	return func(item domain.TurnItem) {
		switch item.Kind {
		case domain.ItemAssistant:
			if item.Text != "" {
				m.post(role, item.Text)
			}
		case domain.ItemReasoning:
			if item.Text != "" {
				m.post("reasoning", item.Text)
			}
		case domain.ItemFunctionCall:
			if item.Call != nil {
				m.post(role, "calling "+item.Call.Name)
			}
		}
	}
}

// StopAgent abandons the agent's in-flight task and queued work by replacing
// its lane. The agent itself, including its conversation state, survives.
func (m *AgentManager) StopAgent(id string) error {
	st := m.state(id)
	if st == nil {
		return domain.NewDomainError("AgentManager.StopAgent", domain.ErrUnknownTarget, id)
	}

	st.mu.Lock()
	old := st.lane
	st.lane = NewLane(m.cfg.LaneBuffer)
	st.mu.Unlock()
	old.Close()

	m.logger.Info("agent stopped", "agent", id)
	return nil
}

// StopAllAgents stops every agent's in-flight work.
func (m *AgentManager) StopAllAgents() {
	for _, info := range m.ListAgents() {
		_ = m.StopAgent(info.ID)
	}
}

// ResetForNewSession clears every agent's conversation state while keeping
// the roster intact: after a session reset the same agents exist but start
// from a blank exchange.
func (m *AgentManager) ResetForNewSession(ctx context.Context) {
	m.StopAllAgents()

	m.mu.RLock()
	states := make([]*agentState, 0, len(m.agents))
	for _, st := range m.agents {
		states = append(states, st)
	}
	m.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		st.continuation = ""
		id := st.info.ID
		st.mu.Unlock()
		if err := m.save(ctx, st); err != nil {
			m.logger.Warn("agent reset not persisted", "agent", id, "error", err)
		}
		m.publish(ctx, domain.EventAgentReset, id, nil)
	}
}

// RestoreSaved loads the persisted roster at startup. With agents disabled
// the saved roster stays in the store untouched.
func (m *AgentManager) RestoreSaved(ctx context.Context) error {
	if m.persist == nil || !m.cfg.Enabled || !m.cfg.RestoreSaved {
		return nil
	}
	saved, err := m.persist.LoadAgents(ctx)
	if err != nil {
		return domain.WrapOp("AgentManager.RestoreSaved", err)
	}

	m.mu.Lock()
	for _, agent := range saved {
		if _, exists := m.agents[agent.ID]; exists {
			continue
		}
		m.agents[agent.ID] = &agentState{
			info:         domain.AgentInfo{ID: agent.ID, Config: agent.Config},
			lane:         NewLane(m.cfg.LaneBuffer),
			continuation: agent.Continuation,
		}
	}
	m.mu.Unlock()

	m.logger.Info("agents restored", "count", len(saved))
	return nil
}

// Close stops all lanes.
func (m *AgentManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.agents {
		st.mu.Lock()
		lane := st.lane
		st.mu.Unlock()
		lane.Close()
	}
}

func (m *AgentManager) state(id string) *agentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

func (m *AgentManager) instructions(cfg domain.AgentConfig) string {
	parts := []string{m.cfg.BasePrompt}
	parts = append(parts, fmt.Sprintf("Your role: %s.", cfg.Role))
	if cfg.Instructions != "" {
		parts = append(parts, cfg.Instructions)
	}
	return strings.Join(parts, "\n\n")
}

func (m *AgentManager) save(ctx context.Context, st *agentState) error {
	if m.persist == nil {
		return nil
	}
	st.mu.Lock()
	agent := domain.PersistedAgent{
		ID:           st.info.ID,
		Config:       st.info.Config,
		Continuation: st.continuation,
	}
	st.mu.Unlock()
	return m.persist.SaveAgent(ctx, agent)
}

func (m *AgentManager) post(label, text string) {
	if m.display == nil {
		return
	}
	m.display.Post(label, text)
}

func (m *AgentManager) publish(ctx context.Context, t domain.EventType, agentID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: agentID,
		Payload:   raw,
	})
}
