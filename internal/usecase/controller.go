package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"idekick/internal/domain"
	"idekick/internal/infra/config"
)

const assistantLabel = "assistant"

// SessionController drives the primary conversation. Messages are queued on
// a serial lane so the user can keep typing while a turn runs; stop requests
// cancel the in-flight turn without corrupting the continuation token.
type SessionController struct {
	engine  *TurnEngine
	lane    *Lane
	scope   *ScopeService
	agents  *AgentManager
	persist domain.Persistence // nil disables durability
	display domain.Display     // nil disables progress output
	speech  domain.Speech      // nil disables speech
	cfg     config.SessionConfig
	bus     domain.EventBus
	logger  *slog.Logger

	mu           sync.Mutex
	continuation string
	inProgress   bool
	contextHook  func() []domain.TurnItem
}

func NewSessionController(
	engine *TurnEngine,
	scope *ScopeService,
	agents *AgentManager,
	persist domain.Persistence,
	display domain.Display,
	speech domain.Speech,
	cfg config.SessionConfig,
	bus domain.EventBus,
	logger *slog.Logger,
) *SessionController {
	return &SessionController{
		engine:  engine,
		lane:    NewLane(8),
		scope:   scope,
		agents:  agents,
		persist: persist,
		display: display,
		speech:  speech,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
	}
}

// Restore loads the persisted continuation token so a restart resumes the
// previous conversation.
func (c *SessionController) Restore(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	token, err := c.persist.LoadPrimaryToken(ctx)
	if err != nil {
		return domain.WrapOp("SessionController.Restore", err)
	}
	c.mu.Lock()
	c.continuation = token
	c.mu.Unlock()
	return nil
}

// SetContextHook installs a provider of host context items (open file,
// selection, diagnostics) that are prepended to every user message.
func (c *SessionController) SetContextHook(hook func() []domain.TurnItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contextHook = hook
}

// SendMessage queues a user message and returns immediately. A second
// message sent while a turn is running waits its turn on the lane; when the
// queue is full the submission is rejected with ErrSessionBusy.
func (c *SessionController) SendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.NewDomainError("SessionController.SendMessage", domain.ErrEmptyMessage, "")
	}
	err := c.lane.Submit(func(ctx context.Context) {
		c.runTurn(ctx, text)
	})
	return domain.WrapOp("SessionController.SendMessage", err)
}

func (c *SessionController) runTurn(ctx context.Context, text string) {
	c.setInProgress(ctx, true)
	defer c.setInProgress(ctx, false)

	c.mu.Lock()
	continuation := c.continuation
	hook := c.contextHook
	c.mu.Unlock()

	var items []domain.TurnItem
	if hook != nil {
		items = hook()
	}
	items = append(items, domain.UserItem(text))

	out, err := c.engine.Run(ctx, TurnInput{
		SessionID:       "primary",
		Model:           c.cfg.Model,
		Instructions:    c.cfg.Instructions,
		Items:           items,
		Continuation:    continuation,
		Scope:           c.scope.TakeTurnScope(),
		IncludeExternal: true,
	}, c.observe)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// A stop request, not a failure. The continuation stays at the
			// last converged turn so the conversation resumes cleanly.
			c.post(assistantLabel, "(stopped)")
			c.publish(ctx, domain.EventSessionCancelled, nil)
			c.logger.Info("turn cancelled")
			return
		}
		c.logger.Error("turn failed", "error", err)
		c.post(assistantLabel, "request failed: "+err.Error())
		return
	}

	c.mu.Lock()
	c.continuation = out.Continuation
	c.mu.Unlock()
	c.savePrimaryToken(ctx, out.Continuation)

	if out.Text != "" && c.speech != nil && c.cfg.Speech {
		c.speech.Speak(out.Text)
	}
}

// observe surfaces turn progress as it happens: assistant text, reasoning
// traces and tool calls. Raw function outputs are not shown.
func (c *SessionController) observe(item domain.TurnItem) {
	switch item.Kind {
	case domain.ItemAssistant:
		if item.Text != "" {
			c.post(assistantLabel, item.Text)
		}
	case domain.ItemReasoning:
		if item.Text != "" {
			c.post("reasoning", item.Text)
		}
	case domain.ItemFunctionCall:
		if item.Call != nil {
			c.post(assistantLabel, "calling "+item.Call.Name)
		}
	}
}

// StopProcessing cancels the in-flight turn and drops queued messages.
func (c *SessionController) StopProcessing() {
	c.lane.CancelCurrent()
}

// NewSession discards the conversation: the continuation token is cleared
// and persisted empty, every agent is reset, and scope selections drop back
// to the default policy. The agent roster survives.
func (c *SessionController) NewSession(ctx context.Context) {
	c.lane.CancelCurrent()

	c.mu.Lock()
	c.continuation = ""
	c.mu.Unlock()
	c.savePrimaryToken(ctx, "")

	c.scope.Reset()
	if c.agents != nil {
		c.agents.ResetForNewSession(ctx)
	}
	c.publish(ctx, domain.EventSessionChanged, nil)
	c.logger.Info("session reset")
}

// InProgress reports whether a turn is currently executing.
func (c *SessionController) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// Close stops the lane. Queued messages are dropped.
func (c *SessionController) Close() {
	c.lane.Close()
}

func (c *SessionController) setInProgress(ctx context.Context, v bool) {
	c.mu.Lock()
	c.inProgress = v
	c.mu.Unlock()
	c.publish(ctx, domain.EventInProgressChanged, map[string]any{"in_progress": v})
}

func (c *SessionController) savePrimaryToken(ctx context.Context, token string) {
	if c.persist == nil {
		return
	}
	// Persist even after cancellation of the surrounding context.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.persist.SavePrimaryToken(saveCtx, token); err != nil {
		c.logger.Warn("continuation not persisted", "error", err)
	}
}

func (c *SessionController) post(label, text string) {
	if c.display == nil {
		return
	}
	c.display.Post(label, text)
}

func (c *SessionController) publish(ctx context.Context, t domain.EventType, payload map[string]any) {
	if c.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	c.bus.Publish(context.WithoutCancel(ctx), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: "primary",
		Payload:   raw,
	})
}
