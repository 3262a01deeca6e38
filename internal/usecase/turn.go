package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"idekick/internal/domain"
	"idekick/internal/infra/tracer"
)

// maxToolRounds bounds the model-call/tool-call loop of a single turn. A
// well-behaved model converges in a handful of rounds; the cap exists so a
// model stuck re-requesting the same tool cannot spin forever.
const maxToolRounds = 32

// TurnEngine drives one conversation turn to completion: it submits items to
// the completion backend, executes every tool call the reply contains, feeds
// the outputs back, and repeats until the model answers with no further
// calls. The same engine instance serves the primary session and all
// sub-agents; per-conversation state travels in TurnInput.
type TurnEngine struct {
	backend  domain.CompletionBackend
	router   *ToolRouter
	builtins domain.ToolSource
	external domain.ExternalSource // nil when external tools are disabled
	catalog  *Catalog
	bus      domain.EventBus
	logger   *slog.Logger
}

func NewTurnEngine(
	backend domain.CompletionBackend,
	router *ToolRouter,
	builtins domain.ToolSource,
	external domain.ExternalSource,
	bus domain.EventBus,
	logger *slog.Logger,
) *TurnEngine {
	return &TurnEngine{
		backend:  backend,
		router:   router,
		builtins: builtins,
		external: external,
		catalog:  NewCatalog(),
		bus:      bus,
		logger:   logger,
	}
}

// TurnInput carries the per-conversation state for one turn.
type TurnInput struct {
	SessionID       string
	Model           string
	Instructions    string
	Items           []domain.TurnItem
	Continuation    string
	Scope           domain.ToolScope
	IncludeExternal bool
}

// TurnOutput is the final state after the turn converged.
type TurnOutput struct {
	// Text is the trimmed assistant text of the final model reply; empty
	// when the model finished without saying anything.
	Text         string
	Continuation string
	// Items is every item produced across all rounds, in order.
	Items []domain.TurnItem
}

// Run executes one turn. The observe callback, when non-nil, receives every
// produced item as it appears so callers can surface progress; it must not
// block. Run returns an error only for backend failures and cancellation;
// tool failures are folded into the conversation as error results.
func (e *TurnEngine) Run(ctx context.Context, in TurnInput, observe func(domain.TurnItem)) (*TurnOutput, error) {
	ctx = domain.ContextWithSessionID(ctx, in.SessionID)
	ctx, span := tracer.StartSpan(ctx, "turn.run",
		trace.WithAttributes(tracer.StringAttr("session", in.SessionID)),
	)
	defer span.End()

	e.publish(ctx, domain.EventTurnStarted, in.SessionID, nil)

	decls := e.declarations(in.Scope, in.IncludeExternal)
	req := domain.CompletionRequest{
		Model:        in.Model,
		Instructions: in.Instructions,
		Items:        in.Items,
		Continuation: in.Continuation,
		Tools:        decls,
	}

	out := &TurnOutput{Continuation: in.Continuation}

	// Assistant text accumulates across rounds: a reply that pairs
	// narration with tool calls still contributes to the final text.
	var texts []string

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		if round >= maxToolRounds {
			e.logger.Warn("turn exceeded tool round limit", "session", in.SessionID, "rounds", round)
			break
		}

		resp, err := e.backend.Complete(ctx, req)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("TurnEngine.Run", err)
		}
		out.Continuation = resp.Continuation

		var (
			outputs   []domain.TurnItem
			seenCalls = make(map[string]bool)
		)
		for _, item := range resp.Items {
			out.Items = append(out.Items, item)
			if observe != nil {
				observe(item)
			}

			switch item.Kind {
			case domain.ItemAssistant:
				if item.Text != "" {
					texts = append(texts, item.Text)
				}
			case domain.ItemFunctionCall:
				if item.Call == nil {
					continue
				}
				// The backend must not reuse a call ID within one
				// reply; a duplicate is executed once and answered
				// once.
				if seenCalls[item.Call.ID] {
					e.logger.Warn("duplicate call id in model reply, skipping",
						"session", in.SessionID, "call_id", item.Call.ID)
					continue
				}
				seenCalls[item.Call.ID] = true

				result := e.executeCall(ctx, in, *item.Call)
				outputItem := domain.OutputItem(item.Call.ID, result.Payload())
				out.Items = append(out.Items, outputItem)
				outputs = append(outputs, outputItem)
			}
		}

		if len(outputs) == 0 {
			break
		}

		// Feed tool outputs back and go around again.
		req.Items = outputs
		req.Continuation = resp.Continuation
	}

	out.Text = strings.TrimSpace(strings.Join(texts, "\n"))

	tracer.SetOK(span)
	e.publish(ctx, domain.EventTurnCompleted, in.SessionID, map[string]any{
		"items": len(out.Items),
	})
	return out, nil
}

func (e *TurnEngine) executeCall(ctx context.Context, in TurnInput, call domain.ToolCall) *domain.ToolResult {
	started := time.Now()
	e.publish(ctx, domain.EventToolCallStarted, in.SessionID, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})

	result := e.router.Execute(ctx, call, in.Scope)

	e.publish(ctx, domain.EventToolCallCompleted, in.SessionID, map[string]any{
		"tool":        call.Name,
		"call_id":     call.ID,
		"is_error":    result.IsError,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return result
}

// declarations renders the scope-filtered tool list for the backend. The
// rendered list is cached under a signature of the filtered schemas, so
// repeated turns with an unchanged tool set reuse it.
func (e *TurnEngine) declarations(scope domain.ToolScope, includeExternal bool) []domain.ToolDeclaration {
	var schemas []domain.ToolSchema
	for _, s := range e.builtins.Schemas() {
		if scope.AllowsBuiltin(s.Name) {
			schemas = append(schemas, s)
		}
	}

	if includeExternal && e.external != nil {
		for _, adv := range e.external.Advertised() {
			if scope.AllowsExternal(adv.Server, adv.Method) {
				// Advertised under the flat name, which also keys the cache.
				s := adv.Schema
				s.Name = adv.Flat
				schemas = append(schemas, s)
			}
		}
	}

	key := Signature(schemas)
	return e.catalog.Get(key, func() []domain.ToolDeclaration {
		decls := make([]domain.ToolDeclaration, 0, len(schemas))
		for _, s := range schemas {
			decls = append(decls, s.Declaration())
		}
		return decls
	})
}

func (e *TurnEngine) publish(ctx context.Context, t domain.EventType, sessionID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	e.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}
