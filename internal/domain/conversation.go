package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ItemKind tags a TurnItem.
type ItemKind string

const (
	ItemUser           ItemKind = "user"
	ItemSystem         ItemKind = "system"
	ItemAssistant      ItemKind = "assistant"
	ItemReasoning      ItemKind = "reasoning"
	ItemFunctionCall   ItemKind = "function_call"
	ItemFunctionOutput ItemKind = "function_output"
)

// TurnItem is one entry in a conversation exchange: a message, a reasoning
// trace, a function call issued by the backend, or a function-call output fed
// back on the next turn. Exactly one of Text, Call, or Output is meaningful
// for a given kind.
type TurnItem struct {
	Kind      ItemKind        `json:"kind"`
	Text      string          `json:"text,omitempty"`
	Call      *ToolCall       `json:"call,omitempty"`
	Output    *FunctionOutput `json:"output,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// FunctionOutput carries a tool result keyed by the originating call ID.
type FunctionOutput struct {
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

// UserItem builds a user message item.
func UserItem(text string) TurnItem {
	return TurnItem{Kind: ItemUser, Text: text, Timestamp: time.Now()}
}

// SystemItem builds a system message item.
func SystemItem(text string) TurnItem {
	return TurnItem{Kind: ItemSystem, Text: text, Timestamp: time.Now()}
}

// OutputItem builds a function-output item for the given call.
func OutputItem(callID string, payload json.RawMessage) TurnItem {
	return TurnItem{
		Kind:      ItemFunctionOutput,
		Output:    &FunctionOutput{CallID: callID, Payload: payload},
		Timestamp: time.Now(),
	}
}

// CompletionRequest is one submission to the completion backend. Continuation
// is the opaque resume token from the previous turn; empty means a fresh
// conversation.
type CompletionRequest struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions,omitempty"`
	Items        []TurnItem        `json:"items"`
	Continuation string            `json:"continuation,omitempty"`
	Tools        []ToolDeclaration `json:"tools,omitempty"`
}

// CompletionResponse is the backend's answer: output items in order plus a
// new continuation token representing the resume point for the next turn.
type CompletionResponse struct {
	Items        []TurnItem `json:"items"`
	Continuation string     `json:"continuation"`
}

// CompletionBackend is the abstract contract with the remote model service.
type CompletionBackend interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Name() string
}
