package domain

import (
	"context"
	"encoding/json"
)

// PropertyType is a declared parameter type in a tool schema.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeInteger PropertyType = "integer"
	TypeBoolean PropertyType = "boolean"
	TypeObject  PropertyType = "object"
	TypeArray   PropertyType = "array"
)

// Property describes a single declared parameter of a tool.
type Property struct {
	Type        PropertyType `json:"type"`
	Description string       `json:"description,omitempty"`
}

// ToolSchema describes a tool for the completion backend's function-calling
// protocol. For tools discovered from external servers the schema is replaced
// wholesale on every discovery cycle.
type ToolSchema struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// Parameters renders the schema as a JSON Schema object suitable for a tool
// declaration.
func (s ToolSchema) Parameters() json.RawMessage {
	obj := map[string]any{"type": "object"}
	if len(s.Properties) > 0 {
		obj["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		obj["required"] = s.Required
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// ToolDeclaration is what the completion backend sees: a flat protocol-safe
// name plus the JSON Schema of the arguments.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Declaration converts the schema into a backend-facing declaration.
func (s ToolSchema) Declaration() ToolDeclaration {
	return ToolDeclaration{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Parameters(),
	}
}

// ToolCall represents the backend's request to invoke a tool. The ID is
// opaque and server-issued; it must be unique within a single model response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the normalized outcome of executing one tool call. Every
// failure path produces a result (never a raised error), so the turn engine
// can always fold something back into the conversation.
type ToolResult struct {
	Tool    string    `json:"tool"`
	Content string    `json:"content"`
	IsError bool      `json:"is_error"`
	Code    ErrorCode `json:"code,omitempty"`
}

// Payload renders the result as the JSON value fed back to the backend:
// {"status":"ok","content":...} on success, {"status":"error","tool":...,
// "code":...,"message":...} on failure.
func (r ToolResult) Payload() json.RawMessage {
	var obj any
	if r.IsError {
		code := r.Code
		if code == "" {
			code = CodeUnhandled
		}
		obj = map[string]any{
			"status":  "error",
			"tool":    r.Tool,
			"code":    string(code),
			"message": r.Content,
		}
	} else {
		obj = map[string]any{
			"status":  "ok",
			"content": r.Content,
		}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage(`{"status":"error","code":"UNHANDLED"}`)
	}
	return data
}

// Tool is the interface every built-in tool implements.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolSource abstracts built-in tool lookup for the router and turn engine.
type ToolSource interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}
