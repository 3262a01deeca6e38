package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"idekick/internal/domain"
)

// ToolRouter resolves a tool call issued by the completion backend to its
// executor and runs it. Resolution order: flat external name, built-in
// registry, then the literal "server.method" convention for models that
// ignore the advertised flat names. Execution never raises: any failure
// becomes a structured error result fed back into the conversation.
type ToolRouter struct {
	builtins domain.ToolSource
	external domain.ExternalSource // nil when external tools are disabled
	logger   *slog.Logger
}

func NewToolRouter(builtins domain.ToolSource, external domain.ExternalSource, logger *slog.Logger) *ToolRouter {
	return &ToolRouter{builtins: builtins, external: external, logger: logger}
}

// Execute runs one tool call under the given scope.
func (r *ToolRouter) Execute(ctx context.Context, call domain.ToolCall, scope domain.ToolScope) *domain.ToolResult {
	if r.external != nil {
		if server, method, ok := r.external.Resolve(call.Name); ok {
			return r.invokeExternal(ctx, call, scope, server, method)
		}
	}

	if t, err := r.builtins.Get(call.Name); err == nil {
		if !scope.AllowsBuiltin(call.Name) {
			return scopeDenied(call.Name)
		}
		return r.invokeBuiltin(ctx, t, call)
	}

	// Fallback convention: a literal "server.method" name.
	if r.external != nil {
		if server, method, ok := splitLiteralName(call.Name); ok {
			return r.invokeExternal(ctx, call, scope, server, method)
		}
	}

	return &domain.ToolResult{
		Tool:    call.Name,
		Content: fmt.Sprintf("no tool named %q is available", call.Name),
		IsError: true,
		Code:    domain.CodeToolNotFound,
	}
}

func (r *ToolRouter) invokeExternal(ctx context.Context, call domain.ToolCall, scope domain.ToolScope, server, method string) *domain.ToolResult {
	if !scope.AllowsExternal(server, method) {
		return scopeDenied(server + "." + method)
	}

	var args map[string]any
	if len(call.Arguments) > 0 && string(call.Arguments) != "null" {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return &domain.ToolResult{
				Tool:    server + "." + method,
				Content: fmt.Sprintf("arguments are not a JSON object: %v", err),
				IsError: true,
				Code:    domain.CodeToolExecutionFailed,
			}
		}
	}
	return r.external.Invoke(ctx, server, method, args, 0)
}

// invokeBuiltin runs a built-in tool and converts every failure mode,
// including panics, into an error result.
func (r *ToolRouter) invokeBuiltin(ctx context.Context, t domain.Tool, call domain.ToolCall) (result *domain.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "panic", rec)
			result = &domain.ToolResult{
				Tool:    call.Name,
				Content: fmt.Sprintf("tool %q panicked: %v", call.Name, rec),
				IsError: true,
				Code:    domain.CodeUnhandled,
			}
		}
	}()

	res, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		r.logger.Warn("tool execution error", "tool", call.Name, "error", err)
		code := domain.ErrorCodeOf(err)
		if code == domain.CodeUnknown {
			code = domain.CodeUnhandled
		}
		return &domain.ToolResult{
			Tool:    call.Name,
			Content: err.Error(),
			IsError: true,
			Code:    code,
		}
	}
	if res == nil {
		return &domain.ToolResult{Tool: call.Name, Content: ""}
	}
	if res.Tool == "" {
		res.Tool = call.Name
	}
	return res
}

func scopeDenied(name string) *domain.ToolResult {
	return &domain.ToolResult{
		Tool:    name,
		Content: fmt.Sprintf("tool %q is not available in the current tool scope", name),
		IsError: true,
		Code:    domain.CodeToolNotFound,
	}
}

// splitLiteralName interprets a call name as "server.method" when it has
// exactly one dot with non-empty halves.
func splitLiteralName(name string) (string, string, bool) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 || idx != strings.LastIndex(name, ".") {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}
