package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"idekick/internal/domain"
	"idekick/internal/infra/config"
)

// RegisterWorkspaceTools registers the project-facing built-ins against the
// given registry, gated by configuration. The run_tests tool is additionally
// gated on the host actually detecting a known project kind; advertising a
// test runner in a project nothing can test only misleads the model.
func RegisterWorkspaceTools(reg *Registry, host domain.WorkspaceHost, cfg config.ToolsConfig, logger *slog.Logger) error {
	var tools []domain.Tool
	if cfg.ReadEnabled {
		tools = append(tools, &ReadFileTool{host: host, logger: logger})
	}
	if cfg.WriteEnabled {
		tools = append(tools, &WriteFileTool{host: host, logger: logger})
	}
	if cfg.PatchEnabled {
		tools = append(tools, &ApplyPatchTool{host: host, logger: logger})
	}
	if cfg.TreeEnabled {
		tools = append(tools, &ProjectTreeTool{host: host, logger: logger})
	}
	if cfg.SearchEnabled {
		tools = append(tools, &SearchProjectTool{host: host, logger: logger})
	}
	if cfg.TestsEnabled {
		kinds := host.ProjectKinds()
		if len(kinds) > 0 {
			tools = append(tools, &RunTestsTool{host: host, kinds: kinds, logger: logger})
		} else {
			logger.Info("run_tests disabled, no known project kind detected")
		}
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- read_file ---

type ReadFileTool struct {
	host   domain.WorkspaceHost
	logger *slog.Logger
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the project" }

func (t *ReadFileTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]domain.Property{
			"path": {Type: domain.TypeString, Description: "Project-relative file path"},
		},
		Required: []string{"path"},
	}
}

type pathParams struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.read_file", t.logger, params,
		func(ctx context.Context, span trace.Span, p pathParams) (any, error) {
			content, err := t.host.ReadFile(ctx, p.Path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", p.Path, err)
			}
			return TextResult(content), nil
		})
}

// --- write_file ---

type WriteFileTool struct {
	host   domain.WorkspaceHost
	logger *slog.Logger
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the project with the given content"
}

func (t *WriteFileTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]domain.Property{
			"path":    {Type: domain.TypeString, Description: "Project-relative file path"},
			"content": {Type: domain.TypeString, Description: "Full file content"},
		},
		Required: []string{"path", "content"},
	}
}

type writeParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteFileTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.write_file", t.logger, params,
		func(ctx context.Context, span trace.Span, p writeParams) (any, error) {
			if err := t.host.WriteFile(ctx, p.Path, p.Content); err != nil {
				return nil, fmt.Errorf("write %s: %w", p.Path, err)
			}
			t.logger.Debug("file written", "path", p.Path, "size", len(p.Content))
			return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)), nil
		})
}

// --- apply_patch ---

type ApplyPatchTool struct {
	host   domain.WorkspaceHost
	logger *slog.Logger
}

func (t *ApplyPatchTool) Name() string { return "apply_patch" }
func (t *ApplyPatchTool) Description() string {
	return "Apply a unified diff patch to a file in the project"
}

func (t *ApplyPatchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]domain.Property{
			"path":  {Type: domain.TypeString, Description: "Project-relative file path"},
			"patch": {Type: domain.TypeString, Description: "Unified diff to apply"},
		},
		Required: []string{"path", "patch"},
	}
}

type patchParams struct {
	Path  string `json:"path"`
	Patch string `json:"patch"`
}

func (t *ApplyPatchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.apply_patch", t.logger, params,
		func(ctx context.Context, span trace.Span, p patchParams) (any, error) {
			if err := t.host.ApplyPatch(ctx, p.Path, p.Patch); err != nil {
				return nil, fmt.Errorf("patch %s: %w", p.Path, err)
			}
			return TextResult("patch applied to " + p.Path), nil
		})
}

// --- list_project_tree ---

type ProjectTreeTool struct {
	host   domain.WorkspaceHost
	logger *slog.Logger
}

func (t *ProjectTreeTool) Name() string { return "list_project_tree" }
func (t *ProjectTreeTool) Description() string {
	return "List the project's directory tree"
}

func (t *ProjectTreeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]domain.Property{
			"max_depth": {Type: domain.TypeInteger, Description: "Maximum directory depth, 0 for unlimited"},
		},
	}
}

type treeParams struct {
	MaxDepth int `json:"max_depth"`
}

func (t *ProjectTreeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_project_tree", t.logger, params,
		func(ctx context.Context, span trace.Span, p treeParams) (any, error) {
			tree, err := t.host.ProjectTree(ctx, p.MaxDepth)
			if err != nil {
				return nil, fmt.Errorf("project tree: %w", err)
			}
			return TextResult(tree), nil
		})
}

// --- search_project ---

type SearchProjectTool struct {
	host   domain.WorkspaceHost
	logger *slog.Logger
}

func (t *SearchProjectTool) Name() string { return "search_project" }
func (t *SearchProjectTool) Description() string {
	return "Search project files for a text query and return matching locations"
}

func (t *SearchProjectTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]domain.Property{
			"query":       {Type: domain.TypeString, Description: "Text to search for"},
			"max_results": {Type: domain.TypeInteger, Description: "Maximum number of matches to return"},
		},
		Required: []string{"query"},
	}
}

type searchParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (t *SearchProjectTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_project", t.logger, params,
		func(ctx context.Context, span trace.Span, p searchParams) (any, error) {
			if p.MaxResults <= 0 {
				p.MaxResults = 50
			}
			matches, err := t.host.Search(ctx, p.Query, p.MaxResults)
			if err != nil {
				return nil, fmt.Errorf("search: %w", err)
			}
			if matches == "" {
				return TextResult("no matches"), nil
			}
			return TextResult(matches), nil
		})
}

// --- run_tests ---

type RunTestsTool struct {
	host   domain.WorkspaceHost
	kinds  []string
	logger *slog.Logger
}

func (t *RunTestsTool) Name() string { return "run_tests" }
func (t *RunTestsTool) Description() string {
	return fmt.Sprintf("Run the project's tests (%s) and return the output", strings.Join(t.kinds, ", "))
}

func (t *RunTestsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Properties: map[string]domain.Property{
			"target": {Type: domain.TypeString, Description: "Optional test target (package, class or file); empty runs everything"},
		},
	}
}

type testsParams struct {
	Target string `json:"target"`
}

func (t *RunTestsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.run_tests", t.logger, params,
		func(ctx context.Context, span trace.Span, p testsParams) (any, error) {
			out, err := t.host.RunTests(ctx, p.Target)
			if err != nil {
				return nil, fmt.Errorf("run tests: %w", err)
			}
			return TextResult(out), nil
		})
}
