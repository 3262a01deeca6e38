package extool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"idekick/internal/domain"
)

// extClient is the transport-independent view of a connected external server.
// Implementations exist for stdio and streamable HTTP (via mcp-go) and for
// WebSocket (hand-rolled JSON-RPC, see client_ws.go).
type extClient interface {
	ListTools(ctx context.Context) ([]domain.ToolSchema, error)
	CallTool(ctx context.Context, method string, args map[string]any) (string, error)
	Close() error
}

// dialFunc establishes a connection for one server config. The returned
// reader, when non-nil, is the subprocess stderr stream that must be drained
// in the background. Tests substitute this to inject fakes.
type dialFunc func(ctx context.Context, cfg domain.ExternalServerConfig, logger *slog.Logger) (extClient, io.Reader, error)

// mcpAPI abstracts the mcp-go client for testability.
type mcpAPI interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// mcpConn adapts an mcp-go client to extClient.
type mcpConn struct {
	api mcpAPI
}

func dial(ctx context.Context, cfg domain.ExternalServerConfig, logger *slog.Logger) (extClient, io.Reader, error) {
	switch cfg.ResolveTransport() {
	case domain.TransportStdio:
		return dialStdio(ctx, cfg)
	case domain.TransportHTTP:
		c, err := dialHTTP(ctx, cfg)
		return c, nil, err
	case domain.TransportWebSocket:
		c, err := dialWebSocket(ctx, cfg)
		return c, nil, err
	default:
		return nil, nil, fmt.Errorf("%w: server %q has no usable transport", domain.ErrConfigInvalid, cfg.Name)
	}
}

func dialStdio(ctx context.Context, cfg domain.ExternalServerConfig) (extClient, io.Reader, error) {
	t := transport.NewStdio(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: start %q: %v", domain.ErrTransportUnavailable, cfg.Command, err)
	}
	if err := initialize(ctx, c); err != nil {
		c.Close()
		return nil, nil, err
	}
	return &mcpConn{api: c}, t.Stderr(), nil
}

func dialHTTP(ctx context.Context, cfg domain.ExternalServerConfig) (extClient, error) {
	var options []transport.StreamableHTTPCOption
	if len(cfg.Headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(cfg.Headers))
	}
	t, err := transport.NewStreamableHTTP(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: http transport %q: %v", domain.ErrTransportUnavailable, cfg.URL, err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", domain.ErrTransportUnavailable, cfg.URL, err)
	}
	if err := initialize(ctx, c); err != nil {
		c.Close()
		return nil, err
	}
	return &mcpConn{api: c}, nil
}

func initialize(ctx context.Context, c *mcpclient.Client) error {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "idekick",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("%w: initialize: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *mcpConn) ListTools(ctx context.Context) ([]domain.ToolSchema, error) {
	result, err := c.api.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	schemas := make([]domain.ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
		schemas = append(schemas, schemaFromMCP(t))
	}
	return schemas, nil
}

func (c *mcpConn) CallTool(ctx context.Context, method string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = method
	req.Params.Arguments = args

	result, err := c.api.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	content := extractContent(result)
	if result.IsError {
		return "", fmt.Errorf("%w: %s", domain.ErrToolExecutionFailed, content)
	}
	return content, nil
}

func (c *mcpConn) Close() error {
	return c.api.Close()
}

// schemaFromMCP converts an mcp-go tool declaration into the domain schema.
// Property entries the server declares with non-scalar or missing types pass
// through with the raw type string so the model still sees them.
func schemaFromMCP(t mcp.Tool) domain.ToolSchema {
	schema := domain.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Required:    t.InputSchema.Required,
	}
	if len(t.InputSchema.Properties) > 0 {
		schema.Properties = make(map[string]domain.Property, len(t.InputSchema.Properties))
		for name, raw := range t.InputSchema.Properties {
			schema.Properties[name] = propertyFromRaw(raw)
		}
	}
	return schema
}

func propertyFromRaw(raw any) domain.Property {
	var p domain.Property
	m, ok := raw.(map[string]any)
	if !ok {
		p.Type = domain.TypeString
		return p
	}
	if t, ok := m["type"].(string); ok && t != "" {
		p.Type = domain.PropertyType(t)
	} else {
		p.Type = domain.TypeString
	}
	if d, ok := m["description"].(string); ok {
		p.Description = d
	}
	return p
}

// extractContent flattens MCP call result content into a single string.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// drainStderr streams subprocess stderr into the log line by line until the
// process exits. Without this a chatty server can fill its pipe and deadlock.
func drainStderr(r io.Reader, server string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("external server stderr", "server", server, "line", scanner.Text())
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
