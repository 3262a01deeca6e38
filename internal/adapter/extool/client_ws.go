package extool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"idekick/internal/domain"
)

// wsConn speaks MCP-shaped JSON-RPC 2.0 over a WebSocket. mcp-go ships no
// WebSocket transport, so the three methods this process needs (initialize,
// tools/list, tools/call) are implemented directly. Requests are serialized
// on a mutex; the servers this targets answer in order on a single stream.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsToolDecl struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	} `json:"inputSchema"`
}

type wsContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func dialWebSocket(ctx context.Context, cfg domain.ExternalServerConfig) (extClient, error) {
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial %q: %v", domain.ErrTransportUnavailable, cfg.URL, err)
	}
	conn.SetReadLimit(16 << 20)

	c := &wsConn{conn: conn}
	params := map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]string{"name": "idekick", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		conn.Close(websocket.StatusProtocolError, "initialize failed")
		return nil, fmt.Errorf("%w: initialize: %v", domain.ErrTransportUnavailable, err)
	}
	return c, nil
}

func (c *wsConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := wsRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, err
	}

	// Notifications from the server are skipped until the matching reply
	// arrives.
	for {
		var resp wsResponse
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			return nil, err
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
}

func (c *wsConn) ListTools(ctx context.Context) ([]domain.ToolSchema, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []wsToolDecl `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	schemas := make([]domain.ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
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
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func (c *wsConn) CallTool(ctx context.Context, method string, args map[string]any) (string, error) {
	params := map[string]any{"name": method}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	var result struct {
		Content []wsContentPart `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}
	var parts []string
	for _, p := range result.Content {
		if p.Type == "text" {
			parts = append(parts, p.Text)
		}
	}
	content := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("%w: %s", domain.ErrToolExecutionFailed, content)
	}
	return content, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
