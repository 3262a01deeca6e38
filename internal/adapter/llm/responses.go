package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"idekick/internal/domain"
	"idekick/internal/infra/config"
	"idekick/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size read from the API.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// ResponsesBackend implements domain.CompletionBackend against a
// responses-style HTTP API: the conversation is resumed with an opaque
// previous-response ID instead of replaying the full history, and each reply
// is an ordered list of output items (messages, reasoning, function calls).
type ResponsesBackend struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewResponsesBackend(cfg config.CompletionConfig, logger *slog.Logger) *ResponsesBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &ResponsesBackend{
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.CompletionBackend.
func (b *ResponsesBackend) Name() string { return "responses" }

// Complete implements domain.CompletionBackend.
func (b *ResponsesBackend) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = b.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.input_items", len(req.Items)),
		),
	)
	defer span.End()

	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := b.post(ctx, b.baseURL+"/responses", body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromWireResponse(wire)
	tracer.SetOK(span)
	b.logger.Debug("completion received",
		"model", req.Model,
		"output_items", len(result.Items),
	)
	return result, nil
}

func (b *ResponsesBackend) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error so
// the circuit breaker and the turn engine classify API failures correctly.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrTransportUnavailable, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

// --- wire types ---

type wireRequest struct {
	Model              string     `json:"model"`
	Instructions       string     `json:"instructions,omitempty"`
	Input              []wireItem `json:"input"`
	PreviousResponseID string     `json:"previous_response_id,omitempty"`
	Tools              []wireTool `json:"tools,omitempty"`
}

type wireTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireItem struct {
	Type      string            `json:"type"`
	Role      string            `json:"role,omitempty"`
	Content   []wireContentPart `json:"content,omitempty"`
	Summary   []wireContentPart `json:"summary,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
	Output    string            `json:"output,omitempty"`
}

type wireContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireResponse struct {
	ID     string     `json:"id"`
	Output []wireItem `json:"output"`
}

func toWireRequest(req domain.CompletionRequest) wireRequest {
	items := make([]wireItem, 0, len(req.Items))
	for _, it := range req.Items {
		switch it.Kind {
		case domain.ItemUser, domain.ItemSystem:
			role := "user"
			if it.Kind == domain.ItemSystem {
				role = "system"
			}
			items = append(items, wireItem{
				Type:    "message",
				Role:    role,
				Content: []wireContentPart{{Type: "input_text", Text: it.Text}},
			})
		case domain.ItemFunctionOutput:
			if it.Output == nil {
				continue
			}
			items = append(items, wireItem{
				Type:   "function_call_output",
				CallID: it.Output.CallID,
				Output: string(it.Output.Payload),
			})
		}
	}

	tools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	return wireRequest{
		Model:              req.Model,
		Instructions:       req.Instructions,
		Input:              items,
		PreviousResponseID: req.Continuation,
		Tools:              tools,
	}
}

func fromWireResponse(wire wireResponse) *domain.CompletionResponse {
	resp := &domain.CompletionResponse{Continuation: wire.ID}
	for _, out := range wire.Output {
		switch out.Type {
		case "message":
			var parts []string
			for _, c := range out.Content {
				if c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			resp.Items = append(resp.Items, domain.TurnItem{
				Kind:      domain.ItemAssistant,
				Text:      strings.Join(parts, "\n"),
				Timestamp: time.Now(),
			})
		case "reasoning":
			var parts []string
			for _, s := range out.Summary {
				if s.Text != "" {
					parts = append(parts, s.Text)
				}
			}
			resp.Items = append(resp.Items, domain.TurnItem{
				Kind:      domain.ItemReasoning,
				Text:      strings.Join(parts, "\n"),
				Timestamp: time.Now(),
			})
		case "function_call":
			resp.Items = append(resp.Items, domain.TurnItem{
				Kind: domain.ItemFunctionCall,
				Call: &domain.ToolCall{
					ID:        out.CallID,
					Name:      out.Name,
					Arguments: json.RawMessage(out.Arguments),
				},
				Timestamp: time.Now(),
			})
		}
	}
	return resp
}

// --- HTTP client ---

// Defaults tuned for a single remote API host with long-running requests.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 120 * time.Second
)

func newHTTPClient(cfg config.CompletionConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 30 * time.Second
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = 120 * time.Second
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: respTimeout,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
			IdleConnTimeout:       defaultIdleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
		Timeout: connTimeout + respTimeout,
	}
}
