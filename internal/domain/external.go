package domain

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransportKind selects how an external tool server is reached.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportWebSocket TransportKind = "websocket"
	TransportHTTP      TransportKind = "http"
)

// ExternalServerConfig is an immutable snapshot of one configured external
// tool server. Configs are compared by value to detect changes during
// reconciliation.
type ExternalServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Transport TransportKind     `yaml:"transport,omitempty" json:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Equal reports whether two configs are identical by value.
func (c ExternalServerConfig) Equal(o ExternalServerConfig) bool {
	if c.Name != o.Name || c.Transport != o.Transport ||
		c.Command != o.Command || c.URL != o.URL {
		return false
	}
	if len(c.Args) != len(o.Args) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != o.Args[i] {
			return false
		}
	}
	return mapsEqual(c.Env, o.Env) && mapsEqual(c.Headers, o.Headers)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if ov, ok := b[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ResolveTransport returns the effective transport: the explicit preference
// when set, otherwise inferred from the URL scheme (ws/wss → websocket,
// http/https → http-streaming) or the presence of a command (stdio).
func (c ExternalServerConfig) ResolveTransport() TransportKind {
	if c.Transport != "" {
		return c.Transport
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err == nil {
			switch strings.ToLower(u.Scheme) {
			case "ws", "wss":
				return TransportWebSocket
			}
		}
		return TransportHTTP
	}
	return TransportStdio
}

// ExternalTool is one discovered external tool: its home server and raw
// method name plus the sanitized flat name it is advertised under.
type ExternalTool struct {
	Server string
	Method string
	Flat   string
	Schema ToolSchema
}

// ExternalSource is the contract between the conversation layer and the
// external tool multiplexer.
type ExternalSource interface {
	// Resolve maps a flat advertised name back to its (server, method) target.
	Resolve(flat string) (server, method string, ok bool)
	// Invoke executes one call; it always returns a structured result.
	Invoke(ctx context.Context, server, method string, args map[string]any, timeout time.Duration) *ToolResult
	// Advertised lists all discovered tools in deterministic order.
	Advertised() []ExternalTool
}

// Validate reports a descriptive error for a malformed entry. Callers treat
// these as per-entry diagnostics, not fatal failures.
func (c ExternalServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: server name is required", ErrConfigInvalid)
	}
	switch c.ResolveTransport() {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: server %q: stdio transport requires a command", ErrConfigInvalid, c.Name)
		}
	case TransportWebSocket, TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("%w: server %q: network transport requires a url", ErrConfigInvalid, c.Name)
		}
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("%w: server %q: bad url: %v", ErrConfigInvalid, c.Name, err)
		}
	default:
		return fmt.Errorf("%w: server %q: unsupported transport %q", ErrConfigInvalid, c.Name, c.Transport)
	}
	return nil
}
