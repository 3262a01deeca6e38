package extool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"idekick/internal/domain"
	"idekick/internal/infra/tracer"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultCallTimeout    = 30 * time.Second
)

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout    time.Duration
	CallTimeout       time.Duration
	Workers           int
	MaxCallsPerMinute int // per server; 0 disables rate limiting
}


// serverState holds everything the manager knows about one configured server.
// The connection is established lazily and torn down when the config entry
// disappears or changes.
type serverState struct {
	mu      sync.Mutex
	cfg     domain.ExternalServerConfig
	client  extClient
	schemas []domain.ToolSchema
	limiter *RateLimiter
}

// Manager multiplexes tool calls across all configured external servers. It
// owns connection lifecycle, capability discovery, argument repair and the
// flat-name mapping, and guarantees that Invoke always returns a structured
// result rather than propagating a failure into the conversation loop.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverState

	names  *NameMap
	pool   *workerPool
	logger *slog.Logger
	bus    domain.EventBus
	opts   Options

	dial dialFunc // swapped out in tests
}

func NewManager(logger *slog.Logger, bus domain.EventBus, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Manager{
		servers: make(map[string]*serverState),
		names:   NewNameMap(),
		pool:    newWorkerPool(opts.Workers),
		logger:  logger,
		bus:     bus,
		opts:    opts,
		dial:    dial,
	}
}

// Refresh reconciles the connection set against the given configuration.
// Servers no longer present are torn down, servers whose config changed are
// torn down and recreated, new servers are added. Unchanged servers keep
// their live connections and cached tool rosters. Connection setup and
// discovery for new or changed servers run asynchronously on the worker
// pool; Refresh itself never blocks on a slow server.
func (m *Manager) Refresh(ctx context.Context, configs []domain.ExternalServerConfig) {
	wanted := make(map[string]domain.ExternalServerConfig, len(configs))
	for _, cfg := range configs {
		if _, dup := wanted[cfg.Name]; dup {
			m.logger.Warn("duplicate external server in config, keeping first", "server", cfg.Name)
			continue
		}
		wanted[cfg.Name] = cfg
	}

	var toDiscover []string

	m.mu.Lock()
	for name, st := range m.servers {
		cfg, keep := wanted[name]
		if keep && st.cfg.Equal(cfg) {
			continue
		}
		st.mu.Lock()
		m.teardownLocked(st)
		st.mu.Unlock()
		delete(m.servers, name)
		if !keep {
			m.logger.Info("external server removed", "server", name)
			m.publish(ctx, domain.EventServerDisconnected, map[string]any{"server": name})
		}
	}
	for name, cfg := range wanted {
		if _, exists := m.servers[name]; exists {
			continue
		}
		m.servers[name] = &serverState{
			cfg:     cfg,
			limiter: NewRateLimiter(m.opts.MaxCallsPerMinute, time.Minute),
		}
		toDiscover = append(toDiscover, name)
	}
	m.mu.Unlock()

	m.rebuildNames()

	for _, name := range toDiscover {
		server := name
		m.pool.Submit(func() {
			if err := m.Discover(context.Background(), server); err != nil {
				m.logger.Warn("external server discovery failed", "server", server, "error", err)
			}
		})
	}
}

// Discover connects to the named server if needed, fetches its tool roster
// and atomically replaces the cached schemas. On failure the previous roster
// is retained so a transient outage does not blank out working tools.
func (m *Manager) Discover(ctx context.Context, server string) error {
	st := m.state(server)
	if st == nil {
		return domain.NewDomainError("Manager.Discover", domain.ErrUnknownTarget, server)
	}

	st.mu.Lock()
	if err := m.ensureConnectedLocked(ctx, st); err != nil {
		st.mu.Unlock()
		return domain.WrapOp("Manager.Discover", err)
	}
	client := st.client
	st.mu.Unlock()

	listCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	schemas, err := client.ListTools(listCtx)
	if err != nil {
		return domain.NewDomainError("Manager.Discover", domain.ErrDiscoveryFailed, fmt.Sprintf("%s: %v", server, err))
	}

	st.mu.Lock()
	st.schemas = schemas
	st.mu.Unlock()
	m.rebuildNames()
	m.logger.Info("external tools discovered", "server", server, "count", len(schemas))
	m.publish(ctx, domain.EventServerDiscovered, map[string]any{"server": server, "tools": len(schemas)})
	return nil
}

// Invoke executes one tool call against an external server. It never returns
// an error to the caller: every failure mode becomes a structured error
// result so the model can see what went wrong and adjust.
func (m *Manager) Invoke(ctx context.Context, server, method string, args map[string]any, timeout time.Duration) *domain.ToolResult {
	full := server + "." + method

	ctx, span := tracer.StartSpan(ctx, "extool.invoke", trace.WithAttributes(
		tracer.StringAttr("server", server),
		tracer.StringAttr("method", method),
	))
	defer span.End()

	fail := func(err error, detail string) *domain.ToolResult {
		tracer.RecordError(span, err)
		m.logger.Warn("external tool call failed", "tool", full, "error", err, "detail", detail)
		msg := detail
		if msg == "" {
			msg = err.Error()
		}
		return &domain.ToolResult{
			Tool:    full,
			Content: msg,
			IsError: true,
			Code:    domain.ErrorCodeOf(err),
		}
	}

	st := m.state(server)
	if st == nil {
		return fail(domain.ErrUnknownTarget, fmt.Sprintf("no external server named %q is configured", server))
	}
	if !st.limiter.Allow() {
		return fail(domain.ErrRateLimited, fmt.Sprintf("rate limit for server %q exceeded, retry later", server))
	}

	st.mu.Lock()
	if err := m.ensureConnectedLocked(ctx, st); err != nil {
		st.mu.Unlock()
		return fail(err, "")
	}
	client := st.client
	schema := findSchema(st.schemas, method)
	st.mu.Unlock()

	args = stripNulls(args)
	if schema != nil {
		if missing := missingRequired(args, schema); len(missing) > 0 {
			detail := fmt.Sprintf("missing required parameters: %s; tool %q accepts: %s",
				strings.Join(missing, ", "), method, strings.Join(propertyNames(schema), ", "))
			return fail(domain.ErrMissingParameter, detail)
		}
	}
	args = Coerce(args, schema)

	if timeout <= 0 {
		timeout = m.opts.CallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.logger.Debug("external tool call", "tool", full)
	content, err := client.CallTool(callCtx, method, args)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fail(domain.ErrTimeout, fmt.Sprintf("tool %q did not respond within %s", full, timeout))
		}
		if errors.Is(err, domain.ErrToolExecutionFailed) {
			return fail(err, err.Error())
		}
		// Anything else means the pipe itself is suspect. Drop the
		// connection so the next call redials.
		st.mu.Lock()
		if st.client == client {
			m.teardownLocked(st)
		}
		st.mu.Unlock()
		return fail(fmt.Errorf("%w: %v", domain.ErrToolExecutionFailed, err), "")
	}

	tracer.SetOK(span)
	return &domain.ToolResult{Tool: full, Content: content}
}

// Resolve implements domain.ExternalSource: it maps a flat model-facing tool
// name back to its (server, method) target.
func (m *Manager) Resolve(flat string) (string, string, bool) {
	t, ok := m.names.Resolve(flat)
	return t.Server, t.Method, ok
}

// Advertised lists every discovered external tool with its flat name, sorted
// for deterministic declaration order.
func (m *Manager) Advertised() []domain.ExternalTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ExternalTool
	for name, st := range m.servers {
		st.mu.Lock()
		for _, schema := range st.schemas {
			flat, ok := m.names.FlatName(name, schema.Name)
			if !ok {
				continue
			}
			out = append(out, domain.ExternalTool{
				Server: name,
				Method: schema.Name,
				Flat:   flat,
				Schema: schema,
			})
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Flat < out[j].Flat })
	return out
}

var _ domain.ExternalSource = (*Manager)(nil)

// Servers returns the names of all configured servers, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitIdle blocks until all queued background work (connection setup,
// discovery) has finished. Used at startup and in tests.
func (m *Manager) WaitIdle() {
	m.pool.Wait()
}

// Close tears down every connection and stops the worker pool.
func (m *Manager) Close() {
	m.mu.Lock()
	for name, st := range m.servers {
		st.mu.Lock()
		m.teardownLocked(st)
		st.mu.Unlock()
		delete(m.servers, name)
	}
	m.mu.Unlock()
	m.pool.Close()
}

func (m *Manager) state(server string) *serverState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[server]
}

// ensureConnectedLocked dials the server if no live connection exists.
// Caller holds st.mu.
func (m *Manager) ensureConnectedLocked(ctx context.Context, st *serverState) error {
	if st.client != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	client, stderr, err := m.dial(dialCtx, st.cfg, m.logger)
	if err != nil {
		return err
	}
	st.client = client
	if stderr != nil {
		// The drain lives as long as the subprocess, so it gets its own
		// goroutine. On the bounded pool a handful of stdio servers would
		// pin every worker and starve queued discovery.
		server := st.cfg.Name
		go drainStderr(stderr, server, m.logger)
	}
	m.logger.Info("external server connected", "server", st.cfg.Name, "transport", string(st.cfg.ResolveTransport()))
	m.publish(ctx, domain.EventServerConnected, map[string]any{"server": st.cfg.Name})
	return nil
}

// teardownLocked closes a server connection, swallowing close errors.
// Cached schemas are dropped with the state. Caller holds the lock that
// guards st.client.
func (m *Manager) teardownLocked(st *serverState) {
	if st.client == nil {
		return
	}
	if err := st.client.Close(); err != nil {
		m.logger.Debug("external server close error", "server", st.cfg.Name, "error", err)
	}
	st.client = nil
}

func (m *Manager) rebuildNames() {
	m.mu.RLock()
	rosters := make(map[string][]domain.ToolSchema, len(m.servers))
	for name, st := range m.servers {
		st.mu.Lock()
		rosters[name] = st.schemas
		st.mu.Unlock()
	}
	m.mu.RUnlock()
	m.names.Rebuild(rosters)
}

func (m *Manager) publish(ctx context.Context, t domain.EventType, payload map[string]any) {
	if m.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: data})
}

func findSchema(schemas []domain.ToolSchema, method string) *domain.ToolSchema {
	for i := range schemas {
		if schemas[i].Name == method {
			return &schemas[i]
		}
	}
	return nil
}

func missingRequired(args map[string]any, schema *domain.ToolSchema) []string {
	var missing []string
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func propertyNames(schema *domain.ToolSchema) []string {
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stripNulls removes explicit JSON nulls; servers reject them more often
// than they tolerate them, and absence means the same thing.
func stripNulls(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
