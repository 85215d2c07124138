// ABOUTME: Manages connections to upstream MCP servers and routes tool calls
// ABOUTME: Central coordinator for discovery, health checking and reconnection

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/mcp-router/internal/buffer"
	"github.com/2389/mcp-router/internal/store"
)

// ErrServerNotFound indicates the specified server is not registered.
var ErrServerNotFound = errors.New("server not found")

// ErrServerDisconnected indicates a known upstream that could not be reached.
var ErrServerDisconnected = errors.New("server disconnected")

// ErrToolNotFound indicates no upstream exports the requested tool.
var ErrToolNotFound = errors.New("tool not found")

// Control tools consumed by the router itself, never re-exported downstream.
const (
	statsToolName = "stats"
	quoteToolName = "quote"
)

// Reconnect pacing for the health loop.
const (
	reconnectBackoff    = 60 * time.Second
	reconnectLogEvery   = 20
	healthPingTimeout   = 10 * time.Second
	defaultClientExpiry = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	Separator       string
	PingInterval    time.Duration
	MaxPingFailures int
	Factory         ClientFactory
}

// Manager drives the lifecycle of upstream connections and publishes the
// aggregated tool lists consumed by the tool registry.
type Manager struct {
	store     store.Store
	events    *buffer.ServerEventBuffer
	audit     *buffer.AuditBuffer
	separator string
	factory   ClientFactory
	logger    *slog.Logger

	pingInterval    time.Duration
	maxPingFailures int

	mu    sync.RWMutex
	conns map[string]*Connection

	// nameLocks serializes concurrent connect/reconnect per server name.
	nameLocksMu sync.Mutex
	nameLocks   map[string]*sync.Mutex

	// onToolsChanged / onServerGone let the gateway resync the tool registry
	// when the health loop changes connection state behind its back.
	onToolsChanged func(name string)
	onServerGone   func(name string)

	healthMu     sync.Mutex
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewManager creates a Manager. store, events and audit may be nil (memory-only
// operation, e.g. in tests).
func NewManager(st store.Store, events *buffer.ServerEventBuffer, audit *buffer.AuditBuffer, opts Options) *Manager {
	if opts.Separator == "" {
		opts.Separator = ":"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxPingFailures < 1 {
		opts.MaxPingFailures = 3
	}
	if opts.Factory == nil {
		opts.Factory = NewStreamableClient
	}
	return &Manager{
		store:           st,
		events:          events,
		audit:           audit,
		separator:       opts.Separator,
		factory:         opts.Factory,
		logger:          slog.Default().With("component", "upstream"),
		pingInterval:    opts.PingInterval,
		maxPingFailures: opts.MaxPingFailures,
		conns:           make(map[string]*Connection),
		nameLocks:       make(map[string]*sync.Mutex),
	}
}

// Separator returns the configured namespace separator.
func (m *Manager) Separator() string {
	return m.separator
}

// SetHooks installs the registry resync callbacks. Must be called before the
// health loop starts.
func (m *Manager) SetHooks(onToolsChanged, onServerGone func(name string)) {
	m.onToolsChanged = onToolsChanged
	m.onServerGone = onServerGone
}

func (m *Manager) lockName(name string) func() {
	m.nameLocksMu.Lock()
	l, ok := m.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		m.nameLocks[name] = l
	}
	m.nameLocksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Connect upserts the server configuration (when a repository is configured),
// opens a transport, performs the MCP handshake, discovers tools and marks the
// connection live. On failure the connection is recorded disconnected with
// last_error set so listings remain complete; the error is also returned.
func (m *Manager) Connect(ctx context.Context, cfg *store.ServerRecord) error {
	unlock := m.lockName(cfg.Name)
	defer unlock()

	if m.store != nil {
		stored, err := m.store.UpsertServer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("persisting server %q: %w", cfg.Name, err)
		}
		cfg = stored
	}

	m.mu.Lock()
	conn, ok := m.conns[cfg.Name]
	if ok && conn.Connected() {
		m.mu.Unlock()
		m.logger.Debug("already connected", "server", cfg.Name)
		return nil
	}
	if ok {
		// Keep the existing Connection so reconnect counters survive failed
		// attempts; only the config is refreshed.
		conn.updateConfig(cfg)
	} else {
		conn = newConnection(cfg)
		m.conns[cfg.Name] = conn
	}
	m.mu.Unlock()

	if err := m.dial(ctx, conn); err != nil {
		conn.setDisconnected(err.Error())
		m.recordEvent(cfg, store.ServerEventError, err.Error())
		m.logger.Warn("connect failed",
			"server", cfg.Name,
			"url", cfg.URL,
			"error", err,
		)
		m.ensureHealthLoop()
		return err
	}

	m.recordEvent(cfg, store.ServerEventConnected, "")
	m.logger.Info("upstream connected",
		"server", cfg.Name,
		"url", cfg.URL,
		"tools", len(conn.Tools()),
	)
	m.ensureHealthLoop()
	return nil
}

// dial opens the transport and loads the tool catalog onto conn.
func (m *Manager) dial(ctx context.Context, conn *Connection) error {
	cfg := conn.Config()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientExpiry
	}

	cl, err := m.factory(cfg.URL, timeout)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := cl.Initialize(dialCtx); err != nil {
		cl.Close()
		return err
	}

	tools, listErr := cl.ListTools(dialCtx)
	cat := m.aggregate(cfg.Name, tools)

	conn.setConnected(cl, cat)
	if listErr != nil {
		// Stay connected with an empty catalog; discovery retries later.
		conn.setCatalog(catalog{}, listErr)
		m.logger.Warn("tool discovery failed", "server", cfg.Name, "error", listErr)
	} else {
		m.recordEvent(cfg, store.ServerEventToolLoaded, fmt.Sprintf(`{"count":%d}`, len(cat.tools)))
	}
	return nil
}

// catalog is the discovery result for one upstream: the filtered, namespaced
// tool list plus which control tools the raw catalog contained.
type catalog struct {
	tools    []AggregatedTool
	hasStats bool
	hasQuote bool
}

// aggregate converts upstream tools into the namespaced downstream shape,
// filtering the stats/quote control tools.
func (m *Manager) aggregate(serverName string, tools []mcp.Tool) catalog {
	var cat catalog
	cat.tools = make([]AggregatedTool, 0, len(tools))
	for _, t := range tools {
		switch t.Name {
		case statsToolName:
			cat.hasStats = true
			continue
		case quoteToolName:
			cat.hasQuote = true
			continue
		}
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte(`{"type":"object"}`)
		}
		if len(t.RawInputSchema) > 0 {
			schema = t.RawInputSchema
		}
		cat.tools = append(cat.tools, AggregatedTool{
			Name:         serverName + m.separator + t.Name,
			OriginalName: t.Name,
			Description:  "[" + serverName + "] " + t.Description,
			InputSchema:  schema,
		})
	}
	return cat
}

// Disconnect closes the transport, removes the connection and disables the
// repository row. A missing name is a no-op.
func (m *Manager) Disconnect(ctx context.Context, name string) {
	unlock := m.lockName(name)

	m.mu.Lock()
	conn, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if !ok {
		unlock()
		return
	}

	if cl := conn.takeClient(); cl != nil {
		if err := cl.Close(); err != nil {
			m.logger.Debug("closing client", "server", name, "error", err)
		}
	}
	m.recordEvent(conn.Config(), store.ServerEventDisconnected, "")

	if m.store != nil {
		if err := m.store.SetServerEnabled(ctx, name, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("disabling server row", "server", name, "error", err)
		}
	}

	m.logger.Info("upstream disconnected", "server", name)

	// The name lock must be released before stopping: the health loop may be
	// blocked on it, and stopHealthLoop waits for the loop to exit.
	unlock()
	m.stopHealthLoopIfIdle()
}

// stopHealthLoopIfIdle stops the loop when no connections remain.
func (m *Manager) stopHealthLoopIfIdle() {
	m.mu.RLock()
	empty := len(m.conns) == 0
	m.mu.RUnlock()
	if empty {
		m.stopHealthLoop()
	}
}

// Reconnect tears down any existing transport and connects from the stored
// configuration. The Connection value survives so reconnect counters carry
// across failed attempts.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	conn, ok := m.get(name)

	var cfg *store.ServerRecord
	if ok {
		if cl := conn.takeClient(); cl != nil {
			cl.Close()
		}
		conn.setDisconnected("reconnecting")
		cfg = conn.Config()
	}

	if m.store != nil {
		stored, err := m.store.GetServerByName(ctx, name)
		if err == nil {
			cfg = stored
		} else if cfg == nil {
			return fmt.Errorf("%w: %s", ErrServerNotFound, name)
		}
	}
	if cfg == nil {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	return m.Connect(ctx, cfg)
}

// BuildTools re-discovers and replaces the connection's tool list. Idempotent.
func (m *Manager) BuildTools(ctx context.Context, name string) error {
	conn, ok := m.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	cl := conn.currentClient()
	if cl == nil {
		return fmt.Errorf("%w: %s", ErrServerDisconnected, name)
	}

	tools, err := cl.ListTools(ctx)
	if err != nil {
		conn.setCatalog(catalog{}, err)
		return fmt.Errorf("listing tools for %q: %w", name, err)
	}
	conn.setCatalog(m.aggregate(name, tools), nil)
	return nil
}

// SplitToolName splits a namespaced tool name at the first separator.
func (m *Manager) SplitToolName(namespaced string) (server, original string, ok bool) {
	server, original, ok = strings.Cut(namespaced, m.separator)
	if !ok || server == "" || original == "" {
		return "", "", false
	}
	return server, original, true
}

// CallTool resolves a namespaced tool name and forwards the call to the owning
// upstream. Unknown-to-memory servers present and enabled in the repository are
// lazily connected; known but disconnected servers get one reconnect attempt.
// Every return path records an audit row.
func (m *Manager) CallTool(ctx context.Context, namespaced string, args map[string]any) (*mcp.CallToolResult, error) {
	server, original, ok := m.SplitToolName(namespaced)
	if !ok {
		err := fmt.Errorf("%w: malformed tool name %q", ErrToolNotFound, namespaced)
		m.auditCall(ctx, "", namespaced, args, nil, 0, err)
		return nil, err
	}
	return m.CallServerTool(ctx, server, original, args)
}

// CallServerTool forwards one tool call to a named upstream.
func (m *Manager) CallServerTool(ctx context.Context, server, original string, args map[string]any) (*mcp.CallToolResult, error) {
	start := time.Now()
	result, err := m.forward(ctx, server, original, args)
	m.auditCall(ctx, server, original, args, result, time.Since(start), err)
	return result, err
}

func (m *Manager) forward(ctx context.Context, server, original string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, ok := m.get(server)

	if !ok {
		// Lazy connect for servers known only to the repository.
		if m.store == nil {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
		}
		rec, err := m.store.GetServerByName(ctx, server)
		if err != nil || !rec.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
		}
		if err := m.Connect(ctx, rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrServerDisconnected, server, err)
		}
		conn, ok = m.get(server)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
		}
	}

	if !conn.Connected() {
		// One reconnect attempt before giving up.
		if err := m.Reconnect(ctx, server); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrServerDisconnected, server, err)
		}
		conn, ok = m.get(server)
		if !ok || !conn.Connected() {
			return nil, fmt.Errorf("%w: %s", ErrServerDisconnected, server)
		}
	}

	cl := conn.currentClient()
	if cl == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerDisconnected, server)
	}
	return cl.CallTool(ctx, original, args)
}

// auditCall records one audit row for any call outcome.
func (m *Manager) auditCall(ctx context.Context, server, tool string, args map[string]any, result *mcp.CallToolResult, dur time.Duration, err error) {
	if m.audit == nil {
		return
	}
	rec := &store.ToolCallRecord{
		ServerName: server,
		ToolName:   tool,
		Duration:   dur,
		Status:     store.ToolCallSuccess,
	}
	if encoded, jsonErr := json.Marshal(args); jsonErr == nil {
		s := string(encoded)
		rec.Arguments = &s
	}
	switch {
	case err != nil:
		rec.Status = store.ToolCallError
		rec.ErrorMessage = err.Error()
	case result != nil && result.IsError:
		rec.Status = store.ToolCallError
		rec.ErrorMessage = resultText(result)
	default:
		if result != nil {
			if encoded, jsonErr := json.Marshal(result); jsonErr == nil {
				s := string(encoded)
				rec.Response = &s
			}
		}
	}
	m.audit.Record(ctx, rec)
}

// Ping issues an MCP ping against a named upstream.
func (m *Manager) Ping(ctx context.Context, name string) error {
	conn, ok := m.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	cl := conn.currentClient()
	if cl == nil {
		return fmt.Errorf("%w: %s", ErrServerDisconnected, name)
	}
	return cl.Ping(ctx)
}

// HasTool reports whether original is in the named upstream's aggregated
// catalog; the stats/quote control tools are never reported.
func (m *Manager) HasTool(server, original string) bool {
	conn, ok := m.get(server)
	if !ok {
		return false
	}
	for _, t := range conn.Tools() {
		if t.OriginalName == original {
			return true
		}
	}
	return false
}

// HasQuoteTool reports whether the named upstream exposed the quote control
// tool at last discovery. Control tools never appear in the aggregated list,
// so the flag is tracked separately on the connection.
func (m *Manager) HasQuoteTool(server string) bool {
	conn, ok := m.get(server)
	return ok && conn.HasQuoteTool()
}

// ServersWithStatsTool lists connected servers exposing the stats control tool.
func (m *Manager) ServersWithStatsTool() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, conn := range m.conns {
		if conn.Connected() && conn.HasStatsTool() {
			out = append(out, name)
		}
	}
	return out
}

// CallStatsTool invokes the stats control tool on a named upstream and returns
// the parsed JSON result.
func (m *Manager) CallStatsTool(ctx context.Context, server string) (map[string]any, error) {
	conn, ok := m.get(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	cl := conn.currentClient()
	if cl == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerDisconnected, server)
	}
	result, err := cl.CallTool(ctx, statsToolName, map[string]any{})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("stats tool error: %s", resultText(result))
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(resultText(result)), &parsed); err != nil {
		return nil, fmt.Errorf("parsing stats payload: %w", err)
	}
	return parsed, nil
}

// CallQuoteTool invokes the quote control tool for a would-be call.
func (m *Manager) CallQuoteTool(ctx context.Context, server, toolName string, toolArgs map[string]any) (*mcp.CallToolResult, error) {
	conn, ok := m.get(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	cl := conn.currentClient()
	if cl == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerDisconnected, server)
	}
	return cl.CallTool(ctx, quoteToolName, map[string]any{
		"tool_name": toolName,
		"tool_args": toolArgs,
	})
}

// ToolsFor returns the aggregated tools of one server.
func (m *Manager) ToolsFor(name string) ([]AggregatedTool, error) {
	conn, ok := m.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return conn.Tools(), nil
}

// AllTools returns the union of aggregated tools across connected servers.
func (m *Manager) AllTools() []AggregatedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AggregatedTool
	for _, conn := range m.conns {
		if conn.Connected() {
			out = append(out, conn.Tools()...)
		}
	}
	return out
}

// Statuses returns exactly one status entry per known server name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.Snapshot())
	}
	return out
}

// Has reports whether a connection exists for name.
func (m *Manager) Has(name string) bool {
	_, ok := m.get(name)
	return ok
}

// IsConnected reports whether name has a live connection.
func (m *Manager) IsConnected(name string) bool {
	conn, ok := m.get(name)
	return ok && conn.Connected()
}

func (m *Manager) get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	return conn, ok
}

// DisconnectAll closes every transport in parallel and stops the health loop.
func (m *Manager) DisconnectAll() {
	m.stopHealthLoop()

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, conn := range conns {
		if cl := conn.takeClient(); cl != nil {
			wg.Add(1)
			go func(name string, cl Client) {
				defer wg.Done()
				if err := cl.Close(); err != nil {
					m.logger.Debug("closing client", "server", name, "error", err)
				}
			}(name, cl)
		}
	}
	wg.Wait()
	m.logger.Info("all upstreams disconnected", "count", len(conns))
}

func (m *Manager) recordEvent(cfg *store.ServerRecord, eventType store.ServerEventType, details string) {
	if m.events == nil || cfg == nil {
		return
	}
	m.events.Record(cfg.ID, eventType, details)
}

func resultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
