// ABOUTME: Connection state for one upstream MCP server
// ABOUTME: Tracks client handle, status, aggregated tools and health counters

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/mcp-router/internal/store"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

// Client is the upstream MCP client surface the manager consumes.
type Client interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClientFactory opens a client for the given endpoint. Swappable in tests.
type ClientFactory func(url string, timeout time.Duration) (Client, error)

// NewStreamableClient is the default factory, dialing the upstream over the
// MCP streamable HTTP transport.
func NewStreamableClient(url string, timeout time.Duration) (Client, error) {
	c, err := client.NewStreamableHttpClient(url, transport.WithHTTPTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("creating streamable client: %w", err)
	}
	return &streamableClient{inner: c, timeout: timeout}, nil
}

// streamableClient adapts the mcp-go client to the Client interface.
type streamableClient struct {
	inner   *client.Client
	timeout time.Duration
}

func (c *streamableClient) Initialize(ctx context.Context) error {
	if err := c.inner.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "mcp-router",
		Version: "1.0.0",
	}
	if _, err := c.inner.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	return nil
}

func (c *streamableClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *streamableClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.inner.CallTool(ctx, req)
}

func (c *streamableClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func (c *streamableClient) Close() error {
	return c.inner.Close()
}

// AggregatedTool is an upstream tool re-exported under a namespaced name.
type AggregatedTool struct {
	Name         string          // {server}{sep}{original}
	OriginalName string
	Description  string // prefixed with [server]
	InputSchema  json.RawMessage
}

// Status is a point-in-time snapshot of a connection.
type Status struct {
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	Connected         bool      `json:"connected"`
	State             State     `json:"state"`
	LastConnected     time.Time `json:"lastConnected,omitzero"`
	LastError         string    `json:"lastError,omitempty"`
	ToolsCount        int       `json:"toolsCount"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
}

// Connection is the in-memory state for one live upstream server. The manager
// exclusively owns all Connection values; everything else sees snapshots.
type Connection struct {
	mu sync.RWMutex

	config *store.ServerRecord
	client Client

	state         State
	lastConnected time.Time
	lastError     string
	tools         []AggregatedTool
	hasStats      bool
	hasQuote      bool

	lastPingTime         time.Time
	consecutivePingFails int
	reconnectAttempts    int
	lastReconnectAttempt time.Time
}

func newConnection(cfg *store.ServerRecord) *Connection {
	return &Connection{
		config: cfg,
		state:  StateConnecting,
	}
}

// Config returns the server record the connection was opened with.
func (c *Connection) Config() *store.ServerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Connected reports whether the connection is currently usable.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected || c.state == StateDegraded
}

// Tools returns the current aggregated tool list.
func (c *Connection) Tools() []AggregatedTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AggregatedTool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Snapshot returns the connection status for listings.
func (c *Connection) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Name:              c.config.Name,
		URL:               c.config.URL,
		Connected:         c.state == StateConnected || c.state == StateDegraded,
		State:             c.state,
		LastConnected:     c.lastConnected,
		LastError:         c.lastError,
		ToolsCount:        len(c.tools),
		ReconnectAttempts: c.reconnectAttempts,
	}
}

// HasStatsTool reports whether the upstream exposed a stats control tool at
// last discovery.
func (c *Connection) HasStatsTool() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasStats
}

// HasQuoteTool reports whether the upstream exposed a quote control tool at
// last discovery.
func (c *Connection) HasQuoteTool() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasQuote
}

func (c *Connection) setConnected(client Client, catalog catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	c.state = StateConnected
	c.lastConnected = time.Now().UTC()
	c.lastError = ""
	c.tools = catalog.tools
	c.hasStats = catalog.hasStats
	c.hasQuote = catalog.hasQuote
	c.consecutivePingFails = 0
	c.reconnectAttempts = 0
}

func (c *Connection) setDisconnected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.lastError = reason
	c.tools = nil
	c.hasStats = false
	c.hasQuote = false
}

func (c *Connection) setCatalog(catalog catalog, listErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if listErr != nil {
		// A failed discovery leaves the connection up with an empty catalog.
		c.tools = nil
		c.hasStats = false
		c.hasQuote = false
		c.lastError = listErr.Error()
		return
	}
	c.tools = catalog.tools
	c.hasStats = catalog.hasStats
	c.hasQuote = catalog.hasQuote
}

func (c *Connection) updateConfig(cfg *store.ServerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	c.state = StateConnecting
}

// pingSucceeded clears failure counters and any ping-related error.
func (c *Connection) pingSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingTime = time.Now().UTC()
	c.consecutivePingFails = 0
	if c.state == StateDegraded {
		c.state = StateConnected
		c.lastError = ""
	}
}

// pingFailed increments and returns the consecutive failure count.
func (c *Connection) pingFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingTime = time.Now().UTC()
	c.consecutivePingFails++
	if c.state == StateConnected {
		c.state = StateDegraded
	}
	return c.consecutivePingFails
}

// reconnectDue reports whether the backoff window since the last attempt has
// elapsed.
func (c *Connection) reconnectDue(backoff time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastReconnectAttempt) >= backoff
}

// markReconnectAttempt stamps the attempt time and returns the attempt count.
func (c *Connection) markReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReconnectAttempt = time.Now().UTC()
	c.reconnectAttempts++
	return c.reconnectAttempts
}

func (c *Connection) currentClient() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Connection) takeClient() Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := c.client
	c.client = nil
	return cl
}
