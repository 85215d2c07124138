// ABOUTME: Tests for the upstream connection manager
// ABOUTME: Uses a fake client factory to exercise lifecycle and routing paths

package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-router/internal/buffer"
	"github.com/2389/mcp-router/internal/store"
)

type fakeCall struct {
	Tool string
	Args map[string]any
}

type fakeClient struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	initErr error
	listErr error
	pingErr error
	callErr error
	result  *mcp.CallToolResult
	calls   []fakeCall
	closed  bool
}

func (f *fakeClient) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeClient) ListTools(context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Tool: name, Args: args})
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

func (f *fakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeFactory hands out the configured client for every dial.
type fakeFactory struct {
	mu     sync.Mutex
	client *fakeClient
	err    error
	dials  int
}

func (f *fakeFactory) dial(string, time.Duration) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func calcTools() []mcp.Tool {
	return []mcp.Tool{
		{Name: "add", Description: "Add two numbers", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		{Name: "sub", Description: "Subtract two numbers", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		{Name: "stats", Description: "internal"},
		{Name: "quote", Description: "internal"},
	}
}

func newTestManager(t *testing.T, factory ClientFactory) *Manager {
	t.Helper()
	return NewManager(nil, nil, nil, Options{
		Separator:       ":",
		PingInterval:    time.Hour,
		MaxPingFailures: 2,
		Factory:         factory,
	})
}

func record(name, url string) *store.ServerRecord {
	return &store.ServerRecord{
		Name:          name,
		URL:           url,
		Enabled:       true,
		AutoReconnect: true,
		Timeout:       time.Second,
		RetryAttempts: 3,
	}
}

func TestConnect_AggregatesAndFiltersControlTools(t *testing.T) {
	factory := &fakeFactory{client: &fakeClient{tools: calcTools()}}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	require.NoError(t, m.Connect(context.Background(), record("calc", "http://u:1/mcp")))

	tools, err := m.ToolsFor("calc")
	require.NoError(t, err)
	require.Len(t, tools, 2)

	names := []string{tools[0].Name, tools[1].Name}
	assert.ElementsMatch(t, []string{"calc:add", "calc:sub"}, names)
	for _, tool := range tools {
		assert.True(t, tool.Description[:6] == "[calc]", "description must carry the server prefix")
	}

	// Control tools stay reachable through their dedicated paths only.
	assert.False(t, m.HasTool("calc", "stats"))
	assert.False(t, m.HasTool("calc", "quote"))
	assert.True(t, m.HasTool("calc", "add"))
	assert.True(t, m.HasQuoteTool("calc"))
	assert.Equal(t, []string{"calc"}, m.ServersWithStatsTool())
}

func TestConnect_FailureKeepsListingComplete(t *testing.T) {
	factory := &fakeFactory{client: &fakeClient{initErr: errors.New("connection refused")}}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	err := m.Connect(context.Background(), record("calc", "http://u:1/mcp"))
	require.Error(t, err)

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "calc", statuses[0].Name)
	assert.False(t, statuses[0].Connected)
	assert.Contains(t, statuses[0].LastError, "connection refused")
}

func TestConnect_AlreadyConnectedIsNoOp(t *testing.T) {
	factory := &fakeFactory{client: &fakeClient{tools: calcTools()}}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	assert.Equal(t, 1, factory.dials)
	assert.Len(t, m.Statuses(), 1)
}

func TestCallTool_SplitsAndForwards(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	result, err := m.CallTool(ctx, "calc:add", map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "add", client.calls[0].Tool)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, client.calls[0].Args)
}

func TestCallTool_MalformedName(t *testing.T) {
	m := newTestManager(t, (&fakeFactory{client: &fakeClient{}}).dial)

	_, err := m.CallTool(context.Background(), "no-separator-here", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestCallTool_UnknownServer(t *testing.T) {
	m := newTestManager(t, (&fakeFactory{client: &fakeClient{}}).dial)

	_, err := m.CallTool(context.Background(), "ghost:add", nil)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestCallTool_ReconnectsDisconnectedServer(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	// Simulate a dropped connection.
	conn, ok := m.get("calc")
	require.True(t, ok)
	conn.setDisconnected("link lost")

	result, err := m.CallTool(ctx, "calc:add", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, factory.dials)
}

func TestDisconnect_MissingNameIsNoOp(t *testing.T) {
	m := newTestManager(t, (&fakeFactory{client: &fakeClient{}}).dial)
	m.Disconnect(context.Background(), "ghost")
	assert.Empty(t, m.Statuses())
}

func TestDisconnect_ClosesTransport(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))
	m.Disconnect(ctx, "calc")

	assert.True(t, client.closed)
	assert.Empty(t, m.Statuses())
}

func TestBuildTools_RefreshesCatalog(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	client.mu.Lock()
	client.tools = []mcp.Tool{{Name: "mul", Description: "Multiply"}}
	client.mu.Unlock()

	require.NoError(t, m.BuildTools(ctx, "calc"))

	tools, err := m.ToolsFor("calc")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "calc:mul", tools[0].Name)
}

func TestBuildTools_FailureLeavesConnectionUp(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	client.mu.Lock()
	client.listErr = errors.New("boom")
	client.mu.Unlock()

	require.Error(t, m.BuildTools(ctx, "calc"))

	assert.True(t, m.IsConnected("calc"))
	tools, err := m.ToolsFor("calc")
	require.NoError(t, err)
	assert.Empty(t, tools)

	status := m.Statuses()[0]
	assert.Contains(t, status.LastError, "boom")
}

func TestHealthCycle_PingFailuresDisconnect(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	var gone []string
	m.SetHooks(nil, func(name string) { gone = append(gone, name) })

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	client.setPingErr(errors.New("timeout"))
	// Reconnects must also fail so the server stays down.
	factory.mu.Lock()
	factory.err = errors.New("connection refused")
	factory.mu.Unlock()

	m.healthCycle(ctx)
	assert.True(t, m.Has("calc"))

	m.healthCycle(ctx)

	status := m.Statuses()[0]
	assert.False(t, status.Connected)
	assert.Contains(t, status.LastError, "connection refused")
	assert.Zero(t, status.ToolsCount)
	assert.Equal(t, []string{"calc"}, gone)
}

func TestHealthCycle_PingSuccessClearsFailures(t *testing.T) {
	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	client.setPingErr(errors.New("blip"))
	m.healthCycle(ctx)

	conn, _ := m.get("calc")
	assert.Equal(t, StateDegraded, conn.Snapshot().State)

	client.setPingErr(nil)
	m.healthCycle(ctx)

	snap := conn.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.True(t, snap.Connected)
}

func TestCallStatsTool(t *testing.T) {
	client := &fakeClient{
		tools:  calcTools(),
		result: mcp.NewToolResultText(`{"uptime":42}`),
	}
	factory := &fakeFactory{client: client}
	m := newTestManager(t, factory.dial)
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	stats, err := m.CallStatsTool(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, float64(42), stats["uptime"])
	require.Len(t, client.calls, 1)
	assert.Equal(t, "stats", client.calls[0].Tool)
}

func TestAudit_RecordsSuccessAndError(t *testing.T) {
	rs := &auditRecordingStore{}
	audit := buffer.NewAuditBuffer(rs, true, true)

	client := &fakeClient{tools: calcTools()}
	factory := &fakeFactory{client: client}
	m := NewManager(nil, nil, audit, Options{
		Separator:       ":",
		PingInterval:    time.Hour,
		MaxPingFailures: 3,
		Factory:         factory.dial,
	})
	defer m.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, record("calc", "http://u:1/mcp")))

	_, err := m.CallTool(ctx, "calc:add", map[string]any{"a": 1.0})
	require.NoError(t, err)

	client.mu.Lock()
	client.callErr = errors.New("upstream exploded")
	client.mu.Unlock()

	_, err = m.CallTool(ctx, "calc:add", map[string]any{"a": 2.0})
	require.Error(t, err)

	audit.Shutdown()

	require.Len(t, rs.calls, 2)
	assert.Equal(t, store.ToolCallSuccess, rs.calls[0].Status)
	assert.NotNil(t, rs.calls[0].Response)
	assert.Equal(t, store.ToolCallError, rs.calls[1].Status)
	assert.Contains(t, rs.calls[1].ErrorMessage, "upstream exploded")
}

type auditRecordingStore struct {
	store.Store
	mu    sync.Mutex
	calls []*store.ToolCallRecord
}

func (r *auditRecordingStore) InsertToolCalls(_ context.Context, calls []*store.ToolCallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, calls...)
	return nil
}
