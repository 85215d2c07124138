// ABOUTME: Tests for the credit gate bypass matrix and full pipeline
// ABOUTME: Fakes the upstream and the user management service

package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-router/internal/auth"
)

// fakeUpstream implements Upstream with canned responses.
type fakeUpstream struct {
	mu         sync.Mutex
	hasQuote   bool
	quoteJSON  string
	quoteErr   error
	callResult *mcp.CallToolResult
	callErr    error
	toolCalls  []string
	quoteCalls []string
}

func (f *fakeUpstream) CallServerTool(_ context.Context, server, original string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalls = append(f.toolCalls, server+"/"+original)
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

func (f *fakeUpstream) CallQuoteTool(_ context.Context, server, toolName string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls = append(f.quoteCalls, server+"/"+toolName)
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return mcp.NewToolResultText(f.quoteJSON), nil
}

func (f *fakeUpstream) HasQuoteTool(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasQuote
}

// usageService fakes the user management API.
type usageService struct {
	mu          sync.Mutex
	quota       QuotaDecision
	keyValid    bool
	quotaCalls  int
	trackCalls  int
	trackBodies []map[string]any
}

func (u *usageService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/usage/quota", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.quotaCalls++
		decision := u.quota
		u.mu.Unlock()
		json.NewEncoder(w).Encode(decision)
	})
	mux.HandleFunc("/usage/track", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		u.mu.Lock()
		u.trackCalls++
		u.trackBodies = append(u.trackBodies, body)
		u.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/keys/validate", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		valid := u.keyValid
		u.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"valid": valid})
	})
	return mux
}

func withKey(apiKey string) context.Context {
	return auth.WithIdentity(context.Background(), &auth.Identity{
		APIKey:    apiKey,
		UserID:    "user-1",
		UserEmail: "user@example.com",
	})
}

const goodQuote = `{"success":true,"estimated_cost":{"model_id":"m","input_tokens":1000,"output_tokens":500}}`

func setupGate(t *testing.T, up *fakeUpstream, svc *usageService) *Manager {
	t.Helper()
	server := httptest.NewServer(svc.handler())
	t.Cleanup(server.Close)
	return NewManager(server.URL, "admin-key", up)
}

func TestInvoke_QuoteToolBypasses(t *testing.T) {
	up := &fakeUpstream{hasQuote: true}
	svc := &usageService{}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-1"), "calc", "quote", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, []string{"calc/quote"}, up.toolCalls)
	assert.Zero(t, svc.quotaCalls)
	assert.Zero(t, svc.trackCalls)
}

func TestInvoke_NoAPIKeyBypasses(t *testing.T) {
	up := &fakeUpstream{hasQuote: true}
	svc := &usageService{}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(context.Background(), "calc", "add", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, []string{"calc/add"}, up.toolCalls)
	assert.Zero(t, svc.quotaCalls)
}

func TestInvoke_UninitializedBypasses(t *testing.T) {
	up := &fakeUpstream{hasQuote: true}
	gate := NewManager("", "", up)
	assert.False(t, gate.Initialized())

	_, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"calc/add"}, up.toolCalls)
}

func TestInvoke_NoQuoteToolValidatesKey(t *testing.T) {
	up := &fakeUpstream{hasQuote: false}
	svc := &usageService{keyValid: true}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"calc/add"}, up.toolCalls)
	assert.Zero(t, svc.quotaCalls)
	assert.Zero(t, svc.trackCalls)
}

func TestInvoke_NoQuoteToolInvalidKey(t *testing.T) {
	up := &fakeUpstream{hasQuote: false}
	svc := &usageService{keyValid: false}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-bad"), "calc", "add", map[string]any{})
	require.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.Empty(t, up.toolCalls)
}

func TestInvoke_QuotaDenied(t *testing.T) {
	up := &fakeUpstream{hasQuote: true, quoteJSON: goodQuote}
	svc := &usageService{quota: QuotaDecision{Allowed: false, RemainingDaily: 0, RemainingMonthly: 50}}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	// The message carries both remaining values.
	assert.Contains(t, err.Error(), "0")
	assert.Contains(t, err.Error(), "50")

	// No actual call, no tracking.
	assert.Empty(t, up.toolCalls)
	assert.Equal(t, 1, svc.quotaCalls)
	assert.Zero(t, svc.trackCalls)
}

func TestInvoke_FullPipelineWithActuals(t *testing.T) {
	up := &fakeUpstream{
		hasQuote:  true,
		quoteJSON: goodQuote,
		callResult: mcp.NewToolResultText(
			`{"answer":7,"models_metrics":{"m1":{"input_tokens":200,"output_tokens":80},"m2":{"input_tokens":100,"output_tokens":20}}}`),
	}
	svc := &usageService{quota: QuotaDecision{Allowed: true, RemainingDaily: 100, RemainingMonthly: 1000}}
	gate := setupGate(t, up, svc)

	result, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{"a": 1.0})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, []string{"calc/add"}, up.quoteCalls)
	assert.Equal(t, []string{"calc/add"}, up.toolCalls)
	assert.Equal(t, 1, svc.quotaCalls)
	require.Equal(t, 1, svc.trackCalls)

	track := svc.trackBodies[0]
	// Actuals from models_metrics supersede the quote.
	assert.Equal(t, float64(300), track["inputTokens"])
	assert.Equal(t, float64(100), track["outputTokens"])
	assert.Equal(t, float64(400), track["usage"])

	meta := track["metadata"].(map[string]any)
	assert.Equal(t, "add", meta["toolName"])
	assert.Equal(t, true, meta["success"])
	assert.Equal(t, "user-1", meta["userId"])
	assert.Equal(t, float64(1000), meta["quotedInputTokens"])
	assert.Equal(t, float64(500), meta["quotedOutputTokens"])
}

func TestInvoke_ActualsFallBackToQuote(t *testing.T) {
	up := &fakeUpstream{
		hasQuote:   true,
		quoteJSON:  goodQuote,
		callResult: mcp.NewToolResultText("no json here"),
	}
	svc := &usageService{quota: QuotaDecision{Allowed: true}}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{})
	require.NoError(t, err)

	require.Equal(t, 1, svc.trackCalls)
	track := svc.trackBodies[0]
	assert.Equal(t, float64(1000), track["inputTokens"])
	assert.Equal(t, float64(500), track["outputTokens"])
}

func TestInvoke_UpstreamFailureTrackedAsFailure(t *testing.T) {
	up := &fakeUpstream{
		hasQuote:  true,
		quoteJSON: goodQuote,
		callErr:   fmt.Errorf("upstream exploded"),
	}
	svc := &usageService{quota: QuotaDecision{Allowed: true}}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")

	require.Equal(t, 1, svc.trackCalls)
	meta := svc.trackBodies[0]["metadata"].(map[string]any)
	assert.Equal(t, false, meta["success"])
}

func TestInvoke_QuoteFailureSurfaces(t *testing.T) {
	up := &fakeUpstream{hasQuote: true, quoteErr: fmt.Errorf("quote broke")}
	svc := &usageService{}
	gate := setupGate(t, up, svc)

	_, err := gate.Invoke(withKey("sk-1"), "calc", "add", map[string]any{})
	require.Error(t, err)
	assert.Empty(t, up.toolCalls)
	assert.Zero(t, svc.quotaCalls)
}

func TestExtractActuals(t *testing.T) {
	in, out, ok := extractActuals(mcp.NewToolResultText(
		`{"modelsMetrics":{"a":{"input_tokens":10,"output_tokens":2},"b":{"input_tokens":5}}}`))
	require.True(t, ok)
	assert.Equal(t, int64(15), in)
	assert.Equal(t, int64(2), out)

	_, _, ok = extractActuals(mcp.NewToolResultText(`{"no":"metrics"}`))
	assert.False(t, ok)

	_, _, ok = extractActuals(nil)
	assert.False(t, ok)
}
