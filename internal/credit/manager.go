// ABOUTME: Credit-gated tool invocation pipeline with quote/quota/track steps
// ABOUTME: Enforces per-API-key quotas against the user management service

package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/2389/mcp-router/internal/auth"
)

// Credit gate errors surfaced to callers.
var (
	ErrInvalidAPIKey       = errors.New("invalid_api_key")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)

const quoteToolName = "quote"

// Estimate is the parsed result of an upstream quote call.
type Estimate struct {
	ModelID      string
	InputTokens  int64
	OutputTokens int64
}

// QuotaDecision is the user management service's answer to a quota check.
type QuotaDecision struct {
	Allowed          bool  `json:"allowed"`
	RemainingDaily   int64 `json:"remainingDaily"`
	RemainingMonthly int64 `json:"remainingMonthly"`
}

// Upstream is the connection manager surface the credit gate forwards through.
type Upstream interface {
	CallServerTool(ctx context.Context, server, original string, args map[string]any) (*mcp.CallToolResult, error)
	CallQuoteTool(ctx context.Context, server, toolName string, toolArgs map[string]any) (*mcp.CallToolResult, error)
	HasQuoteTool(server string) bool
}

// Manager runs the quote → quota-check → forward → track pipeline. A Manager
// with no API base URL is "uninitialized": every call bypasses pricing and is
// forwarded directly.
type Manager struct {
	apiBase  string
	adminKey string
	client   *http.Client
	upstream Upstream
	logger   *slog.Logger
}

// NewManager creates a credit gate. apiBase may be empty to disable pricing.
func NewManager(apiBase, adminKey string, up Upstream) *Manager {
	return &Manager{
		apiBase:  apiBase,
		adminKey: adminKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		upstream: up,
		logger:   slog.Default().With("component", "credit"),
	}
}

// Initialized reports whether the user management service is configured.
func (m *Manager) Initialized() bool {
	return m != nil && m.apiBase != ""
}

// Invoke applies the bypass matrix and, when applicable, the full pipeline.
func (m *Manager) Invoke(ctx context.Context, serverName, originalName string, args map[string]any) (*mcp.CallToolResult, error) {
	// Quote calls are never priced; they price others.
	if originalName == quoteToolName {
		return m.upstream.CallServerTool(ctx, serverName, originalName, args)
	}

	identity := auth.FromContext(ctx)
	apiKey := ""
	if identity != nil {
		apiKey = identity.APIKey
	}

	if apiKey == "" || !m.Initialized() {
		return m.upstream.CallServerTool(ctx, serverName, originalName, args)
	}

	if !m.upstream.HasQuoteTool(serverName) {
		// No quote tool: validate the key, then forward without tracking.
		valid, err := m.validateKey(ctx, apiKey)
		if err != nil {
			return nil, fmt.Errorf("validating API key: %w", err)
		}
		if !valid {
			return nil, ErrInvalidAPIKey
		}
		return m.upstream.CallServerTool(ctx, serverName, originalName, args)
	}

	return m.pipeline(ctx, identity, serverName, originalName, args)
}

// pipeline runs the full quote/quota/forward/track sequence. Quote and quota
// failures surface to the caller; extraction and tracking failures are logged
// and swallowed.
func (m *Manager) pipeline(ctx context.Context, identity *auth.Identity, serverName, originalName string, args map[string]any) (*mcp.CallToolResult, error) {
	estimate, err := m.quote(ctx, serverName, originalName, args)
	if err != nil {
		return nil, fmt.Errorf("quoting %s%s: %w", serverName, originalName, err)
	}

	decision, err := m.checkQuota(ctx, identity.APIKey, serverName, estimate)
	if err != nil {
		return nil, fmt.Errorf("checking quota: %w", err)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: remaining daily %d, remaining monthly %d",
			ErrInsufficientCredits, decision.RemainingDaily, decision.RemainingMonthly)
	}

	start := time.Now()
	result, callErr := m.upstream.CallServerTool(ctx, serverName, originalName, args)
	duration := time.Since(start)

	actualIn, actualOut := estimate.InputTokens, estimate.OutputTokens
	if callErr == nil {
		if in, out, ok := extractActuals(result); ok {
			actualIn, actualOut = in, out
		}
	}

	m.track(ctx, identity, serverName, originalName, estimate, actualIn, actualOut, duration, callErr == nil)

	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// quote invokes the upstream quote tool and parses the estimated cost.
func (m *Manager) quote(ctx context.Context, serverName, toolName string, args map[string]any) (*Estimate, error) {
	result, err := m.upstream.CallQuoteTool(ctx, serverName, toolName, args)
	if err != nil {
		return nil, err
	}
	text := firstText(result)
	if text == "" {
		return nil, fmt.Errorf("empty quote response")
	}
	parsed := gjson.Parse(text)
	if !parsed.Get("success").Bool() {
		return nil, fmt.Errorf("quote rejected: %s", text)
	}
	cost := parsed.Get("estimated_cost")
	if !cost.Exists() {
		return nil, fmt.Errorf("quote response missing estimated_cost")
	}
	return &Estimate{
		ModelID:      cost.Get("model_id").String(),
		InputTokens:  cost.Get("input_tokens").Int(),
		OutputTokens: cost.Get("output_tokens").Int(),
	}, nil
}

// checkQuota calls POST /usage/quota with the quoted cost.
func (m *Manager) checkQuota(ctx context.Context, apiKey, service string, est *Estimate) (*QuotaDecision, error) {
	body := map[string]any{
		"apiKey":       apiKey,
		"service":      service,
		"model":        est.ModelID,
		"inputTokens":  est.InputTokens,
		"outputTokens": est.OutputTokens,
	}
	var decision QuotaDecision
	if err := m.post(ctx, "/usage/quota", body, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// validateKey calls POST /keys/validate; invalid keys yield valid=false.
func (m *Manager) validateKey(ctx context.Context, apiKey string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := m.post(ctx, "/keys/validate", map[string]any{"apiKey": apiKey}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// track calls POST /usage/track with actuals. Errors are logged, never surfaced.
func (m *Manager) track(ctx context.Context, identity *auth.Identity, service, toolName string, est *Estimate, actualIn, actualOut int64, duration time.Duration, success bool) {
	body := map[string]any{
		"apiKey":       identity.APIKey,
		"service":      service,
		"model":        est.ModelID,
		"inputTokens":  actualIn,
		"outputTokens": actualOut,
		"usage":        actualIn + actualOut,
		"metadata": map[string]any{
			"toolName":           toolName,
			"duration":           duration.Milliseconds(),
			"success":            success,
			"userId":             identity.UserID,
			"userEmail":          identity.UserEmail,
			"quotedInputTokens":  est.InputTokens,
			"quotedOutputTokens": est.OutputTokens,
		},
	}
	if err := m.post(ctx, "/usage/track", body, nil); err != nil {
		m.logger.Warn("usage tracking failed",
			"service", service,
			"tool", toolName,
			"error", err,
		)
	}
}

// post issues an authorized JSON POST against the user management service.
func (m *Manager) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiBase+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.adminKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling user management service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("user management service returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// extractActuals pulls models_metrics / modelsMetrics out of the response
// payload and sums token counts across all listed models. These actuals
// supersede the quote.
func extractActuals(result *mcp.CallToolResult) (inputTokens, outputTokens int64, ok bool) {
	text := firstText(result)
	if text == "" || !gjson.Valid(text) {
		return 0, 0, false
	}
	parsed := gjson.Parse(text)
	metrics := parsed.Get("models_metrics")
	if !metrics.Exists() {
		metrics = parsed.Get("modelsMetrics")
	}
	if !metrics.Exists() {
		return 0, 0, false
	}

	metrics.ForEach(func(_, model gjson.Result) bool {
		inputTokens += model.Get("input_tokens").Int()
		outputTokens += model.Get("output_tokens").Int()
		return true
	})
	return inputTokens, outputTokens, true
}

func firstText(result *mcp.CallToolResult) string {
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
