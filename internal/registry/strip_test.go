// ABOUTME: Tests for metrics stripping from tool results
// ABOUTME: Text payloads, structured content and non-JSON passthrough

package registry

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripMetrics_TextPayload(t *testing.T) {
	result := mcp.NewToolResultText(`{"answer":42,"models_metrics":{"m1":{"input_tokens":10}},"modelsMetrics":{"m2":{"output_tokens":3}}}`)

	stripped := StripMetrics(result)
	text := stripped.Content[0].(mcp.TextContent).Text
	assert.NotContains(t, text, "models_metrics")
	assert.NotContains(t, text, "modelsMetrics")
	assert.Contains(t, text, `"answer":42`)

	// The original is untouched.
	original := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, original, "models_metrics")
}

func TestStripMetrics_NonJSONText(t *testing.T) {
	result := mcp.NewToolResultText("plain text with models_metrics mentioned")
	stripped := StripMetrics(result)
	assert.Equal(t, "plain text with models_metrics mentioned",
		stripped.Content[0].(mcp.TextContent).Text)
}

func TestStripMetrics_StructuredContentMap(t *testing.T) {
	result := mcp.NewToolResultText(`{}`)
	result.StructuredContent = map[string]any{
		"result": map[string]any{
			"value":          1,
			"models_metrics": map[string]any{"m": map[string]any{"input_tokens": 5}},
		},
	}

	stripped := StripMetrics(result)
	sc := stripped.StructuredContent.(map[string]any)
	inner := sc["result"].(map[string]any)
	assert.NotContains(t, inner, "models_metrics")
	assert.Equal(t, 1, inner["value"])
}

func TestStripMetrics_StructuredContentString(t *testing.T) {
	result := mcp.NewToolResultText(`{}`)
	result.StructuredContent = map[string]any{
		"result": `{"value":1,"modelsMetrics":{"m":{"output_tokens":2}}}`,
	}

	stripped := StripMetrics(result)
	sc := stripped.StructuredContent.(map[string]any)
	text := sc["result"].(string)
	assert.NotContains(t, text, "modelsMetrics")
	assert.Contains(t, text, `"value":1`)
}

func TestStripMetrics_Nil(t *testing.T) {
	require.Nil(t, StripMetrics(nil))
}
