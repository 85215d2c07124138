// ABOUTME: Removes internal cost-accounting keys from successful tool results
// ABOUTME: models_metrics fields feed the credit gate and must not reach clients

package registry

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// metricsKeys are the internal accounting fields consumed by the credit gate.
var metricsKeys = []string{"models_metrics", "modelsMetrics"}

// StripMetrics returns a copy of result with internal metrics keys removed
// from the top level of a JSON text payload in content[0] and from
// structuredContent.result. Error results pass through untouched upstream of
// this call; stripping applies to the successful path only.
func StripMetrics(result *mcp.CallToolResult) *mcp.CallToolResult {
	if result == nil {
		return nil
	}

	out := *result
	out.Content = make([]mcp.Content, len(result.Content))
	copy(out.Content, result.Content)

	if len(out.Content) > 0 {
		if tc, ok := out.Content[0].(mcp.TextContent); ok {
			if stripped, changed := stripJSONKeys(tc.Text); changed {
				tc.Text = stripped
				out.Content[0] = tc
			}
		}
	}

	out.StructuredContent = stripStructured(result.StructuredContent)
	return &out
}

// stripJSONKeys removes the metrics keys from a JSON object string. Non-JSON
// text is returned unchanged.
func stripJSONKeys(text string) (string, bool) {
	if !gjson.Valid(text) || !gjson.Parse(text).IsObject() {
		return text, false
	}
	changed := false
	for _, key := range metricsKeys {
		if gjson.Get(text, key).Exists() {
			if next, err := sjson.Delete(text, key); err == nil {
				text = next
				changed = true
			}
		}
	}
	return text, changed
}

// stripStructured removes metrics keys nested under structuredContent.result,
// whether it arrives as a decoded map or as an embedded JSON string.
func stripStructured(sc any) any {
	m, ok := sc.(map[string]any)
	if !ok {
		return sc
	}

	switch result := m["result"].(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(result))
		for k, v := range result {
			if k == "models_metrics" || k == "modelsMetrics" {
				continue
			}
			cleaned[k] = v
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		out["result"] = cleaned
		return out

	case string:
		if stripped, changed := stripJSONKeys(result); changed {
			out := make(map[string]any, len(m))
			for k, v := range m {
				out[k] = v
			}
			out["result"] = stripped
			return out
		}
	}
	return sc
}
