// ABOUTME: JSON Schema to typed input-shape conversion for downstream registration
// ABOUTME: Recursive walk supporting primitives, homogeneous arrays and objects

package registry

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// ConvertSchema converts a raw JSON Schema into the typed input shape used by
// the downstream server. Supported: string, number, integer, boolean,
// homogeneous arrays of those plus object, and recursive objects. Anything
// else becomes an opaque value that accepts any input. A property is optional
// unless listed in the parent's required array. Descriptions are preserved.
func ConvertSchema(raw json.RawMessage) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{},
	}
	if len(raw) == 0 {
		return out
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return out
	}

	if props, ok := parsed["properties"].(map[string]any); ok {
		for name, prop := range props {
			propSchema, _ := prop.(map[string]any)
			out.Properties[name] = convertProperty(propSchema)
		}
	}
	if required, ok := parsed["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// convertProperty normalizes one property schema. Unknown or missing types
// yield an opaque (empty) shape.
func convertProperty(prop map[string]any) map[string]any {
	if prop == nil {
		return map[string]any{}
	}

	out := map[string]any{}
	if desc, ok := prop["description"].(string); ok && desc != "" {
		out["description"] = desc
	}

	typ, _ := prop["type"].(string)
	switch typ {
	case "string", "number", "boolean":
		out["type"] = typ

	case "integer":
		out["type"] = "integer"

	case "array":
		out["type"] = "array"
		if items, ok := prop["items"].(map[string]any); ok {
			itemType, _ := items["type"].(string)
			switch itemType {
			case "string", "number", "integer", "boolean":
				out["items"] = map[string]any{"type": itemType}
			case "object":
				out["items"] = convertProperty(items)
			default:
				out["items"] = map[string]any{}
			}
		}

	case "object":
		out["type"] = "object"
		if props, ok := prop["properties"].(map[string]any); ok {
			converted := map[string]any{}
			for name, nested := range props {
				nestedSchema, _ := nested.(map[string]any)
				converted[name] = convertProperty(nestedSchema)
			}
			out["properties"] = converted
		}
		if required, ok := prop["required"].([]any); ok {
			var names []string
			for _, r := range required {
				if s, ok := r.(string); ok {
					names = append(names, s)
				}
			}
			if len(names) > 0 {
				out["required"] = names
			}
		}

	default:
		// Opaque value: no type constraint.
	}

	return out
}
