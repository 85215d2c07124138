// ABOUTME: Thread-safe registry mirroring upstream tool catalogs downstream
// ABOUTME: Handler indirection allows hot swaps without re-registration

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/xeipuuv/gojsonschema"

	"github.com/2389/mcp-router/internal/upstream"
)

// Handler forwards one tool call to its owning upstream.
type Handler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// Invoker is the credit-gated invocation path a registered tool dispatches to.
type Invoker interface {
	Invoke(ctx context.Context, serverName, originalName string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolSource supplies aggregated tool catalogs. *upstream.Manager satisfies it.
type ToolSource interface {
	ToolsFor(name string) ([]upstream.AggregatedTool, error)
	Separator() string
}

// DownstreamServer is the MCP server surface the registry manipulates.
// *server.MCPServer satisfies it.
type DownstreamServer interface {
	AddTool(tool mcp.Tool, handler server.ToolHandlerFunc)
	DeleteTools(names ...string)
}

// entry tracks one registered downstream tool. The handler lives in a separate
// map so updates are O(1) swaps invisible to the registration.
type entry struct {
	schemaKey string // canonical serialization of the converted input schema
	validator *gojsonschema.Schema
}

// ToolRegistry keeps the downstream-facing catalog in sync with the live
// upstream catalogs while the router is serving traffic.
type ToolRegistry struct {
	mcpServer DownstreamServer
	manager   ToolSource
	invoker   Invoker
	separator string
	logger    *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	handlers map[string]Handler
}

// New creates a ToolRegistry bound to a downstream MCP server.
func New(mcpServer DownstreamServer, manager ToolSource, invoker Invoker) *ToolRegistry {
	return &ToolRegistry{
		mcpServer: mcpServer,
		manager:   manager,
		invoker:   invoker,
		separator: manager.Separator(),
		logger:    slog.Default().With("component", "registry"),
		entries:   make(map[string]*entry),
		handlers:  make(map[string]Handler),
	}
}

// RegisterToolsFor pulls the aggregated tools of one server and reconciles
// them into the downstream catalog: new tools are registered, unchanged-schema
// tools get a silent handler swap, changed-schema tools are re-registered, and
// tools gone from upstream are removed.
func (r *ToolRegistry) RegisterToolsFor(serverName string) error {
	tools, err := r.manager.ToolsFor(serverName)
	if err != nil {
		return fmt.Errorf("pulling tools for %q: %w", serverName, err)
	}

	seen := make(map[string]bool, len(tools))
	var added, updated, replaced int

	for _, tool := range tools {
		seen[tool.Name] = true

		converted := ConvertSchema(tool.InputSchema)
		schemaKey := canonicalKey(converted)
		handler := r.makeHandler(serverName, tool.OriginalName)
		validator := compileValidator(tool.InputSchema)

		r.mu.Lock()
		existing, ok := r.entries[tool.Name]
		switch {
		case !ok:
			r.entries[tool.Name] = &entry{schemaKey: schemaKey, validator: validator}
			r.handlers[tool.Name] = handler
			r.mu.Unlock()
			r.mcpServer.AddTool(r.buildTool(tool, converted), r.dispatch(tool.Name))
			added++

		case existing.schemaKey == schemaKey:
			// Invisible update: registration handle preserved, no notification.
			r.handlers[tool.Name] = handler
			existing.validator = validator
			r.mu.Unlock()
			updated++

		default:
			existing.schemaKey = schemaKey
			existing.validator = validator
			r.handlers[tool.Name] = handler
			r.mu.Unlock()
			r.mcpServer.DeleteTools(tool.Name)
			r.mcpServer.AddTool(r.buildTool(tool, converted), r.dispatch(tool.Name))
			replaced++
		}
	}

	// Drop tools this server no longer exports.
	removed := r.removeMatching(func(name string) bool {
		return strings.HasPrefix(name, serverName+r.separator) && !seen[name]
	})

	r.logger.Info("tools registered",
		"server", serverName,
		"added", added,
		"updated", updated,
		"replaced", replaced,
		"removed", len(removed),
	)
	return nil
}

// UnregisterToolsFor removes every tool owned by serverName from the
// downstream catalog; returns the removed names.
func (r *ToolRegistry) UnregisterToolsFor(serverName string) []string {
	removed := r.removeMatching(func(name string) bool {
		return strings.HasPrefix(name, serverName+r.separator)
	})
	if len(removed) > 0 {
		r.logger.Info("tools unregistered", "server", serverName, "count", len(removed))
	}
	return removed
}

// RegisteredNames returns the currently registered downstream tool names.
func (r *ToolRegistry) RegisteredNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

func (r *ToolRegistry) removeMatching(match func(name string) bool) []string {
	r.mu.Lock()
	var removed []string
	for name := range r.entries {
		if match(name) {
			delete(r.entries, name)
			delete(r.handlers, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.mcpServer.DeleteTools(removed...)
	}
	return removed
}

func (r *ToolRegistry) buildTool(tool upstream.AggregatedTool, schema mcp.ToolInputSchema) mcp.Tool {
	return mcp.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}
}

// dispatch returns the stable registration closure. It reads the handler map
// on every call, so handler swaps never touch the registration itself.
func (r *ToolRegistry) dispatch(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		r.mu.RLock()
		handler := r.handlers[name]
		ent := r.entries[name]
		r.mu.RUnlock()

		if handler == nil {
			return mcp.NewToolResultError(fmt.Sprintf("tool not found: %s", name)), nil
		}

		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		if ent != nil && ent.validator != nil {
			if msg, ok := validateArgs(ent.validator, args); !ok {
				return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %s", msg)), nil
			}
		}

		result, err := handler(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if result != nil && !result.IsError {
			result = StripMetrics(result)
		}
		return result, nil
	}
}

// makeHandler builds the per-registration forwarding handler.
func (r *ToolRegistry) makeHandler(serverName, originalName string) Handler {
	return func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		return r.invoker.Invoke(ctx, serverName, originalName, args)
	}
}

// canonicalKey serializes the converted schema. Go's map marshaling sorts
// keys, so equal shapes always produce equal keys.
func canonicalKey(schema mcp.ToolInputSchema) string {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func compileValidator(raw json.RawMessage) *gojsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil
	}
	return schema
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) (string, bool) {
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		// Unvalidatable arguments are forwarded; the upstream decides.
		return "", true
	}
	if res.Valid() {
		return "", true
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; "), false
}
