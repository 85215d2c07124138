// ABOUTME: Built-in control tools exposed under the router namespace
// ABOUTME: list-servers, list-tools, register/unregister/reconnect-server, stats

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/mcp-router/internal/store"
)

const routerNamespace = "router"

func (g *Gateway) routerTool(name string) string {
	return routerNamespace + g.cfg.Server.Separator + name
}

// registerRouterTools installs the router's own management tools on the
// downstream MCP server.
func (g *Gateway) registerRouterTools() {
	g.mcpServer.AddTool(mcp.NewTool(g.routerTool("list-servers"),
		mcp.WithDescription("List all registered upstream servers and their connection status"),
	), g.handleListServersTool)

	g.mcpServer.AddTool(mcp.NewTool(g.routerTool("list-tools"),
		mcp.WithDescription("List all aggregated tools currently exported by the router"),
	), g.handleListToolsTool)

	g.mcpServer.AddTool(mcp.NewTool(g.routerTool("register-server"),
		mcp.WithDescription("Register a new upstream MCP server"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Server name, matching [A-Za-z0-9_-]+"),
		),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Absolute URL of the upstream MCP endpoint"),
		),
		mcp.WithString("description",
			mcp.Description("Free-text description"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether the server should be connected (default true)"),
		),
		mcp.WithBoolean("autoReconnect",
			mcp.Description("Whether the health loop should reconnect automatically (default true)"),
		),
	), g.handleRegisterServerTool)

	g.mcpServer.AddTool(mcp.NewTool(g.routerTool("unregister-server"),
		mcp.WithDescription("Unregister an upstream MCP server and remove its tools"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the server to unregister"),
		),
	), g.handleUnregisterServerTool)

	g.mcpServer.AddTool(mcp.NewTool(g.routerTool("reconnect-server"),
		mcp.WithDescription("Tear down and re-establish the connection to an upstream server"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the server to reconnect"),
		),
	), g.handleReconnectServerTool)

	// Kept for backward compatibility; REST /stats is the canonical surface.
	g.mcpServer.AddTool(mcp.NewTool(g.routerTool("stats")),
		g.handleStatsTool)
}

func (g *Gateway) handleListServersTool(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(g.manager.Statuses())
}

func (g *Gateway) handleListToolsTool(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools := g.manager.AllTools()
	type view struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := make([]view, 0, len(tools))
	for _, t := range tools {
		out = append(out, view{Name: t.Name, Description: t.Description})
	}
	return jsonResult(out)
}

func (g *Gateway) handleRegisterServerTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	serverURL, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError("url is required"), nil
	}

	rec := &store.ServerRecord{
		Name:          name,
		URL:           serverURL,
		Description:   request.GetString("description", ""),
		Enabled:       request.GetBool("enabled", true),
		AutoReconnect: request.GetBool("autoReconnect", true),
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
	}

	stored, err := g.RegisterServer(ctx, rec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Registered server %q (%s)", stored.Name, stored.URL)), nil
}

func (g *Gateway) handleUnregisterServerTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	if err := g.UnregisterServer(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Unregistered server %q", name)), nil
}

func (g *Gateway) handleReconnectServerTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	if err := g.ReconnectServer(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reconnected server %q", name)), nil
}

func (g *Gateway) handleStatsTool(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(g.AggregateStats(ctx))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
