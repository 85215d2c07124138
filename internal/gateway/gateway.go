// ABOUTME: Gateway wiring the downstream MCP endpoint, REST surface and core
// ABOUTME: Owns admin operations: register, unregister, reconnect

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/buffer"
	"github.com/2389/mcp-router/internal/config"
	"github.com/2389/mcp-router/internal/credit"
	"github.com/2389/mcp-router/internal/registry"
	"github.com/2389/mcp-router/internal/store"
	"github.com/2389/mcp-router/internal/syncer"
	"github.com/2389/mcp-router/internal/upstream"
)

// Admin operation errors mapped to HTTP statuses by the REST layer.
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("server_not_found")
)

// Gateway composes the router core behind one HTTP listener.
type Gateway struct {
	cfg       *config.Config
	store     store.Store
	manager   *upstream.Manager
	registry  *registry.ToolRegistry
	sync      *syncer.Engine
	credit    *credit.Manager
	events    *buffer.ServerEventBuffer
	audit     *buffer.AuditBuffer
	mcpServer *server.MCPServer
	handler   http.Handler
	logger    *slog.Logger
	startedAt time.Time
}

// Deps carries the constructed core components into the gateway.
type Deps struct {
	Store   store.Store
	Manager *upstream.Manager
	Sync    *syncer.Engine
	Credit  *credit.Manager
	Events  *buffer.ServerEventBuffer
	Audit   *buffer.AuditBuffer
}

// New builds a Gateway: downstream MCP server, tool registry, control tools
// and the chi route tree.
func New(cfg *config.Config, deps Deps) *Gateway {
	mcpServer := server.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	g := &Gateway{
		cfg:       cfg,
		store:     deps.Store,
		manager:   deps.Manager,
		sync:      deps.Sync,
		credit:    deps.Credit,
		events:    deps.Events,
		audit:     deps.Audit,
		mcpServer: mcpServer,
		logger:    slog.Default().With("component", "gateway"),
		startedAt: time.Now().UTC(),
	}
	g.registry = registry.New(mcpServer, deps.Manager, deps.Credit)
	deps.Manager.SetHooks(
		func(name string) {
			if err := g.registry.RegisterToolsFor(name); err != nil {
				g.logger.Warn("resyncing tools after reconnect", "server", name, "error", err)
			}
		},
		func(name string) {
			g.registry.UnregisterToolsFor(name)
		},
	)
	g.registerRouterTools()
	g.handler = g.routes()
	return g
}

// Registry exposes the tool registry (used by startup and the sync engine).
func (g *Gateway) Registry() *registry.ToolRegistry {
	return g.registry
}

// SetSyncEngine installs the sync engine after construction. The engine needs
// the registry, which the gateway builds, so wiring happens in two steps.
func (g *Gateway) SetSyncEngine(engine *syncer.Engine) {
	g.sync = engine
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware)

	streamable := server.NewStreamableHTTPServer(g.mcpServer, server.WithStateLess(true))
	r.HandleFunc("/mcp", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			fmt.Fprint(w, `{"jsonrpc":"2.0","error":{"code":-32000,"message":"Method not allowed."},"id":null}`)
			return
		}
		streamable.ServeHTTP(w, req)
	})

	var verifier auth.TokenVerifier
	if g.cfg.Auth.Enabled {
		verifier = auth.NewJWTVerifier([]byte(g.cfg.Auth.JWTSecret))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(verifier))
		r.Post("/register", g.handleRegister)
		r.Delete("/register/{serverName}", g.handleUnregister)
	})

	r.Get("/health", g.handleHealth)
	r.Get("/config", g.handleConfig)
	r.Get("/stats", g.handleStats)

	return r
}

// RegisterServer validates input, persists the configuration, connects and
// registers tools. A connect failure after the repository accepted the row is
// not an error: the row stays, the health loop retries.
func (g *Gateway) RegisterServer(ctx context.Context, rec *store.ServerRecord) (*store.ServerRecord, error) {
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" || !config.ValidServerName(rec.Name) {
		return nil, fmt.Errorf("%w: server name must match [A-Za-z0-9_-]+", ErrInvalidInput)
	}
	parsed, err := url.ParseRequestURI(rec.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL %q", ErrInvalidInput, rec.URL)
	}
	if rec.Timeout <= 0 {
		rec.Timeout = 30 * time.Second
	}
	if rec.RetryAttempts <= 0 {
		rec.RetryAttempts = 3
	}

	var connectErr error
	if rec.Enabled {
		connectErr = g.manager.Connect(ctx, rec)
		if connectErr != nil {
			if errors.Is(connectErr, store.ErrNameConflict) {
				return nil, connectErr
			}
			// Registration is recorded; subsequent health cycles retry the dial.
			g.logger.Warn("registered server failed to connect", "server", rec.Name, "error", connectErr)
		}
	} else {
		// Disabled servers are persisted but never dialed.
		if _, err := g.store.UpsertServer(ctx, rec); err != nil {
			if errors.Is(err, store.ErrNameConflict) {
				return nil, err
			}
			return nil, fmt.Errorf("persisting server %q: %w", rec.Name, err)
		}
	}

	stored, err := g.store.GetServerByName(ctx, rec.Name)
	if err != nil {
		return nil, fmt.Errorf("reading back server %q: %w", rec.Name, err)
	}

	if rec.Enabled && connectErr == nil {
		if err := g.registry.RegisterToolsFor(rec.Name); err != nil {
			g.logger.Warn("registering tools", "server", rec.Name, "error", err)
		}
	}
	g.recordEvent(stored.ID, store.ServerEventRegistered, "")

	if g.sync != nil {
		g.sync.Publish(ctx, store.SyncRegistered, syncer.PayloadFor(stored))
	}
	return stored, nil
}

// UnregisterServer removes a server: tools out of the catalog, transport
// closed, row soft-deleted.
func (g *Gateway) UnregisterServer(ctx context.Context, name string) error {
	rec, err := g.store.GetServerByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if !g.manager.Has(name) {
				return fmt.Errorf("%w: %s", ErrNotFound, name)
			}
			rec = nil
		} else {
			return fmt.Errorf("looking up server %q: %w", name, err)
		}
	}

	g.registry.UnregisterToolsFor(name)
	g.manager.Disconnect(ctx, name)

	if rec != nil {
		if _, err := g.store.SoftDeleteServer(ctx, rec.ID); err != nil {
			return fmt.Errorf("deleting server %q: %w", name, err)
		}
		g.recordEvent(rec.ID, store.ServerEventUnregistered, "")
	}

	if g.sync != nil {
		g.sync.Publish(ctx, store.SyncUnregistered, map[string]string{"name": name})
	}
	return nil
}

// ReconnectServer tears down and re-establishes one upstream connection.
func (g *Gateway) ReconnectServer(ctx context.Context, name string) error {
	if !g.manager.Has(name) {
		if _, err := g.store.GetServerByName(ctx, name); err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
	if err := g.manager.Reconnect(ctx, name); err != nil {
		return err
	}
	if err := g.registry.RegisterToolsFor(name); err != nil {
		g.logger.Warn("registering tools after reconnect", "server", name, "error", err)
	}
	if g.sync != nil {
		g.sync.Publish(ctx, store.SyncReconnected, map[string]string{"name": name})
	}
	return nil
}

// ConnectStoredServers dials every enabled server at startup.
func (g *Gateway) ConnectStoredServers(ctx context.Context) {
	servers, err := g.store.FindAllServers(ctx, false)
	if err != nil {
		g.logger.Warn("loading stored servers", "error", err)
		return
	}
	for _, rec := range servers {
		if err := g.manager.Connect(ctx, rec); err != nil {
			g.logger.Warn("connecting stored server", "server", rec.Name, "error", err)
			continue
		}
		if err := g.registry.RegisterToolsFor(rec.Name); err != nil {
			g.logger.Warn("registering stored server tools", "server", rec.Name, "error", err)
		}
	}
	g.logger.Info("stored servers connected", "count", len(servers))
}

// AggregateStats fans out stats tool calls to every upstream exposing one.
func (g *Gateway) AggregateStats(ctx context.Context) map[string]any {
	out := make(map[string]any)
	for _, name := range g.manager.ServersWithStatsTool() {
		stats, err := g.manager.CallStatsTool(ctx, name)
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = stats
	}
	return out
}

// Shutdown performs the ordered teardown: pollers, transports, buffers, store.
func (g *Gateway) Shutdown() {
	if g.sync != nil {
		g.sync.Stop()
	}
	g.manager.DisconnectAll()
	if g.audit != nil {
		g.audit.Shutdown()
	}
	if g.events != nil {
		g.events.Shutdown()
	}
	if err := g.store.Close(); err != nil {
		g.logger.Warn("closing store", "error", err)
	}
	g.logger.Info("gateway shut down")
}

func (g *Gateway) recordEvent(serverID string, eventType store.ServerEventType, details string) {
	if g.events != nil {
		g.events.Record(serverID, eventType, details)
	}
}
