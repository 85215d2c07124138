// ABOUTME: REST API handlers for server registration and router introspection
// ABOUTME: JSON endpoints: /register, /health, /config, /stats

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/mcp-router/internal/store"
)

// RegisterRequest is the JSON request body for POST /register.
type RegisterRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"`
	AutoReconnect *bool  `json:"autoReconnect,omitempty"`
	TimeoutMS     int64  `json:"timeoutMs,omitempty"`
	RetryAttempts int    `json:"retryAttempts,omitempty"`
}

// RegisterResponse is the JSON response for POST /register.
type RegisterResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Server  *ServerView    `json:"server,omitempty"`
	Stats   *RegisterStats `json:"stats,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ServerView is the sanitized server representation returned by the API.
type ServerView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	Enabled       bool   `json:"enabled"`
	AutoReconnect bool   `json:"autoReconnect"`
	Connected     bool   `json:"connected"`
	ToolsCount    int    `json:"toolsCount"`
}

// RegisterStats summarizes the router after a registration.
type RegisterStats struct {
	TotalServers     int `json:"totalServers"`
	ConnectedServers int `json:"connectedServers"`
	TotalTools       int `json:"totalTools"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	InstanceID string         `json:"instanceId,omitempty"`
	UptimeSecs int64          `json:"uptimeSeconds"`
	Database   DatabaseHealth `json:"database"`
	Router     RegisterStats  `json:"router"`
}

// DatabaseHealth reports store connectivity.
type DatabaseHealth struct {
	Connected bool  `json:"connected"`
	LatencyMS int64 `json:"latencyMs"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RegisterResponse{
			Success: false,
			Error:   "invalid_input",
			Message: "invalid JSON body",
		})
		return
	}

	rec := &store.ServerRecord{
		Name:          req.Name,
		URL:           req.URL,
		Description:   req.Description,
		Enabled:       true,
		AutoReconnect: true,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		RetryAttempts: req.RetryAttempts,
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	if req.AutoReconnect != nil {
		rec.AutoReconnect = *req.AutoReconnect
	}

	stored, err := g.RegisterServer(r.Context(), rec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RegisterResponse{
			Success: true,
			Message: "server registered",
			Server:  g.serverView(stored),
			Stats:   g.routerStats(),
		})

	case errors.Is(err, ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, RegisterResponse{
			Success: false,
			Error:   "invalid_input",
			Message: err.Error(),
		})

	case errors.Is(err, store.ErrNameConflict):
		writeJSON(w, http.StatusConflict, RegisterResponse{
			Success: false,
			Error:   "name_url_conflict",
			Message: "Name/URL conflict: " + err.Error(),
		})

	default:
		g.logger.Error("register failed", "server", req.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, RegisterResponse{
			Success: false,
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}

func (g *Gateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "serverName")

	err := g.UnregisterServer(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RegisterResponse{
			Success: true,
			Message: "server unregistered",
			Stats:   g.routerStats(),
		})

	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, RegisterResponse{
			Success: false,
			Error:   "server_not_found",
			Message: err.Error(),
		})

	default:
		g.logger.Error("unregister failed", "server", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, RegisterResponse{
			Success: false,
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealth := g.store.CheckHealth(r.Context())

	resp := HealthResponse{
		Status:     "ok",
		UptimeSecs: int64(time.Since(g.startedAt).Seconds()),
		Database: DatabaseHealth{
			Connected: dbHealth.Connected,
			LatencyMS: dbHealth.Latency.Milliseconds(),
		},
		Router: *g.routerStats(),
	}
	if g.sync != nil {
		resp.InstanceID = g.sync.InstanceID()
	}
	status := http.StatusOK
	if !dbHealth.Connected {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (g *Gateway) handleConfig(w http.ResponseWriter, _ *http.Request) {
	// Sanitized echo: no secrets.
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          g.cfg.Server.Name,
		"version":       g.cfg.Server.Version,
		"port":          g.cfg.Server.Port,
		"separator":     g.cfg.Server.Separator,
		"authEnabled":   g.cfg.Auth.Enabled,
		"eventLog":      g.cfg.Audit.EnableEventLog,
		"auditLog":      g.cfg.Audit.EnableAuditLog,
		"creditGate":    g.credit.Initialized(),
		"pingInterval":  g.cfg.Health.PingInterval.String(),
		"syncEnabled":   g.cfg.Sync.Enabled,
		"syncPoll":      g.cfg.Sync.PollInterval.String(),
		"syncReconcile": g.cfg.Sync.ReconcileInterval.String(),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	// The stats endpoint always permits cross-origin reads.
	w.Header().Set("Access-Control-Allow-Origin", "*")

	stats := g.AggregateStats(r.Context())

	window := 24
	if v := r.URL.Query().Get("window"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			window = n
		}
	}
	if analytics, err := g.store.Analytics(r.Context(), window); err == nil {
		stats["_router"] = analytics
	} else {
		g.logger.Warn("analytics query failed", "error", err)
	}

	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) serverView(rec *store.ServerRecord) *ServerView {
	view := &ServerView{
		ID:            rec.ID,
		Name:          rec.Name,
		URL:           rec.URL,
		Description:   rec.Description,
		Enabled:       rec.Enabled,
		AutoReconnect: rec.AutoReconnect,
	}
	for _, status := range g.manager.Statuses() {
		if status.Name == rec.Name {
			view.Connected = status.Connected
			view.ToolsCount = status.ToolsCount
		}
	}
	return view
}

func (g *Gateway) routerStats() *RegisterStats {
	statuses := g.manager.Statuses()
	stats := &RegisterStats{TotalServers: len(statuses)}
	for _, s := range statuses {
		if s.Connected {
			stats.ConnectedServers++
		}
		stats.TotalTools += s.ToolsCount
	}
	return stats
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Warn("encoding response", "error", err)
	}
}
