// ABOUTME: Entry point for the mcp-router aggregating MCP server
// ABOUTME: Exposes one MCP endpoint backed by many upstream MCP servers

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mcp-router/internal/buffer"
	"github.com/2389/mcp-router/internal/config"
	"github.com/2389/mcp-router/internal/credit"
	"github.com/2389/mcp-router/internal/gateway"
	"github.com/2389/mcp-router/internal/store"
	"github.com/2389/mcp-router/internal/syncer"
	"github.com/2389/mcp-router/internal/upstream"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                             _
  _ __ ___   ___ _ __        _ __ ___  _   _| |_ ___ _ __
 | '_ ' _ \ / __| '_ \ _____| '__/ _ \| | | | __/ _ \ '__|
 | | | | | | (__| |_) |_____| | | (_) | |_| | ||  __/ |
 |_| |_| |_|\___| .__/      |_|  \___/ \__,_|\__\___|_|
                |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-router <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the router")
		fmt.Println("  health     Check router health")
		fmt.Println("  version    Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("ROUTER_CONFIG"))
	if err != nil {
		return err
	}

	setupLogging(cfg)

	color.Cyan(banner)
	color.White("  version %s, port %d", version, cfg.Server.Port)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	var events *buffer.ServerEventBuffer
	if cfg.Audit.EnableEventLog {
		events = buffer.NewServerEventBuffer(st)
	}
	var audit *buffer.AuditBuffer
	if cfg.Audit.EnableAuditLog {
		audit = buffer.NewAuditBuffer(st, cfg.Audit.LogArguments, cfg.Audit.LogResponses)
	}

	manager := upstream.NewManager(st, events, audit, upstream.Options{
		Separator:       cfg.Server.Separator,
		PingInterval:    cfg.Health.PingInterval,
		MaxPingFailures: cfg.Health.MaxPingFailures,
	})

	creditManager := credit.NewManager(cfg.Credits.UserManagementAPI, cfg.Credits.AdminAPIKey, manager)

	gw := gateway.New(cfg, gateway.Deps{
		Store:   st,
		Manager: manager,
		Credit:  creditManager,
		Events:  events,
		Audit:   audit,
	})

	var engine *syncer.Engine
	if cfg.Sync.Enabled {
		engine = syncer.New(st, manager, gw.Registry(), syncer.Options{
			InstanceID:          cfg.Sync.InstanceID,
			PollInterval:        cfg.Sync.PollInterval,
			ReconcileInterval:   cfg.Sync.ReconcileInterval,
			CleanupInterval:     cfg.Sync.CleanupInterval,
			EventRetentionHours: cfg.Sync.EventRetentionHours,
			AuditRetentionDays:  cfg.Audit.RetentionDays,
		})
		gw.SetSyncEngine(engine)
		engine.Start()
	}

	gw.ConnectStoredServers(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: gw.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("router listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		gw.Shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}
	gw.Shutdown()
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("ROUTER_CONFIG"))
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("router unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	pretty, _ := json.MarshalIndent(body, "", "  ")
	fmt.Println(string(pretty))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("router unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
