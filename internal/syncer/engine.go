// ABOUTME: Multi-instance sync engine converging router instances on one registry
// ABOUTME: Event-log fast path plus periodic DB reconciliation backstop

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/2389/mcp-router/internal/registry"
	"github.com/2389/mcp-router/internal/store"
	"github.com/2389/mcp-router/internal/upstream"
)

const pollBatchSize = 100

// ServerPayload is the event_data carried by REGISTERED/UPDATED events. The
// payload is authoritative for the receiving instance: an event can arrive
// before the publisher's row is visible in the servers table.
type ServerPayload struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	Enabled       bool   `json:"enabled"`
	AutoReconnect bool   `json:"autoReconnect"`
	TimeoutMS     int64  `json:"timeoutMs"`
	RetryAttempts int    `json:"retryAttempts"`
}

// Options configures an Engine.
type Options struct {
	InstanceID          string
	PollInterval        time.Duration
	ReconcileInterval   time.Duration
	CleanupInterval     time.Duration
	EventRetentionHours int
	AuditRetentionDays  int
}

// Engine lets several router instances share a single source-of-truth registry
// through the append-only sync event log plus a reconciliation pass.
type Engine struct {
	instanceID string
	store      store.Store
	manager    *upstream.Manager
	registry   *registry.ToolRegistry
	logger     *slog.Logger

	pollInterval        time.Duration
	reconcileInterval   time.Duration
	cleanupInterval     time.Duration
	eventRetentionHours int
	auditRetentionDays  int

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. A zero InstanceID gets a fresh UUID.
func New(st store.Store, manager *upstream.Manager, reg *registry.ToolRegistry, opts Options) *Engine {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.EventRetentionHours <= 0 {
		opts.EventRetentionHours = 24
	}
	if opts.AuditRetentionDays <= 0 {
		opts.AuditRetentionDays = 30
	}
	return &Engine{
		instanceID:          opts.InstanceID,
		store:               st,
		manager:             manager,
		registry:            reg,
		logger:              slog.Default().With("component", "syncer", "instance_id", opts.InstanceID),
		pollInterval:        opts.PollInterval,
		reconcileInterval:   opts.ReconcileInterval,
		cleanupInterval:     opts.CleanupInterval,
		eventRetentionHours: opts.EventRetentionHours,
		auditRetentionDays:  opts.AuditRetentionDays,
	}
}

// InstanceID returns this instance's identity.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Start launches the poll and reconcile loops plus the cleanup cron jobs.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go e.loop(ctx, e.pollInterval, e.pollOnce)
	go e.loop(ctx, e.reconcileInterval, e.reconcileOnce)

	e.cron = cron.New()
	e.cron.AddFunc(fmt.Sprintf("@every %s", e.cleanupInterval), func() {
		e.cleanupSyncEvents(context.Background())
	})
	e.cron.AddFunc("@daily", func() {
		e.cleanupRetention(context.Background())
	})
	e.cron.Start()

	e.logger.Info("sync engine started",
		"poll_interval", e.pollInterval,
		"reconcile_interval", e.reconcileInterval,
	)
}

// Stop halts all loops and jobs.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.logger.Info("sync engine stopped")
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Publish appends one sync event attributed to this instance. Store errors are
// logged, not surfaced: the reconciliation pass on peers is the backstop.
func (e *Engine) Publish(ctx context.Context, eventType store.SyncEventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("encoding sync payload", "type", eventType, "error", err)
		return
	}
	ev := &store.SyncEvent{
		Type:       eventType,
		Data:       string(data),
		InstanceID: e.instanceID,
	}
	if err := e.store.AppendSyncEvent(ctx, ev); err != nil {
		e.logger.Warn("publishing sync event", "type", eventType, "error", err)
	}
}

// PayloadFor converts a server record into the authoritative event payload.
func PayloadFor(rec *store.ServerRecord) ServerPayload {
	return ServerPayload{
		Name:          rec.Name,
		URL:           rec.URL,
		Description:   rec.Description,
		Enabled:       rec.Enabled,
		AutoReconnect: rec.AutoReconnect,
		TimeoutMS:     rec.Timeout.Milliseconds(),
		RetryAttempts: rec.RetryAttempts,
	}
}

// pollOnce consumes one batch of unacknowledged events, oldest first.
func (e *Engine) pollOnce(ctx context.Context) {
	events, err := e.store.UnprocessedSyncEvents(ctx, e.instanceID, pollBatchSize)
	if err != nil {
		e.logger.Warn("polling sync events", "error", err)
		return
	}

	for _, ev := range events {
		if ev.InstanceID != e.instanceID {
			if err := e.dispatch(ctx, ev); err != nil {
				// Acknowledged anyway: reconciliation corrects any divergence,
				// and a poison event must not wedge the poll loop.
				e.logger.Warn("dispatching sync event",
					"event_id", ev.ID,
					"type", ev.Type,
					"error", err,
				)
			}
		}
		if err := e.store.AcknowledgeSyncEvent(ctx, ev.ID, e.instanceID); err != nil {
			e.logger.Warn("acknowledging sync event", "event_id", ev.ID, "error", err)
		}
	}
}

// dispatch applies one peer event to local state. All handlers are idempotent.
func (e *Engine) dispatch(ctx context.Context, ev *store.SyncEvent) error {
	switch ev.Type {
	case store.SyncRegistered, store.SyncUpdated:
		var payload ServerPayload
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		if e.manager.IsConnected(payload.Name) {
			return nil
		}
		rec := &store.ServerRecord{
			Name:          payload.Name,
			URL:           payload.URL,
			Description:   payload.Description,
			Enabled:       payload.Enabled,
			AutoReconnect: payload.AutoReconnect,
			Timeout:       time.Duration(payload.TimeoutMS) * time.Millisecond,
			RetryAttempts: payload.RetryAttempts,
		}
		if err := e.manager.Connect(ctx, rec); err != nil {
			return err
		}
		return e.registry.RegisterToolsFor(payload.Name)

	case store.SyncUnregistered:
		name := payloadName(ev.Data)
		if name == "" || !e.manager.Has(name) {
			return nil
		}
		e.registry.UnregisterToolsFor(name)
		e.manager.Disconnect(ctx, name)
		return nil

	case store.SyncReconnected:
		name := payloadName(ev.Data)
		if name == "" || !e.manager.Has(name) || e.manager.IsConnected(name) {
			return nil
		}
		if err := e.manager.Reconnect(ctx, name); err != nil {
			return err
		}
		return e.registry.RegisterToolsFor(name)

	case store.SyncDisconnected:
		name := payloadName(ev.Data)
		if name == "" || !e.manager.IsConnected(name) {
			return nil
		}
		e.registry.UnregisterToolsFor(name)
		e.manager.Disconnect(ctx, name)
		return nil

	default:
		e.logger.Debug("ignoring unknown sync event type", "type", ev.Type)
		return nil
	}
}

func payloadName(data string) string {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return ""
	}
	return payload.Name
}

// reconcileOnce scans the repository for enabled servers and repairs local
// state: connect what's missing, reconnect what's down.
func (e *Engine) reconcileOnce(ctx context.Context) {
	servers, err := e.store.FindAllServers(ctx, false)
	if err != nil {
		e.logger.Warn("reconciliation scan failed", "error", err)
		return
	}

	for _, rec := range servers {
		switch {
		case !e.manager.Has(rec.Name):
			if err := e.manager.Connect(ctx, rec); err != nil {
				e.logger.Debug("reconcile connect failed", "server", rec.Name, "error", err)
				continue
			}
			if err := e.registry.RegisterToolsFor(rec.Name); err != nil {
				e.logger.Warn("reconcile tool registration failed", "server", rec.Name, "error", err)
			}

		case !e.manager.IsConnected(rec.Name):
			if err := e.manager.Reconnect(ctx, rec.Name); err != nil {
				e.logger.Debug("reconcile reconnect failed", "server", rec.Name, "error", err)
				continue
			}
			if err := e.registry.RegisterToolsFor(rec.Name); err != nil {
				e.logger.Warn("reconcile tool registration failed", "server", rec.Name, "error", err)
			}
		}
	}
}

func (e *Engine) cleanupSyncEvents(ctx context.Context) {
	n, err := e.store.CleanupSyncEvents(ctx, e.eventRetentionHours)
	if err != nil {
		e.logger.Warn("sync event cleanup failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("sync events cleaned up", "deleted", n)
	}
}

// cleanupRetention hard-deletes expired audit rows and long-soft-deleted
// server rows.
func (e *Engine) cleanupRetention(ctx context.Context) {
	if n, err := e.store.CleanupToolCalls(ctx, e.auditRetentionDays); err != nil {
		e.logger.Warn("tool call cleanup failed", "error", err)
	} else if n > 0 {
		e.logger.Info("tool calls cleaned up", "deleted", n)
	}

	if n, err := e.store.CleanupDeletedServers(ctx, e.auditRetentionDays); err != nil {
		e.logger.Warn("deleted server cleanup failed", "error", err)
	} else if n > 0 {
		e.logger.Info("deleted servers cleaned up", "deleted", n)
	}
}
