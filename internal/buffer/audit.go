// ABOUTME: Audit and server-event buffers built on the generic batcher
// ABOUTME: Applies argument/response sanitization before enqueueing audit rows

package buffer

import (
	"context"
	"time"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/store"
)

// Buffer defaults per writer.
const (
	eventBatchSize   = 10
	eventBatchWindow = 5 * time.Second
	auditBatchSize   = 20
	auditBatchWindow = 10 * time.Second
)

// ServerEventBuffer batches server lifecycle events into the store.
type ServerEventBuffer struct {
	batcher *Batcher[*store.ServerEvent]
}

// NewServerEventBuffer creates an event buffer writing through st.
func NewServerEventBuffer(st store.Store) *ServerEventBuffer {
	return &ServerEventBuffer{
		batcher: NewBatcher("server_events", eventBatchSize, eventBatchWindow,
			func(ctx context.Context, batch []*store.ServerEvent) error {
				return st.InsertServerEvents(ctx, batch)
			}),
	}
}

// Record enqueues one server event.
func (b *ServerEventBuffer) Record(serverID string, eventType store.ServerEventType, details string) {
	b.batcher.Add(&store.ServerEvent{
		ServerID:  serverID,
		Type:      eventType,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
}

// Shutdown flushes remaining events.
func (b *ServerEventBuffer) Shutdown() {
	b.batcher.Shutdown()
}

// AuditBuffer batches tool call audit rows into the store. The LogArguments
// and LogResponses flags control whether payloads are retained; when false the
// corresponding field is nulled before enqueue so it never reaches disk.
type AuditBuffer struct {
	batcher      *Batcher[*store.ToolCallRecord]
	logArguments bool
	logResponses bool
}

// NewAuditBuffer creates an audit buffer writing through st.
func NewAuditBuffer(st store.Store, logArguments, logResponses bool) *AuditBuffer {
	return &AuditBuffer{
		batcher: NewBatcher("tool_calls", auditBatchSize, auditBatchWindow,
			func(ctx context.Context, batch []*store.ToolCallRecord) error {
				return st.InsertToolCalls(ctx, batch)
			}),
		logArguments: logArguments,
		logResponses: logResponses,
	}
}

// Record enqueues one audit row, attributing it to the identity carried in ctx.
func (b *AuditBuffer) Record(ctx context.Context, rec *store.ToolCallRecord) {
	if !b.logArguments {
		rec.Arguments = nil
	}
	if !b.logResponses {
		rec.Response = nil
	}
	if id := auth.FromContext(ctx); id != nil {
		rec.UserID = id.UserID
		rec.UserEmail = id.UserEmail
		rec.APIKeyPrefix = id.APIKeyPrefix()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b.batcher.Add(rec)
}

// Shutdown flushes remaining audit rows.
func (b *AuditBuffer) Shutdown() {
	b.batcher.Shutdown()
}
