// ABOUTME: Append-only sync event log with per-instance processed cursors
// ABOUTME: Backs the multi-instance sync engine's publish/poll/cleanup cycle

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// syncTimeLayout is a fixed-width RFC3339 layout: unlike RFC3339Nano it keeps
// trailing zeros, so created_at text order equals chronological order.
const syncTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendSyncEvent inserts a new event row. ID and CreatedAt are generated when unset.
func (s *SQLiteStore) AppendSyncEvent(ctx context.Context, ev *SyncEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	processedBy, err := json.Marshal(ev.ProcessedBy)
	if err != nil {
		return fmt.Errorf("encoding processed_by: %w", err)
	}
	if ev.ProcessedBy == nil {
		processedBy = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, event_type, event_data, instance_id, processed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		string(ev.Type),
		ev.Data,
		ev.InstanceID,
		string(processedBy),
		ev.CreatedAt.UTC().Format(syncTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting sync event: %w", err)
	}

	s.logger.Debug("sync event published",
		"event_id", ev.ID,
		"type", ev.Type,
		"instance_id", ev.InstanceID,
	)
	return nil
}

// UnprocessedSyncEvents returns up to limit events not yet acknowledged by
// instanceID, oldest first. Append ordering is the cross-instance ordering
// source of truth, so created_at ASC is load-bearing here.
func (s *SQLiteStore) UnprocessedSyncEvents(ctx context.Context, instanceID string, limit int) ([]*SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, event_data, instance_id, processed_by, processed_at, created_at
		FROM sync_events
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sync events: %w", err)
	}
	defer rows.Close()

	var events []*SyncEvent
	for rows.Next() {
		ev, err := scanSyncEvent(rows)
		if err != nil {
			return nil, err
		}
		if slices.Contains(ev.ProcessedBy, instanceID) {
			continue
		}
		events = append(events, ev)
		if len(events) >= limit {
			break
		}
	}
	return events, rows.Err()
}

// AcknowledgeSyncEvent appends instanceID to the event's processed_by set and
// stamps processed_at on first acknowledgement. Idempotent.
func (s *SQLiteStore) AcknowledgeSyncEvent(ctx context.Context, id, instanceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning acknowledge tx: %w", err)
	}
	defer tx.Rollback()

	var processedByRaw string
	var processedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT processed_by, processed_at FROM sync_events WHERE id = ?`, id).
		Scan(&processedByRaw, &processedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading sync event: %w", err)
	}

	var processedBy []string
	if err := json.Unmarshal([]byte(processedByRaw), &processedBy); err != nil {
		processedBy = nil
	}
	if slices.Contains(processedBy, instanceID) {
		return nil
	}
	processedBy = append(processedBy, instanceID)

	encoded, err := json.Marshal(processedBy)
	if err != nil {
		return fmt.Errorf("encoding processed_by: %w", err)
	}

	if processedAt.Valid {
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_events SET processed_by = ? WHERE id = ?`, string(encoded), id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_events SET processed_by = ?, processed_at = ? WHERE id = ?`,
			string(encoded), time.Now().UTC().Format(time.RFC3339Nano), id)
	}
	if err != nil {
		return fmt.Errorf("updating sync event: %w", err)
	}

	return tx.Commit()
}

// CleanupSyncEvents deletes events older than the retention window.
func (s *SQLiteStore) CleanupSyncEvents(ctx context.Context, retentionHours int) (int64, error) {
	if retentionHours < 1 {
		retentionHours = 1
	}
	cutoff := time.Now().UTC().Add(-time.Duration(retentionHours) * time.Hour).Format(syncTimeLayout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sync events: %w", err)
	}
	return res.RowsAffected()
}

func scanSyncEvent(row rowScanner) (*SyncEvent, error) {
	var ev SyncEvent
	var eventType, processedByRaw, createdAt string
	var processedAt sql.NullString

	err := row.Scan(&ev.ID, &eventType, &ev.Data, &ev.InstanceID, &processedByRaw, &processedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync event: %w", err)
	}

	ev.Type = SyncEventType(eventType)
	if err := json.Unmarshal([]byte(processedByRaw), &ev.ProcessedBy); err != nil {
		ev.ProcessedBy = nil
	}
	if processedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processedAt.String); err == nil {
			ev.ProcessedAt = &t
		}
	}
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &ev, nil
}
