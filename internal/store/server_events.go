// ABOUTME: Batched persistence for server lifecycle events
// ABOUTME: Single-transaction inserts feeding the event buffer's flush path

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertServerEvents writes a batch of server events in one transaction.
// IDs and timestamps are generated when unset.
func (s *SQLiteStore) InsertServerEvents(ctx context.Context, events []*ServerEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning server events tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO server_events (id, server_id, event_type, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing server events insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		var details any
		if ev.Details != "" {
			details = ev.Details
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.ServerID, string(ev.Type), details,
			ev.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting server event: %w", err)
		}
	}

	return tx.Commit()
}
