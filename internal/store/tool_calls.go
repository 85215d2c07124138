// ABOUTME: Batched audit persistence and analytics queries for tool calls
// ABOUTME: Backs the audit buffer flush path and the /stats router summary

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Analytics call floors. Slow/error-prone rankings need enough samples to mean
// anything, so tools below these counts are excluded.
const (
	slowestMinCalls    = 6
	errorProneMinCalls = 11
)

// InsertToolCalls writes a batch of audit rows in one transaction.
func (s *SQLiteStore) InsertToolCalls(ctx context.Context, calls []*ToolCallRecord) error {
	if len(calls) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tool calls tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_calls (id, server_name, tool_name, arguments, response,
			duration_ms, status, error_message, user_id, user_email, api_key_prefix, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing tool calls insert: %w", err)
	}
	defer stmt.Close()

	for _, call := range calls {
		if call.ID == "" {
			call.ID = uuid.New().String()
		}
		if call.CreatedAt.IsZero() {
			call.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			call.ID,
			call.ServerName,
			call.ToolName,
			call.Arguments,
			call.Response,
			call.Duration.Milliseconds(),
			string(call.Status),
			call.ErrorMessage,
			call.UserID,
			call.UserEmail,
			call.APIKeyPrefix,
			call.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting tool call: %w", err)
		}
	}

	return tx.Commit()
}

// CleanupToolCalls hard-deletes audit rows older than the retention window.
func (s *SQLiteStore) CleanupToolCalls(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 1 {
		daysOld = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up tool calls: %w", err)
	}
	return res.RowsAffected()
}

// Analytics aggregates tool call data over a look-back window in hours.
func (s *SQLiteStore) Analytics(ctx context.Context, windowHours int) (*CallAnalytics, error) {
	if windowHours < 1 {
		windowHours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour).Format(time.RFC3339Nano)

	out := &CallAnalytics{WindowHours: windowHours}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(status = 'error'), 0)
		FROM tool_calls WHERE created_at >= ?
	`, cutoff).Scan(&out.TotalCalls, &out.TotalErrors)
	if err != nil {
		return nil, fmt.Errorf("counting tool calls: %w", err)
	}

	mostUsed, err := s.queryUsage(ctx, `
		SELECT server_name, tool_name, COUNT(*) AS calls,
		       AVG(duration_ms), AVG(status = 'error')
		FROM tool_calls WHERE created_at >= ?
		GROUP BY server_name, tool_name
		ORDER BY calls DESC LIMIT 10
	`, cutoff)
	if err != nil {
		return nil, err
	}
	out.MostUsed = mostUsed

	slowest, err := s.queryUsage(ctx, fmt.Sprintf(`
		SELECT server_name, tool_name, COUNT(*) AS calls,
		       AVG(duration_ms) AS avg_ms, AVG(status = 'error')
		FROM tool_calls WHERE created_at >= ?
		GROUP BY server_name, tool_name
		HAVING calls >= %d
		ORDER BY avg_ms DESC LIMIT 10
	`, slowestMinCalls), cutoff)
	if err != nil {
		return nil, err
	}
	out.Slowest = slowest

	errorProne, err := s.queryUsage(ctx, fmt.Sprintf(`
		SELECT server_name, tool_name, COUNT(*) AS calls,
		       AVG(duration_ms), AVG(status = 'error') AS err_rate
		FROM tool_calls WHERE created_at >= ?
		GROUP BY server_name, tool_name
		HAVING calls >= %d AND err_rate > 0
		ORDER BY err_rate DESC LIMIT 10
	`, errorProneMinCalls), cutoff)
	if err != nil {
		return nil, err
	}
	out.ErrorProne = errorProne

	return out, nil
}

func (s *SQLiteStore) queryUsage(ctx context.Context, query string, args ...any) ([]ToolUsage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool usage: %w", err)
	}
	defer rows.Close()

	var usage []ToolUsage
	for rows.Next() {
		var u ToolUsage
		if err := rows.Scan(&u.ServerName, &u.ToolName, &u.Calls, &u.AvgMillis, &u.ErrorRate); err != nil {
			return nil, fmt.Errorf("scanning tool usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
