// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides server registry persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			auto_reconnect INTEGER NOT NULL DEFAULT 1,
			timeout_ms INTEGER NOT NULL DEFAULT 30000,
			retry_attempts INTEGER NOT NULL DEFAULT 3,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			deleted_at DATETIME
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_name_live
			ON servers(name) WHERE deleted_at IS NULL;

		CREATE TABLE IF NOT EXISTS server_events (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			details TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_server_events_server
			ON server_events(server_id, created_at);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			server_name TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			arguments TEXT,
			response TEXT,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			user_email TEXT NOT NULL DEFAULT '',
			api_key_prefix TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_created
			ON tool_calls(created_at);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_server_tool
			ON tool_calls(server_name, tool_name);

		CREATE TABLE IF NOT EXISTS sync_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			processed_by TEXT NOT NULL DEFAULT '[]',
			processed_at DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sync_events_created
			ON sync_events(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// UpsertServer merges by unique name among non-deleted rows. A soft-deleted row
// with the same name is resurrected, preserving its id. Returns ErrNameConflict
// when a live row holds the name with a different URL.
func (s *SQLiteStore) UpsertServer(ctx context.Context, rec *ServerRecord) (*ServerRecord, error) {
	now := time.Now().UTC()

	existing, err := s.getServerByNameAnyState(ctx, rec.Name)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if existing != nil {
		if existing.DeletedAt == nil && existing.URL != rec.URL {
			return nil, fmt.Errorf("%w: %q already registered at %s", ErrNameConflict, rec.Name, existing.URL)
		}
		query := `
			UPDATE servers
			SET url = ?, description = ?, enabled = ?, auto_reconnect = ?,
			    timeout_ms = ?, retry_attempts = ?, updated_at = ?, deleted_at = NULL
			WHERE id = ?
		`
		_, err := s.db.ExecContext(ctx, query,
			rec.URL,
			rec.Description,
			rec.Enabled,
			rec.AutoReconnect,
			rec.Timeout.Milliseconds(),
			rec.RetryAttempts,
			now.Format(time.RFC3339),
			existing.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("updating server: %w", err)
		}
		return s.GetServerByName(ctx, rec.Name)
	}

	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	query := `
		INSERT INTO servers (id, name, url, description, enabled, auto_reconnect,
			timeout_ms, retry_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		id,
		rec.Name,
		rec.URL,
		rec.Description,
		rec.Enabled,
		rec.AutoReconnect,
		rec.Timeout.Milliseconds(),
		rec.RetryAttempts,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting server: %w", err)
	}
	return s.GetServerByName(ctx, rec.Name)
}

// GetServerByName returns the live (non-deleted) row holding name.
func (s *SQLiteStore) GetServerByName(ctx context.Context, name string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		serverSelect+" WHERE name = ? AND deleted_at IS NULL", name)
	return scanServer(row)
}

// getServerByNameAnyState also matches soft-deleted rows, newest first.
func (s *SQLiteStore) getServerByNameAnyState(ctx context.Context, name string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		serverSelect+" WHERE name = ? ORDER BY deleted_at IS NULL DESC, updated_at DESC LIMIT 1", name)
	return scanServer(row)
}

// FindAllServers returns non-deleted servers, excluding disabled ones by default.
func (s *SQLiteStore) FindAllServers(ctx context.Context, includeDisabled bool) ([]*ServerRecord, error) {
	query := serverSelect + " WHERE deleted_at IS NULL"
	if !includeDisabled {
		query += " AND enabled = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*ServerRecord
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, rec)
	}
	return servers, rows.Err()
}

// SetServerEnabled updates the enabled flag and touches updated_at.
func (s *SQLiteStore) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET enabled = ?, updated_at = ? WHERE name = ? AND deleted_at IS NULL`,
		enabled, time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("updating enabled flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteServer marks the row deleted; returns whether a row changed.
func (s *SQLiteStore) SoftDeleteServer(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("soft deleting server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CleanupDeletedServers hard-deletes rows soft-deleted before the cutoff.
// The cutoff is computed here and compared as RFC3339 text: parameterized SQL
// interval expressions are driver-dependent.
func (s *SQLiteStore) CleanupDeletedServers(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 0 {
		daysOld = 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM servers WHERE deleted_at IS NOT NULL AND deleted_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up deleted servers: %w", err)
	}
	return res.RowsAffected()
}

// CheckHealth pings the database and reports round-trip latency.
func (s *SQLiteStore) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	err := s.db.PingContext(ctx)
	return Health{
		Connected: err == nil,
		Latency:   time.Since(start),
	}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const serverSelect = `
	SELECT id, name, url, description, enabled, auto_reconnect,
	       timeout_ms, retry_attempts, created_at, updated_at, deleted_at
	FROM servers
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*ServerRecord, error) {
	var rec ServerRecord
	var timeoutMS int64
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.URL,
		&rec.Description,
		&rec.Enabled,
		&rec.AutoReconnect,
		&timeoutMS,
		&rec.RetryAttempts,
		&createdAt,
		&updatedAt,
		&deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339, deletedAt.String); err == nil {
			rec.DeletedAt = &t
		}
	}
	return &rec, nil
}
