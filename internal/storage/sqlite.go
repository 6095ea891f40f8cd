package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is a Backend stored in a single sqlite file. Every write is also
// appended to a change log so other processes opening the same file can
// follow it through the ChangeFeed methods.
type SQLite struct {
	db     *sql.DB
	origin string
}

// OpenSQLite opens the database at dbPath with WAL mode and runs migrations.
// origin is stamped on every change this handle records.
func OpenSQLite(dbPath, origin string) (*SQLite, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		absPath, err := filepath.Abs(dbPath)
		if err != nil {
			return nil, err
		}
		dsn = absPath
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db, origin: origin}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// runMigrations creates the necessary tables
func (s *SQLite) runMigrations() error {
	kvTable := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	changesTable := `
		CREATE TABLE IF NOT EXISTS kv_changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			removed INTEGER NOT NULL DEFAULT 0,
			origin TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	if _, err := s.db.Exec(kvTable); err != nil {
		return err
	}
	if _, err := s.db.Exec(changesTable); err != nil {
		return err
	}
	return nil
}

// Get retrieves the value for key
func (s *SQLite) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key and records the change
func (s *SQLite) Set(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert key %s: %w", key, err)
	}

	_, err = tx.Exec(`
		INSERT INTO kv_changes (key, value, removed, origin)
		VALUES (?, ?, 0, ?)
	`, key, value, s.origin)
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Remove deletes key and records the change
func (s *SQLite) Remove(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		_, err = tx.Exec(`
			INSERT INTO kv_changes (key, removed, origin)
			VALUES (?, 1, ?)
		`, key, s.origin)
		if err != nil {
			return fmt.Errorf("failed to record change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Keys lists every stored key
func (s *SQLite) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Origin returns the writer id stamped on this handle's changes
func (s *SQLite) Origin() string {
	return s.origin
}

// LatestSeq returns the newest change sequence number, 0 when empty
func (s *SQLite) LatestSeq() (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM kv_changes`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest seq: %w", err)
	}
	return seq, nil
}

// ChangesSince returns up to limit changes with seq greater than seq
func (s *SQLite) ChangesSince(seq int64, limit int) ([]Change, error) {
	rows, err := s.db.Query(`
		SELECT seq, key, value, removed, origin
		FROM kv_changes
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var removed int
		if err := rows.Scan(&c.Seq, &c.Key, &c.Value, &removed, &c.Origin); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Removed = removed != 0
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// PruneChanges drops all but the newest keepLast log rows
func (s *SQLite) PruneChanges(keepLast int) error {
	_, err := s.db.Exec(`
		DELETE FROM kv_changes
		WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM kv_changes) - ?
	`, keepLast)
	if err != nil {
		return fmt.Errorf("failed to prune changes: %w", err)
	}
	return nil
}
