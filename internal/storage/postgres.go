package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgOpTimeout = 5 * time.Second

// Postgres is a Backend backed by a shared Postgres database, for
// deployments where several processes mirror the same wallet cache
type Postgres struct {
	pool   *pgxpool.Pool
	origin string
}

// OpenPostgres connects to connString, pings it and runs migrations
func OpenPostgres(ctx context.Context, connString, origin string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	p := &Postgres{pool: pool, origin: origin}
	if err := p.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) runMigrations(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_changes (
			seq BIGSERIAL PRIMARY KEY,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			removed BOOLEAN NOT NULL DEFAULT FALSE,
			origin TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_changes table: %w", err)
	}
	return nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgOpTimeout)
}

// Get retrieves the value for key
func (p *Postgres) Get(key string) (string, bool, error) {
	ctx, cancel := opContext()
	defer cancel()

	var value string
	err := p.pool.QueryRow(ctx, "SELECT value FROM kv WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key and records the change in one transaction
func (p *Postgres) Set(key, value string) error {
	ctx, cancel := opContext()
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert key %s: %w", key, err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO kv_changes (key, value, removed, origin) VALUES ($1, $2, FALSE, $3)",
		key, value, p.origin,
	)
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Remove deletes key and records the change
func (p *Postgres) Remove(key string) error {
	ctx, cancel := opContext()
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM kv WHERE key = $1", key)
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		_, err = tx.Exec(ctx,
			"INSERT INTO kv_changes (key, removed, origin) VALUES ($1, TRUE, $2)",
			key, p.origin,
		)
		if err != nil {
			return fmt.Errorf("failed to record change: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Keys lists every stored key
func (p *Postgres) Keys() ([]string, error) {
	ctx, cancel := opContext()
	defer cancel()

	rows, err := p.pool.Query(ctx, "SELECT key FROM kv ORDER BY key")
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
	return keys, rows.Err()
}

// Close releases the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Origin returns the writer id stamped on this handle's changes
func (p *Postgres) Origin() string {
	return p.origin
}

// LatestSeq returns the newest change sequence number
func (p *Postgres) LatestSeq() (int64, error) {
	ctx, cancel := opContext()
	defer cancel()

	var seq int64
	if err := p.pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) FROM kv_changes").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get latest seq: %w", err)
	}
	return seq, nil
}

// ChangesSince returns up to limit changes newer than seq
func (p *Postgres) ChangesSince(seq int64, limit int) ([]Change, error) {
	ctx, cancel := opContext()
	defer cancel()

	rows, err := p.pool.Query(ctx,
		"SELECT seq, key, value, removed, origin FROM kv_changes WHERE seq > $1 ORDER BY seq LIMIT $2",
		seq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Seq, &c.Key, &c.Value, &c.Removed, &c.Origin); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// PruneChanges drops all but the newest keepLast log rows
func (p *Postgres) PruneChanges(keepLast int) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := p.pool.Exec(ctx,
		"DELETE FROM kv_changes WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM kv_changes) - $1",
		keepLast,
	)
	if err != nil {
		return fmt.Errorf("failed to prune changes: %w", err)
	}
	return nil
}
