// Package pgstore implements persist.Store on Postgres so several scheduler
// hosts can share one durable store.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Schema creates the persistence tables.
const Schema = `
CREATE TABLE IF NOT EXISTS persisted_tasks (
	crawler    TEXT        NOT NULL,
	role       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	payload    BYTEA       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (crawler, role, id)
);
CREATE TABLE IF NOT EXISTS scheduler_state (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const (
	appendSQL = `INSERT INTO persisted_tasks (crawler, role, id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (crawler, role, id) DO UPDATE SET payload = EXCLUDED.payload`
	listSQL = `SELECT payload FROM persisted_tasks
		WHERE crawler = $1 AND role = $2
		ORDER BY created_at`
	deleteSQL    = `DELETE FROM persisted_tasks WHERE crawler = $1 AND role = $2 AND id = ANY($3)`
	saveStateSQL = `INSERT INTO scheduler_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	loadStateSQL = `SELECT value FROM scheduler_state WHERE key = $1`
)

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store is a Postgres-backed persist.Store.
type Store struct {
	pool pool
}

// Config controls the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("persistence.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := p.Exec(ctx, Schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool builds a Store on an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p}, nil
}

// Append upserts tasks inside one transaction.
func (s *Store) Append(ctx context.Context, crawler, role string, tasks ...*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range tasks {
		payload, err := task.Encode(t)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, appendSQL, crawler, role, t.ID, payload); err != nil {
			return fmt.Errorf("append task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// List returns the tasks stored under (crawler, role) oldest first.
func (s *Store) List(ctx context.Context, crawler, role string) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, listSQL, crawler, role)
	if err != nil {
		return nil, fmt.Errorf("list persisted tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan persisted task: %w", err)
		}
		t, err := task.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persisted tasks: %w", err)
	}
	return out, nil
}

// Delete removes the listed ids.
func (s *Store) Delete(ctx context.Context, crawler, role string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, deleteSQL, crawler, role, ids); err != nil {
		return fmt.Errorf("delete persisted tasks: %w", err)
	}
	return nil
}

// SaveState upserts a state blob.
func (s *Store) SaveState(ctx context.Context, key string, data []byte) error {
	if _, err := s.pool.Exec(ctx, saveStateSQL, key, data); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState reads a state blob.
func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, loadStateSQL, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", key, err)
	}
	return data, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
