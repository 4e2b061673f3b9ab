// Package sqlitestore implements persist.Store on an embedded SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/crawlsched/internal/database"
	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Schema creates the persistence tables.
const Schema = `
CREATE TABLE IF NOT EXISTS persisted_tasks (
	crawler    TEXT    NOT NULL,
	role       TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (crawler, role, id)
);
CREATE TABLE IF NOT EXISTS scheduler_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed persist.Store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := database.Open(path, Schema)
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}
	return &Store{db: db}, nil
}

// Append upserts tasks in one transaction.
func (s *Store) Append(ctx context.Context, crawler, role string, tasks ...*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	for _, t := range tasks {
		payload, err := task.Encode(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO persisted_tasks (crawler, role, id, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (crawler, role, id) DO UPDATE SET payload = excluded.payload`,
			crawler, role, t.ID, payload, now,
		); err != nil {
			return fmt.Errorf("append task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// List returns the tasks stored under (crawler, role) oldest first.
func (s *Store) List(ctx context.Context, crawler, role string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM persisted_tasks
		WHERE crawler = ? AND role = ?
		ORDER BY created_at, rowid`, crawler, role)
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
	args := make([]any, 0, len(ids)+2)
	args = append(args, crawler, role)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `DELETE FROM persisted_tasks WHERE crawler = ? AND role = ? AND id IN (` + placeholders + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete persisted tasks: %w", err)
	}
	return nil
}

// SaveState upserts a state blob.
func (s *Store) SaveState(ctx context.Context, key string, data []byte) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, data, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState reads a state blob.
func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", key, err)
	}
	return data, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close persistence store: %w", err)
	}
	return nil
}
