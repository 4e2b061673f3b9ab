// Package sqliteq implements queue.PriorityQueue on a shared SQLite file.
// Every named queue lives in one table; pops are a single
// DELETE ... RETURNING statement, so concurrent consumers never receive the
// same row.
package sqliteq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Schema creates the queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_tasks (
	queue    TEXT    NOT NULL,
	crawler  TEXT    NOT NULL,
	id       TEXT    NOT NULL,
	priority INTEGER NOT NULL,
	payload  BLOB    NOT NULL,
	PRIMARY KEY (queue, crawler, id)
);
CREATE INDEX IF NOT EXISTS idx_queue_tasks_order ON queue_tasks (queue, priority DESC);
`

// Queue is one named queue inside the shared table.
type Queue struct {
	db      *sql.DB
	name    string
	maxSize int
}

// New opens the queue called name. The caller owns db and must have applied Schema.
func New(db *sql.DB, name string, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = queue.DefaultMaxSize
	}
	return &Queue{db: db, name: name, maxSize: maxSize}
}

// Opener returns a queue.Opener bound to db.
func Opener(db *sql.DB, maxSize int) queue.Opener {
	return queue.OpenerFunc(func(name string) queue.PriorityQueue {
		return New(db, name, maxSize)
	})
}

// Name returns the queue namespace.
func (q *Queue) Name() string {
	return q.name
}

// Push inserts t or replaces the queued row with the same crawler and id.
func (q *Queue) Push(ctx context.Context, t *task.Task) error {
	payload, err := task.Encode(t)
	if err != nil {
		return err
	}
	// The capacity check and insert run as one statement so concurrent
	// pushers cannot overshoot.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (queue, crawler, id, priority, payload)
		SELECT ?1, ?2, ?3, ?4, ?5
		WHERE EXISTS (SELECT 1 FROM queue_tasks WHERE queue = ?1 AND crawler = ?2 AND id = ?3)
		   OR (SELECT COUNT(*) FROM queue_tasks WHERE queue = ?1) < ?6
		ON CONFLICT (queue, crawler, id) DO UPDATE SET priority = excluded.priority, payload = excluded.payload`,
		q.name, t.CrawlerName, t.ID, t.Priority, payload, q.maxSize,
	)
	if err != nil {
		return fmt.Errorf("sqlite push %s: %w", q.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite push %s: %w", q.name, err)
	}
	if n == 0 {
		return queue.ErrFull
	}
	return nil
}

// Pop removes and returns the highest priority row.
func (q *Queue) Pop(ctx context.Context) (*task.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		DELETE FROM queue_tasks
		WHERE rowid = (
			SELECT rowid FROM queue_tasks
			WHERE queue = ?
			ORDER BY priority DESC, rowid ASC
			LIMIT 1
		)
		RETURNING payload`, q.name)
	return q.scan(row, "pop")
}

// Peek returns the highest priority row without removing it.
func (q *Queue) Peek(ctx context.Context) (*task.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT payload FROM queue_tasks
		WHERE queue = ?
		ORDER BY priority DESC, rowid ASC
		LIMIT 1`, q.name)
	return q.scan(row, "peek")
}

func (q *Queue) scan(row *sql.Row, op string) (*task.Task, error) {
	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite %s %s: %w", op, q.name, err)
	}
	t, err := task.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrCorrupt, err)
	}
	return t, nil
}

// Remove deletes crawler's row with the given id.
func (q *Queue) Remove(ctx context.Context, crawler, id string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE queue = ? AND crawler = ? AND id = ?`, q.name, crawler, id); err != nil {
		return fmt.Errorf("sqlite remove %s: %w", q.name, err)
	}
	return nil
}

// Size counts rows in the namespace.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks WHERE queue = ?`, q.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite size %s: %w", q.name, err)
	}
	return n, nil
}

// Clear deletes every row in the namespace.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE queue = ?`, q.name); err != nil {
		return fmt.Errorf("sqlite clear %s: %w", q.name, err)
	}
	return nil
}
