// Package persist moves tasks between live queues and durable storage so a
// paused, stopped or restarting crawler loses no work.
//
// Drain writes each task to the store before removing it from the queue, so
// a crash mid-drain can leave a task in both places but never in neither.
// Reload pushes before deleting, with the same trade-off.
package persist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// ErrNotFound is returned by LoadState for unknown keys.
var ErrNotFound = errors.New("persisted state not found")

// Store is durable storage keyed by (crawler, role).
type Store interface {
	// Append stores tasks under the key. Re-appending an id overwrites it.
	Append(ctx context.Context, crawler, role string, tasks ...*task.Task) error
	// List returns every task stored under the key in insertion order.
	List(ctx context.Context, crawler, role string) ([]*task.Task, error)
	// Delete removes the given ids from the key.
	Delete(ctx context.Context, crawler, role string, ids ...string) error
	// SaveState stores an opaque blob under key.
	SaveState(ctx context.Context, key string, data []byte) error
	// LoadState returns the blob stored under key or ErrNotFound.
	LoadState(ctx context.Context, key string) ([]byte, error)
	// Close releases the store.
	Close() error
}

// Drainer moves tasks between queues and a Store.
type Drainer struct {
	store  Store
	logger *zap.Logger
}

// NewDrainer builds a Drainer over store.
func NewDrainer(store Store, logger *zap.Logger) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{store: store, logger: logger}
}

// Drain empties q into the store under (crawler, role) and returns the
// number of tasks moved.
func (d *Drainer) Drain(ctx context.Context, q queue.PriorityQueue, crawler, role string) (int, error) {
	return d.drain(ctx, q, role, func(*task.Task) string { return crawler })
}

// DrainShared empties a queue holding tasks from many crawlers, storing each
// task under its own crawler name.
func (d *Drainer) DrainShared(ctx context.Context, q queue.PriorityQueue, role string) (int, error) {
	return d.drain(ctx, q, role, func(t *task.Task) string { return t.CrawlerName })
}

func (d *Drainer) drain(
	ctx context.Context,
	q queue.PriorityQueue,
	role string,
	keyOf func(*task.Task) string,
) (int, error) {
	moved := 0
	for {
		t, err := q.Peek(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			return moved, nil
		case errors.Is(err, queue.ErrCorrupt):
			// Pop discards the undecodable head so the loop can make progress.
			d.logger.Error("dropping corrupt task during drain", zap.String("queue", q.Name()), zap.Error(err))
			if _, perr := q.Pop(ctx); perr != nil && !errors.Is(perr, queue.ErrCorrupt) && !errors.Is(perr, queue.ErrEmpty) {
				return moved, fmt.Errorf("drain %s: %w", q.Name(), perr)
			}
			continue
		case err != nil:
			return moved, fmt.Errorf("drain %s: %w", q.Name(), err)
		}
		if err := d.store.Append(ctx, keyOf(t), role, t); err != nil {
			return moved, fmt.Errorf("drain %s: %w", q.Name(), err)
		}
		if err := q.Remove(ctx, t.CrawlerName, t.ID); err != nil {
			return moved, fmt.Errorf("drain %s: %w", q.Name(), err)
		}
		moved++
	}
}

// Reload pushes every task stored under (crawler, role) into q and then
// deletes those records. It returns the number of tasks restored. When q
// fills up, the tasks already pushed are deleted, the rest stay stored and
// the error wraps queue.ErrFull.
func (d *Drainer) Reload(ctx context.Context, q queue.PriorityQueue, crawler, role string) (int, error) {
	tasks, err := d.store.List(ctx, crawler, role)
	if err != nil {
		return 0, fmt.Errorf("reload %s/%s: %w", crawler, role, err)
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := queue.TryPush(ctx, q, t); err != nil {
			if len(ids) > 0 {
				if derr := d.store.Delete(ctx, crawler, role, ids...); derr != nil {
					d.logger.Warn("reload cleanup failed", zap.String("crawler", crawler), zap.Error(derr))
				}
			}
			return len(ids), fmt.Errorf("reload %s/%s: %w", crawler, role, err)
		}
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := d.store.Delete(ctx, crawler, role, ids...); err != nil {
		return len(ids), fmt.Errorf("reload %s/%s: %w", crawler, role, err)
	}
	return len(ids), nil
}
