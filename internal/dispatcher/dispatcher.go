// Package dispatcher fans tasks popped from one queue out to concurrent
// handlers. The fetch and parse stages are both built on it.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Defaults for zero-valued Config fields.
const (
	DefaultConcurrency  = 8
	DefaultPollInterval = 100 * time.Millisecond
)

// Handler processes one task. It owns the task once called and must hand it
// on or drop it.
type Handler func(ctx context.Context, t *task.Task)

// Config controls fan-out.
type Config struct {
	// Concurrency caps the number of handlers in flight.
	Concurrency int
	// PollInterval is the wait after finding the source queue empty.
	PollInterval time.Duration
}

// Dispatcher pops from a source queue and runs a Handler per task.
type Dispatcher struct {
	source queue.PriorityQueue
	handle Handler
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(source queue.PriorityQueue, handle Handler, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source: source,
		handle: handle,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
	}
}

// Run pops and dispatches until ctx is done, then waits for in-flight
// handlers to return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		t, err := d.source.Pop(ctx)
		if err != nil {
			d.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			switch {
			case errors.Is(err, queue.ErrEmpty):
			case errors.Is(err, queue.ErrCorrupt):
				d.logger.Error("dropping corrupt task", zap.String("queue", d.source.Name()), zap.Error(err))
				continue
			default:
				d.logger.Warn("pop failed", zap.String("queue", d.source.Name()), zap.Error(err))
			}
			if !d.wait(ctx) {
				return
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.sem.Release(1)
			d.handle(ctx, t)
		}()
	}
}

// ReportSize publishes the source queue depth as a gauge.
func (d *Dispatcher) ReportSize(ctx context.Context) {
	n, err := d.source.Size(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueSize(d.source.Name(), n)
}

func (d *Dispatcher) wait(ctx context.Context) bool {
	d.ReportSize(ctx)
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Handoff pushes t onto q even if ctx has been cancelled, bounded by
// HandoffTimeout. Stages use it so a task they have finished with is never
// lost to a shutdown in progress.
func Handoff(ctx context.Context, q queue.PriorityQueue, t *task.Task) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HandoffTimeout)
	defer cancel()
	return q.Push(ctx, t)
}

// HandoffTimeout bounds Handoff.
var HandoffTimeout = 30 * time.Second
