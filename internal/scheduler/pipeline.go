package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/dedup"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/registry"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// seed runs the entry point of every crawler waiting in ReadyStart (or
// flagged for reseeding) and marks it Started.
func (s *Scheduler) seed(ctx context.Context) {
	for _, name := range s.reg.PendingSeeds() {
		c, err := s.cfg.Catalog.Lookup(name)
		if err != nil {
			s.logger.Error("cannot seed crawler", zap.String("crawler", name), zap.Error(err))
			continue
		}
		reqs, err := callEntry(ctx, c)
		if err != nil {
			metrics.ObserveMethodError(name, "entry")
			s.logger.Error("crawler entry point failed", zap.String("crawler", name), zap.Error(err))
		}
		for _, r := range reqs {
			s.enqueue(ctx, name, buildTask(name, r))
		}
		tr := s.reg.Seeded(name)
		s.cfg.Events.Transition(ctx, "seed", tr)
		s.logger.Info("crawler seeded", zap.String("crawler", name), zap.Int("requests", len(reqs)))
	}
}

// ingest pops up to BatchSize completed tasks from the parse-to-schedule
// queue and routes each by its crawler's state.
func (s *Scheduler) ingest(ctx context.Context) (int, error) {
	handled := 0
	for handled < s.cfg.BatchSize {
		t, err := s.inbound.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return handled, nil
		}
		if errors.Is(err, queue.ErrCorrupt) {
			s.logger.Error("dropping corrupt task", zap.String("queue", s.inbound.Name()), zap.Error(err))
			continue
		}
		if err != nil {
			return handled, fmt.Errorf("pop %s: %w", s.inbound.Name(), err)
		}
		handled++
		s.route(ctx, t)
	}
	return handled, nil
}

func (s *Scheduler) route(ctx context.Context, t *task.Task) {
	name := t.CrawlerName
	state, err := s.reg.State(name)
	if err != nil {
		s.logger.Warn("task for unknown crawler dropped", zap.String("crawler", name), zap.String("task_id", t.ID))
		return
	}
	switch state {
	case registry.Started, registry.ReadyStart:
		s.step(ctx, t)
	case registry.Paused:
		if err := s.cfg.Store.Append(ctx, name, queue.RoleParseSchedule, t); err != nil {
			s.logger.Error("persist completed task failed",
				zap.String("crawler", name), zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		metrics.ObservePersisted(name, "drain", 1)
	default:
		s.logger.Debug("completed task dropped",
			zap.String("crawler", name), zap.String("task_id", t.ID), zap.String("state", string(state)))
	}
}

// step runs the next-request methods of t's callback chain. When the parse
// stage recorded which chain entry produced t, only that entry runs.
func (s *Scheduler) step(ctx context.Context, t *task.Task) {
	c, err := s.cfg.Catalog.Lookup(t.CrawlerName)
	if err != nil {
		s.logger.Error("no crawler for completed task", zap.String("crawler", t.CrawlerName), zap.Error(err))
		return
	}
	entries := t.Callbacks
	if idx := t.CallbackIndex(); idx >= 0 && idx < len(t.Callbacks) {
		entries = t.Callbacks[idx : idx+1]
	}
	for _, cb := range entries {
		for _, method := range cb.NextRequestMethods {
			reqs, err := callStep(ctx, c, method, t)
			if err != nil {
				metrics.ObserveMethodError(t.CrawlerName, method)
				s.logger.Error("crawler step failed",
					zap.String("crawler", t.CrawlerName),
					zap.String("method", method),
					zap.String("task_id", t.ID),
					zap.Error(err))
				continue
			}
			for _, r := range reqs {
				s.enqueue(ctx, t.CrawlerName, buildTask(t.CrawlerName, r))
			}
		}
	}
}

// enqueue applies the dedup filter and pushes t onto its crawler's request
// queue. Tasks for a paused crawler go straight to the store, as do tasks
// that find the request queue full; refill brings those back.
func (s *Scheduler) enqueue(ctx context.Context, name string, t *task.Task) bool {
	state, err := s.reg.State(name)
	if err != nil {
		return false
	}
	switch state {
	case registry.Paused:
		if err := s.cfg.Store.Append(ctx, name, queue.RoleRequests, t); err != nil {
			s.logger.Error("persist request failed", zap.String("crawler", name), zap.String("task_id", t.ID), zap.Error(err))
			return false
		}
		metrics.ObserveScheduled(name, "persisted")
		return false
	case registry.Stopped, registry.Todo:
		metrics.ObserveScheduled(name, "dropped")
		return false
	}

	if t.Meta.DedupeEnabled {
		f := s.filter(name)
		seen, err := f.Contains(ctx, t.ID)
		if err != nil {
			s.logger.Warn("dedup lookup failed, enqueueing anyway", zap.String("crawler", name), zap.Error(err))
		}
		if seen {
			metrics.ObserveScheduled(name, "deduped")
			return false
		}
		if err := f.Add(ctx, t.ID); err != nil {
			s.logger.Warn("dedup add failed", zap.String("crawler", name), zap.Error(err))
		}
	}

	q := s.cfg.Queues.Open(queue.RequestQueueName(name))
	err = queue.TryPush(ctx, q, t)
	if errors.Is(err, queue.ErrFull) {
		if err := s.cfg.Store.Append(ctx, name, queue.RoleRequests, t); err != nil {
			s.logger.Error("spill request failed", zap.String("crawler", name), zap.String("task_id", t.ID), zap.Error(err))
			return false
		}
		s.spilled[name] = struct{}{}
		metrics.ObserveScheduled(name, "spilled")
		return false
	}
	if err != nil {
		s.logger.Error("push request failed",
			zap.String("queue", q.Name()), zap.String("task_id", t.ID), zap.Error(err))
		return false
	}
	metrics.ObserveScheduled(name, "queued")
	return true
}

func (s *Scheduler) filter(name string) dedup.Filter {
	if f, ok := s.filters[name]; ok {
		return f
	}
	opts := s.cfg.DedupOptions
	if c, err := s.cfg.Catalog.Lookup(name); err == nil {
		if d, ok := c.(crawler.Deduper); ok {
			if seeds := d.DedupeSeeds(); len(seeds) > 0 {
				opts.Seeds = seeds
			}
			if blocks := d.DedupeBlocks(); blocks > 0 {
				opts.Blocks = blocks
			}
		}
	}
	f := s.cfg.Dedup.Open(name, opts)
	s.filters[name] = f
	return f
}

func buildTask(name string, r crawler.Request) *task.Task {
	meta := task.DefaultMeta()
	if r.Meta != nil {
		meta = *r.Meta
	}
	t := task.New(name, r.HTTP, r.Priority, meta, r.Callbacks)
	for k, v := range r.Scratch {
		t.Scratch.Schedule[k] = v
	}
	return t
}

func callEntry(ctx context.Context, c crawler.Crawler) (reqs []crawler.Request, err error) {
	defer recoverInto(&err)
	return c.Entry(ctx)
}

func callStep(ctx context.Context, c crawler.Crawler, method string, t *task.Task) (reqs []crawler.Request, err error) {
	defer recoverInto(&err)
	return c.Step(ctx, method, t.Clone())
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v", r)
	}
}

// refill moves spilled requests back into request queues that have room.
// Crawlers that are no longer running keep their stored requests until
// they are resumed.
func (s *Scheduler) refill(ctx context.Context) {
	for name := range s.spilled {
		state, err := s.reg.State(name)
		if err != nil || (state != registry.Started && state != registry.ReadyStart) {
			delete(s.spilled, name)
			continue
		}
		q := s.cfg.Queues.Open(queue.RequestQueueName(name))
		n, err := s.drainer.Reload(ctx, q, name, queue.RoleRequests)
		metrics.ObservePersisted(name, "reload", n)
		switch {
		case errors.Is(err, queue.ErrFull):
		case err != nil:
			s.logger.Warn("refill failed", zap.String("crawler", name), zap.Error(err))
		default:
			delete(s.spilled, name)
		}
	}
}
