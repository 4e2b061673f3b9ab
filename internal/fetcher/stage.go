// Package fetcher runs the fetch stage: it pops tasks from the
// schedule-to-fetch queue, executes their HTTP requests and hands the
// results to the parse stage.
//
// Failed requests follow the task's retry budget: each failure consumes one
// attempt, waits retry_wait_seconds and goes back to schedule-to-fetch. Once
// the budget is spent the task is dropped and counted as a failure.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawlsched/internal/fetcher/colly"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Executor performs one HTTP request.
type Executor interface {
	Fetch(ctx context.Context, req task.Request) (*task.Response, error)
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Policy decides whether a URL may be fetched at all.
type Policy interface {
	AllowFetch(rawURL string) bool
}

// Sleeper waits between retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config wires a Stage. Limiter and Policy are optional.
type Config struct {
	Queues   queue.Opener
	Executor Executor
	Limiter  Limiter
	Policy   Policy
	Clock    Sleeper
	Logger   *zap.Logger

	Concurrency  int
	PollInterval time.Duration
}

// Stage is the fetch stage.
type Stage struct {
	cfg      Config
	logger   *zap.Logger
	inbound  queue.PriorityQueue
	outbound queue.PriorityQueue
	dispatch *dispatcher.Dispatcher
}

// New validates cfg and builds a Stage.
func New(cfg Config) (*Stage, error) {
	if cfg.Queues == nil || cfg.Executor == nil || cfg.Clock == nil {
		return nil, errors.New("fetcher: queues, executor and clock are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Stage{
		cfg:      cfg,
		logger:   cfg.Logger,
		inbound:  cfg.Queues.Open(queue.ScheduleToFetch),
		outbound: cfg.Queues.Open(queue.FetchToParse),
	}
	s.dispatch = dispatcher.New(s.inbound, s.process, dispatcher.Config{
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
	}, cfg.Logger)
	return s, nil
}

// Run fetches until ctx is cancelled and in-flight requests have settled.
func (s *Stage) Run(ctx context.Context) error {
	s.logger.Info("fetch stage started",
		zap.String("inbound", s.inbound.Name()),
		zap.String("outbound", s.outbound.Name()))
	s.dispatch.Run(ctx)
	s.logger.Info("fetch stage stopped")
	return nil
}

func (s *Stage) process(ctx context.Context, t *task.Task) {
	log := s.logger.With(
		zap.String("crawler", t.CrawlerName),
		zap.String("task_id", t.ID),
		zap.String("url", t.Request.URL))

	if s.cfg.Policy != nil && !s.cfg.Policy.AllowFetch(t.Request.URL) {
		log.Info("blocked by host policy")
		metrics.ObserveFetchResult(t.CrawlerName, false)
		return
	}
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx, t.Request.URL); err != nil {
			s.putBack(ctx, t, log)
			return
		}
	}

	metrics.IncActiveFetches()
	start := time.Now()
	resp, err := s.cfg.Executor.Fetch(ctx, t.Request)
	elapsed := time.Since(start)
	metrics.DecActiveFetches()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		s.putBack(ctx, t, log)
		return
	case errors.Is(err, collyfetcher.ErrUnsupportedMethod):
		log.Warn("dropping task with unsupported method", zap.String("method", t.Request.Method))
		return
	default:
		t.Response = &task.Response{
			URL:        t.Request.URL,
			StatusCode: task.StatusFetchFailed,
			Error:      err.Error(),
			ElapsedMS:  elapsed.Milliseconds(),
		}
		s.retry(ctx, t, log.With(zap.Error(err)))
		return
	}

	resp.ElapsedMS = elapsed.Milliseconds()
	t.Response = resp
	metrics.ObserveFetch(t.Request.URL, len(resp.Body), elapsed)
	if err := dispatcher.Handoff(ctx, s.outbound, t); err != nil {
		log.Error("hand-off to parse stage failed", zap.Error(err))
		return
	}
	log.Debug("fetched", zap.Int("status", resp.StatusCode), zap.Duration("elapsed", elapsed))
}

// retry re-dispatches t after its retry wait, or drops it once its budget is
// spent.
func (s *Stage) retry(ctx context.Context, t *task.Task, log *zap.Logger) {
	if !t.Retry() {
		metrics.ObserveFetchResult(t.CrawlerName, false)
		log.Warn("fetch failed, retries exhausted",
			zap.Int("retry_count", t.RetryCount), zap.Int("retry_limit", t.Meta.RetryLimit))
		return
	}
	log.Info("fetch failed, retrying",
		zap.Int("retry_count", t.RetryCount), zap.Int("retry_limit", t.Meta.RetryLimit))
	wait := time.Duration(t.Meta.RetryWaitSeconds) * time.Second
	// Cancellation cuts the wait short; the task still goes back.
	_ = s.cfg.Clock.Sleep(ctx, wait)
	if err := dispatcher.Handoff(ctx, s.inbound, t); err != nil {
		log.Error("retry re-dispatch failed", zap.Error(err))
	}
}

// putBack returns an untouched task to schedule-to-fetch after a cancelled
// attempt. It does not consume retry budget.
func (s *Stage) putBack(ctx context.Context, t *task.Task, log *zap.Logger) {
	t.Response = nil
	if err := dispatcher.Handoff(ctx, s.inbound, t); err != nil {
		log.Error("put back after cancellation failed", zap.Error(fmt.Errorf("push %s: %w", s.inbound.Name(), err)))
	}
}
