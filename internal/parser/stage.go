// Package parser runs the parse stage: it pops fetched tasks, hands their
// responses to the owning crawler's parse methods and forwards the results
// to the scheduler.
package parser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/dispatcher"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Sleeper waits between retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config wires a Stage.
type Config struct {
	Catalog *crawler.Catalog
	Queues  queue.Opener
	Clock   Sleeper
	Logger  *zap.Logger

	Concurrency  int
	PollInterval time.Duration
}

// Stage is the parse stage. It does not consult crawler state: the
// scheduler decides what to do with the results.
type Stage struct {
	cfg      Config
	logger   *zap.Logger
	inbound  queue.PriorityQueue
	outbound queue.PriorityQueue
	retryTo  queue.PriorityQueue
	dispatch *dispatcher.Dispatcher
}

// New validates cfg and builds a Stage.
func New(cfg Config) (*Stage, error) {
	if cfg.Catalog == nil || cfg.Queues == nil || cfg.Clock == nil {
		return nil, errors.New("parser: catalog, queues and clock are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Stage{
		cfg:      cfg,
		logger:   cfg.Logger,
		inbound:  cfg.Queues.Open(queue.FetchToParse),
		outbound: cfg.Queues.Open(queue.ParseToSchedule),
		retryTo:  cfg.Queues.Open(queue.ScheduleToFetch),
	}
	s.dispatch = dispatcher.New(s.inbound, s.process, dispatcher.Config{
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
	}, cfg.Logger)
	return s, nil
}

// Run parses until ctx is cancelled and in-flight callbacks have returned.
func (s *Stage) Run(ctx context.Context) error {
	s.logger.Info("parse stage started", zap.Strings("crawlers", s.cfg.Catalog.Names()))
	s.dispatch.Run(ctx)
	s.logger.Info("parse stage stopped")
	return nil
}

func (s *Stage) process(ctx context.Context, t *task.Task) {
	log := s.logger.With(zap.String("crawler", t.CrawlerName), zap.String("task_id", t.ID))

	if !t.Response.Succeeded() {
		metrics.ObserveFetchResult(t.CrawlerName, false)
		s.retry(ctx, t, log)
		return
	}
	metrics.ObserveFetchResult(t.CrawlerName, true)

	c, err := s.cfg.Catalog.Lookup(t.CrawlerName)
	if err != nil {
		log.Error("no crawler for fetched task", zap.Error(err))
		return
	}

	for i, cb := range t.Callbacks {
		if cb.ParseMethod == "" {
			// Nothing to parse; let the scheduler run this entry's steps.
			if len(cb.NextRequestMethods) > 0 {
				s.forward(ctx, withIndex(t, i), log)
			}
			continue
		}
		res := callParse(ctx, c, cb.ParseMethod, t.Response)
		metrics.ObserveParse(t.CrawlerName, res.Kind.String())
		switch res.Kind {
		case crawler.ParseEmit:
			out := withIndex(t, i)
			out.Scratch.Parse[task.ScratchItem] = res.Item
			s.forward(ctx, out, log)
		case crawler.ParseRetryCurrent:
			s.forward(ctx, t.Clone(), log)
		case crawler.ParseError:
			metrics.ObserveMethodError(t.CrawlerName, cb.ParseMethod)
			log.Error("parse method failed", zap.String("method", cb.ParseMethod), zap.Error(res.Err))
		case crawler.ParseNoOp:
		}
	}
}

// retry sends a task whose response was not a success back to the fetch
// stage while its retry budget lasts.
func (s *Stage) retry(ctx context.Context, t *task.Task, log *zap.Logger) {
	status := 0
	if t.Response != nil {
		status = t.Response.StatusCode
	}
	if !t.Retry() {
		log.Warn("unsuccessful response, retries exhausted",
			zap.Int("status", status), zap.Int("retry_limit", t.Meta.RetryLimit))
		return
	}
	log.Info("unsuccessful response, retrying",
		zap.Int("status", status), zap.Int("retry_count", t.RetryCount))
	_ = s.cfg.Clock.Sleep(ctx, time.Duration(t.Meta.RetryWaitSeconds)*time.Second)
	t.Response = nil
	if err := dispatcher.Handoff(ctx, s.retryTo, t); err != nil {
		log.Error("retry re-dispatch failed", zap.Error(err))
	}
}

func (s *Stage) forward(ctx context.Context, t *task.Task, log *zap.Logger) {
	if err := dispatcher.Handoff(ctx, s.outbound, t); err != nil {
		log.Error("hand-off to scheduler failed", zap.Error(err))
	}
}

// withIndex copies t for chain entry i. The copy gets its own id so results
// from sibling entries do not replace each other in the outbound queue.
func withIndex(t *task.Task, i int) *task.Task {
	out := t.Clone()
	out.ID = t.ID + "#" + strconv.Itoa(i)
	out.Scratch.Parse[task.ScratchCallbackIndex] = i
	return out
}

func callParse(ctx context.Context, c crawler.Crawler, method string, resp *task.Response) (res crawler.ParseResult) {
	defer func() {
		if r := recover(); r != nil {
			res = crawler.Error(fmt.Errorf("panic: %v", r))
		}
	}()
	cp := *resp
	return c.Parse(ctx, method, &cp)
}
