// Package scheduler runs the orchestration loop: it seeds crawlers, turns
// parsed tasks into follow-up requests, paces request queues through the
// selector and applies operator commands.
//
// Every piece of mutable state (registry, speed table, dedup handles) is
// owned by the goroutine executing Run. Operator commands reach it through
// Do, which sends a message into the loop and waits for the reply.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/control"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/dedup"
	"github.com/JakeFAU/crawlsched/internal/events"
	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/registry"
	"github.com/JakeFAU/crawlsched/internal/selector"
)

// Defaults for zero-valued Config fields.
const (
	DefaultSelectorInterval = time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultBatchSize        = 100
)

// ErrNotRunning is returned by Do when the loop has exited.
var ErrNotRunning = errors.New("scheduler is not running")

// Config wires a Scheduler.
type Config struct {
	Catalog *crawler.Catalog
	// Queues opens request queues and the inter-stage queues by name.
	Queues queue.Opener
	Dedup  dedup.Opener
	// DedupOptions apply to crawlers that do not implement crawler.Deduper.
	DedupOptions dedup.Options
	Store        persist.Store
	Events       *events.Emitter
	Clock        selector.Clock
	Logger       *zap.Logger

	SelectorInterval time.Duration
	PollInterval     time.Duration
	BatchSize        int
	// PersistBeforeExit also drains the parse-to-schedule queue on shutdown.
	PersistBeforeExit bool
}

func (c Config) withDefaults() Config {
	if c.SelectorInterval <= 0 {
		c.SelectorInterval = DefaultSelectorInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Events == nil {
		c.Events = events.NewEmitter(nil, "", c.Logger)
	}
	return c
}

// Scheduler is the orchestrator. Create one with New and drive it with Run.
type Scheduler struct {
	cfg      Config
	logger   *zap.Logger
	reg      *registry.Registry
	sel      *selector.Selector
	drainer  *persist.Drainer
	inbound  queue.PriorityQueue
	outbound queue.PriorityQueue
	filters  map[string]dedup.Filter
	// spilled holds crawlers whose full request queue overflowed into the store.
	spilled  map[string]struct{}

	commands chan command
	done     chan struct{}
	running  atomic.Bool
	finished atomic.Bool
}

type command struct {
	req   control.Request
	reply chan control.Response
}

// New validates cfg and builds a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Catalog == nil || cfg.Queues == nil || cfg.Dedup == nil || cfg.Store == nil || cfg.Clock == nil {
		return nil, errors.New("scheduler: catalog, queues, dedup, store and clock are required")
	}
	cfg = cfg.withDefaults()

	outbound := cfg.Queues.Open(queue.ScheduleToFetch)
	sel, err := selector.New(selector.Config{
		Clock:    cfg.Clock,
		Requests: cfg.Queues,
		Outbound: outbound,
		Store:    cfg.Store,
		Logger:   cfg.Logger.Named("selector"),
	})
	if err != nil {
		return nil, fmt.Errorf("build selector: %w", err)
	}

	return &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger,
		reg:      registry.New(),
		sel:      sel,
		drainer:  persist.NewDrainer(cfg.Store, cfg.Logger.Named("persist")),
		inbound:  cfg.Queues.Open(queue.ParseToSchedule),
		outbound: outbound,
		filters:  make(map[string]dedup.Filter),
		spilled:  make(map[string]struct{}),
		commands: make(chan command),
		done:     make(chan struct{}),
	}, nil
}

// Run restores saved state, then loops until ctx is cancelled. On the way
// out it drains owned queues to the store and saves the registry; Done is
// closed once that has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.done)

	if err := s.restore(ctx); err != nil {
		return fmt.Errorf("restore scheduler state: %w", err)
	}
	s.discover()

	selectorTick := time.NewTicker(s.cfg.SelectorInterval)
	defer selectorTick.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	s.logger.Info("scheduler started", zap.Strings("crawlers", s.cfg.Catalog.Names()))
	for {
		select {
		case <-ctx.Done():
			err := s.shutdown(context.WithoutCancel(ctx))
			s.finished.Store(true)
			return err
		case cmd := <-s.commands:
			cmd.reply <- s.handle(ctx, cmd.req)
		case <-selectorTick.C:
			if _, err := s.sel.Tick(ctx, s.reg); err != nil && ctx.Err() == nil {
				s.logger.Warn("selector tick failed", zap.Error(err))
			}
			s.refill(ctx)
		case <-poll.C:
			s.seed(ctx)
			if _, err := s.ingest(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("ingest failed", zap.Error(err))
			}
		}
	}
}

// Do sends req into the loop and waits for its reply.
func (s *Scheduler) Do(ctx context.Context, req control.Request) control.Response {
	cmd := command{req: req, reply: make(chan control.Response, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return control.Fail(control.UnknownError, "%v", ErrNotRunning)
	case <-ctx.Done():
		return control.Fail(control.UnknownError, "%v", ctx.Err())
	}
	select {
	case resp := <-cmd.reply:
		return resp
	case <-ctx.Done():
		return control.Fail(control.UnknownError, "%v", ctx.Err())
	}
}

// Done is closed after Run has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Finished reports whether the shutdown drain has completed.
func (s *Scheduler) Finished() bool {
	return s.finished.Load()
}
