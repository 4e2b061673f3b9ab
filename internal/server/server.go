// Package server builds the backends named in config and runs the pipeline
// stages on them. One process may run any subset of the scheduler, fetch
// and parse stages; they only share state through the configured queue
// backend, so the memory backend requires all three in one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlsched/internal/api"
	"github.com/JakeFAU/crawlsched/internal/clock/system"
	"github.com/JakeFAU/crawlsched/internal/config"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/database"
	"github.com/JakeFAU/crawlsched/internal/dedup"
	"github.com/JakeFAU/crawlsched/internal/events"
	eventsmemory "github.com/JakeFAU/crawlsched/internal/events/memory"
	eventspubsub "github.com/JakeFAU/crawlsched/internal/events/pubsub"
	"github.com/JakeFAU/crawlsched/internal/fetcher"
	collyfetcher "github.com/JakeFAU/crawlsched/internal/fetcher/colly"
	"github.com/JakeFAU/crawlsched/internal/logging"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/parser"
	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/persist/pgstore"
	"github.com/JakeFAU/crawlsched/internal/persist/sqlitestore"
	"github.com/JakeFAU/crawlsched/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlsched/internal/policy/simple"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/queue/memory"
	"github.com/JakeFAU/crawlsched/internal/queue/redisq"
	"github.com/JakeFAU/crawlsched/internal/queue/sqliteq"
	"github.com/JakeFAU/crawlsched/internal/scheduler"
	"github.com/JakeFAU/crawlsched/internal/telemetry"
)

// Stage names accepted by Run.
const (
	StageScheduler = "scheduler"
	StageFetcher   = "fetcher"
	StageParser    = "parser"
)

const shutdownTimeout = 10 * time.Second

// App owns the backends shared by the stages of one process.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	catalog *crawler.Catalog
	clock   *system.Clock

	queues  queue.Opener
	redis   redis.UniversalClient
	closers []func(context.Context) error
}

// New opens the queue backend and, when enabled, tracing. catalog defaults
// to crawler.Default().
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, catalog *crawler.Catalog) (*App, error) {
	if catalog == nil {
		catalog = crawler.Default()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		catalog: catalog,
		clock:   system.New(),
	}
	metrics.Init()

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
	}

	if err := a.setupQueues(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Queues returns the opener every stage in this process shares.
func (a *App) Queues() queue.Opener {
	return a.queues
}

// Close releases every backend in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) setupQueues(ctx context.Context) error {
	qc := a.cfg.Queue
	var inner queue.Opener
	switch qc.Backend {
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		inner = redisq.Opener(client, qc.MaxSize)
	case config.BackendSQLite:
		db, err := database.Open(qc.SQLitePath, sqliteq.Schema)
		if err != nil {
			return fmt.Errorf("open queue database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		inner = sqliteq.Opener(db, qc.MaxSize)
	default:
		inner = memory.NewBroker(qc.MaxSize)
	}

	// Full queues are back-pressure for stage hand-offs on every backend.
	retry := queue.RetryConfig{BaseBackoff: qc.RetryBackoff, MaxBackoff: qc.RetryMaxBackoff}
	qlog := a.logger.Named("queue")
	a.queues = queue.OpenerFunc(func(name string) queue.PriorityQueue {
		return queue.WithRetry(inner.Open(name), retry, qlog)
	})
	a.logger.Info("queues ready", zap.String("backend", qc.Backend))
	return nil
}

func (a *App) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", a.cfg.Redis.Addr, err)
	}
	a.redis = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *App) store(ctx context.Context) (persist.Store, error) {
	pc := a.cfg.Persistence
	var st persist.Store
	switch pc.Backend {
	case config.BackendSQLite:
		s, err := sqlitestore.Open(pc.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = s
	case config.BackendPostgres:
		s, err := pgstore.New(ctx, pgstore.Config{DSN: pc.PostgresDSN})
		if err != nil {
			return nil, err
		}
		st = s
	default:
		a.logger.Warn("using in-memory persistence; paused work will not survive a restart")
		st = persist.NewMemoryStore()
	}
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	return st, nil
}

func (a *App) dedupOpener(ctx context.Context) (dedup.Opener, error) {
	if a.cfg.Dedup.Backend != config.BackendRedis {
		return dedup.NewMemoryOpener(), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return dedup.RedisOpener{Client: client}, nil
}

func (a *App) publisher(ctx context.Context) (events.Publisher, error) {
	ec := a.cfg.Events
	switch ec.Backend {
	case config.BackendPubSub:
		p, err := eventspubsub.New(ctx, ec.ProjectID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		a.logger.Info("publishing lifecycle events to Pub/Sub",
			zap.String("project", ec.ProjectID), zap.String("topic", ec.Topic))
		return p, nil
	case config.BackendMemory:
		return eventsmemory.New(), nil
	default:
		return events.Nop{}, nil
	}
}

// Scheduler builds the scheduler on this process's backends.
func (a *App) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	logger := logging.ForStage(a.logger, StageScheduler)
	st, err := a.store(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence store init failed: %w", err)
	}
	dd, err := a.dedupOpener(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedup init failed: %w", err)
	}
	pub, err := a.publisher(ctx)
	if err != nil {
		return nil, fmt.Errorf("event publisher init failed: %w", err)
	}
	return scheduler.New(scheduler.Config{
		Catalog: a.catalog,
		Queues:  a.queues,
		Dedup:   dd,
		DedupOptions: dedup.Options{
			BitSize: a.cfg.Dedup.BitSize,
			Seeds:   a.cfg.Dedup.Seeds,
			Blocks:  a.cfg.Dedup.BlockCount,
		},
		Store:             st,
		Events:            events.NewEmitter(pub, a.cfg.Events.Topic, logger),
		Clock:             a.clock,
		Logger:            logger,
		SelectorInterval:  a.cfg.Selector.Interval,
		PollInterval:      a.cfg.Scheduler.PollInterval,
		BatchSize:         a.cfg.Scheduler.BatchSize,
		PersistBeforeExit: a.cfg.Persistence.PersistBeforeExit,
	})
}

// FetchStage builds the fetch stage.
func (a *App) FetchStage() (*fetcher.Stage, error) {
	fc := a.cfg.Fetcher
	return fetcher.New(fetcher.Config{
		Queues: a.queues,
		Executor: collyfetcher.New(collyfetcher.Config{
			UserAgent:     fc.UserAgent,
			RespectRobots: fc.RespectRobots,
			Timeout:       fc.Timeout,
		}),
		Limiter:      ratelimit.New(ratelimit.Config{DefaultRPS: fc.PerHostRPS, DefaultBurst: fc.PerHostBurst}),
		Policy:       simple.New(fc.BlockedHosts...),
		Clock:        a.clock,
		Logger:       logging.ForStage(a.logger, StageFetcher),
		Concurrency:  fc.Concurrency,
		PollInterval: fc.PollInterval,
	})
}

// ParseStage builds the parse stage.
func (a *App) ParseStage() (*parser.Stage, error) {
	return parser.New(parser.Config{
		Catalog:      a.catalog,
		Queues:       a.queues,
		Clock:        a.clock,
		Logger:       logging.ForStage(a.logger, StageParser),
		Concurrency:  a.cfg.Parser.Concurrency,
		PollInterval: a.cfg.Parser.PollInterval,
	})
}

// Run builds the requested stages and runs them until ctx is cancelled. The
// scheduler also serves the control plane on server.port; processes without
// it serve /metrics on server.metrics_port when set.
func (a *App) Run(ctx context.Context, stages ...string) error {
	if len(stages) == 0 {
		return errors.New("no stages requested")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	var handler http.Handler
	port := a.cfg.Server.MetricsPort
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	for _, stage := range stages {
		switch stage {
		case StageScheduler:
			sched, err := a.Scheduler(ctx)
			if err != nil {
				return abort(err)
			}
			g.Go(func() error { return sched.Run(gctx) })
			handler = api.NewServer(sched, api.Config{
				APIKey:  a.cfg.Server.APIKey,
				Timeout: a.cfg.Server.Timeout,
				Ready: func(context.Context) error {
					if sched.Finished() {
						return scheduler.ErrNotRunning
					}
					return nil
				},
			}, logging.ForStage(a.logger, "api")).Handler()
			port = a.cfg.Server.Port
		case StageFetcher:
			fs, err := a.FetchStage()
			if err != nil {
				return abort(err)
			}
			g.Go(func() error { return fs.Run(gctx) })
		case StageParser:
			ps, err := a.ParseStage()
			if err != nil {
				return abort(err)
			}
			g.Go(func() error { return ps.Run(gctx) })
		default:
			return abort(fmt.Errorf("unknown stage %q", stage))
		}
	}

	if handler == nil && port > 0 {
		handler = metrics.Handler()
	}
	if handler != nil && port > 0 {
		g.Go(func() error { return a.serveHTTP(gctx, port, handler) })
	}

	a.logger.Info("stages started", zap.Strings("stages", stages))
	err := g.Wait()
	a.logger.Info("stages stopped")
	return err
}

func (a *App) serveHTTP(ctx context.Context, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
