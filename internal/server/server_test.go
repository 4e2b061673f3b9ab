package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/config"
	"github.com/JakeFAU/crawlsched/internal/control"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/crawlers/demo"
	"github.com/JakeFAU/crawlsched/internal/task"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Selector.Interval = 20 * time.Millisecond
	cfg.Scheduler.PollInterval = 5 * time.Millisecond
	cfg.Fetcher.PollInterval = 5 * time.Millisecond
	cfg.Fetcher.PerHostRPS = 0
	cfg.Fetcher.RespectRobots = false
	cfg.Fetcher.Timeout = time.Second
	cfg.Parser.PollInterval = 5 * time.Millisecond
	return cfg
}

// site serves a root page linking to two children.
func site(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><title>root</title><a href="/a">a</a><a href="/b">b</a></html>`)
		default:
			fmt.Fprintf(w, `<html><title>%s</title><a href="/">home</a></html>`, r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// recorder wraps the demo crawler and records every item its step method sees.
type recorder struct {
	*demo.Crawler
	mu     sync.Mutex
	titles map[string]bool
}

func (r *recorder) Step(ctx context.Context, method string, t *task.Task) ([]crawler.Request, error) {
	if item, ok := t.Item(); ok {
		r.mu.Lock()
		switch p := item.(type) {
		case demo.Page:
			r.titles[p.Title] = true
		case map[string]any:
			r.titles[fmt.Sprint(p["title"])] = true
		}
		r.mu.Unlock()
	}
	return r.Crawler.Step(ctx, method, t)
}

func (r *recorder) seen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func runPipeline(t *testing.T, cfg config.Config) *recorder {
	t.Helper()
	srv := site(t)
	rec := &recorder{
		Crawler: demo.New(demo.Options{Name: "site", Seeds: []string{srv.URL + "/"}, MaxDepth: 1, Rate: 50}),
		titles:  map[string]bool{},
	}
	catalog := crawler.NewCatalog(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := New(ctx, cfg, zap.NewNop(), catalog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	sched, err := app.Scheduler(ctx)
	require.NoError(t, err)
	fetch, err := app.FetchStage()
	require.NoError(t, err)
	parse, err := app.ParseStage()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{sched.Run, fetch.Run, parse.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}

	var resp control.Response
	require.Eventually(t, func() bool {
		resp = sched.Do(ctx, control.Request{Command: control.Start, Name: "site"})
		return resp.StatusCode == control.OK
	}, time.Second, 10*time.Millisecond, "start: %v", resp.Payload)

	// root, /a and /b; the links back to / are deduplicated.
	require.Eventually(t, func() bool { return rec.seen() == 3 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()
	assert.True(t, sched.Finished())
	return rec
}

func TestPipelineInMemory(t *testing.T) {
	t.Parallel()

	rec := runPipeline(t, testConfig(t))
	assert.True(t, rec.titles["root"])
	assert.True(t, rec.titles["/a"])
	assert.True(t, rec.titles["/b"])
}

func TestPipelineOnSharedBackends(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Queue.Backend = config.BackendRedis
	cfg.Queue.RetryBackoff = 5 * time.Millisecond
	cfg.Dedup.Backend = config.BackendRedis
	cfg.Dedup.BitSize = 1 << 16
	cfg.Persistence.Backend = config.BackendSQLite
	cfg.Persistence.SQLitePath = filepath.Join(dir, "state.db")

	rec := runPipeline(t, cfg)
	assert.Equal(t, 3, rec.seen())
}

func TestPipelineOnSQLiteQueues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Queue.Backend = config.BackendSQLite
	cfg.Queue.SQLitePath = filepath.Join(dir, "queues.db")
	cfg.Queue.RetryBackoff = 5 * time.Millisecond

	rec := runPipeline(t, cfg)
	assert.Equal(t, 3, rec.seen())
}

func TestRunRejectsUnknownStage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, zap.NewNop(), crawler.NewCatalog())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Error(t, app.Run(context.Background()))
	require.Error(t, app.Run(context.Background(), "indexer"))
}

func TestNewFailsWhenRedisIsUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Queue.Backend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := New(context.Background(), cfg, zap.NewNop(), crawler.NewCatalog())
	require.Error(t, err)
}
