package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/crawlsched/internal/fetcher/colly"
	"github.com/JakeFAU/crawlsched/internal/policy/simple"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/queue/memory"
	"github.com/JakeFAU/crawlsched/internal/task"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	resp  *task.Response
	err   error
}

func (f *fakeExecutor) Fetch(ctx context.Context, _ task.Request) (*task.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSleeper struct {
	mu     sync.Mutex
	waited []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waited = append(r.waited, d)
	return nil
}

type harness struct {
	broker  *memory.Broker
	stage   *Stage
	sleeper *recordingSleeper
}

func newHarness(t *testing.T, exec Executor, policy Policy) *harness {
	t.Helper()
	h := &harness{broker: memory.NewBroker(0), sleeper: &recordingSleeper{}}
	cfg := Config{
		Queues:       h.broker,
		Executor:     exec,
		Clock:        h.sleeper,
		Logger:       zap.NewNop(),
		Concurrency:  2,
		PollInterval: time.Millisecond,
	}
	if policy != nil {
		cfg.Policy = policy
	}
	stage, err := New(cfg)
	require.NoError(t, err)
	h.stage = stage
	return h
}

func (h *harness) size(t *testing.T, name string) int {
	t.Helper()
	n, err := h.broker.Open(name).Size(context.Background())
	require.NoError(t, err)
	return n
}

func failingTask(limit int) *task.Task {
	meta := task.DefaultMeta()
	meta.RetryLimit = limit
	meta.RetryWaitSeconds = 2
	return task.New("demo", task.Request{URL: "https://example.com/down"}, 0, meta, nil)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

// With a retry limit of two, the first two failures are re-dispatched and
// the third drops the task.
func TestFetchFailureExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{err: errors.New("connection refused")}
	h := newHarness(t, exec, nil)
	ctx := context.Background()
	inbound := h.broker.Open(queue.ScheduleToFetch)

	h.stage.process(ctx, failingTask(2))
	for attempt := 1; attempt <= 2; attempt++ {
		requeued, err := inbound.Pop(ctx)
		require.NoError(t, err, "attempt %d should be re-dispatched", attempt)
		assert.Equal(t, attempt, requeued.RetryCount)
		require.NotNil(t, requeued.Response)
		assert.Equal(t, task.StatusFetchFailed, requeued.Response.StatusCode)
		assert.Equal(t, "connection refused", requeued.Response.Error)
		h.stage.process(ctx, requeued)
	}

	assert.Equal(t, 0, h.size(t, queue.ScheduleToFetch), "exhausted task must not be re-queued")
	assert.Equal(t, 0, h.size(t, queue.FetchToParse))
	assert.Equal(t, 3, exec.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeper.waited)
}

func TestFetchFailureWithoutBudgetDropsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExecutor{err: errors.New("timeout")}, nil)
	h.stage.process(context.Background(), failingTask(0))

	assert.Equal(t, 0, h.size(t, queue.ScheduleToFetch))
	assert.Empty(t, h.sleeper.waited)
}

func TestFetchSuccessHandsOffToParse(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{resp: &task.Response{URL: "https://example.com/ok", StatusCode: 404, Body: []byte("gone")}}
	h := newHarness(t, exec, nil)
	ctx := context.Background()

	h.stage.process(ctx, task.New("demo", task.Request{URL: "https://example.com/ok"}, 0, task.DefaultMeta(), nil))

	got, err := h.broker.Open(queue.FetchToParse).Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.Response)
	assert.Equal(t, 404, got.Response.StatusCode, "HTTP error statuses are the parse stage's concern")
	assert.Equal(t, []byte("gone"), got.Response.Body)
}

func TestUnsupportedMethodIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExecutor{err: fmt.Errorf("fetch: %w", collyfetcher.ErrUnsupportedMethod)}, nil)
	meta := task.DefaultMeta()
	meta.RetryLimit = 5
	h.stage.process(context.Background(), task.New("demo", task.Request{Method: "TRACE", URL: "https://example.com"}, 0, meta, nil))

	assert.Equal(t, 0, h.size(t, queue.ScheduleToFetch))
	assert.Equal(t, 0, h.size(t, queue.FetchToParse))
}

func TestBlockedHostIsNotFetched(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{resp: &task.Response{StatusCode: 200}}
	h := newHarness(t, exec, simple.New("blocked.example"))
	h.stage.process(context.Background(), task.New("demo", task.Request{URL: "https://www.blocked.example/x"}, 0, task.DefaultMeta(), nil))

	assert.Zero(t, exec.Calls())
	assert.Equal(t, 0, h.size(t, queue.FetchToParse))
}

func TestCancelledFetchIsPutBackWithoutSpendingBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExecutor{resp: &task.Response{StatusCode: 200}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.stage.process(ctx, failingTask(1))

	back, err := h.broker.Open(queue.ScheduleToFetch).Pop(context.Background())
	require.NoError(t, err)
	assert.Zero(t, back.RetryCount)
	assert.Nil(t, back.Response)
}

func TestRunFetchesOverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.broker.Open(queue.ScheduleToFetch).Push(ctx,
		task.New("demo", task.Request{URL: srv.URL + "/page"}, 0, task.DefaultMeta(), nil)))

	done := make(chan struct{})
	go func() {
		_ = h.stage.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.size(t, queue.FetchToParse) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	got, err := h.broker.Open(queue.FetchToParse).Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.Response.StatusCode)
	assert.Contains(t, string(got.Response.Body), "ok")
}
