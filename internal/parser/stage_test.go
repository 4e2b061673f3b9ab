package parser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/queue/memory"
	"github.com/JakeFAU/crawlsched/internal/task"
)

type noSleep struct {
	mu    sync.Mutex
	calls int
}

func (n *noSleep) Sleep(context.Context, time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func testCrawler() *crawler.Funcs {
	return &crawler.Funcs{
		CrawlerName: "demo",
		Parsers: map[string]crawler.ParseFunc{
			"title": func(_ context.Context, resp *task.Response) crawler.ParseResult {
				return crawler.Emit(map[string]any{"title": string(resp.Body)})
			},
			"again": func(context.Context, *task.Response) crawler.ParseResult {
				return crawler.RetryCurrent()
			},
			"nothing": func(context.Context, *task.Response) crawler.ParseResult {
				return crawler.NoOp()
			},
			"broken": func(context.Context, *task.Response) crawler.ParseResult {
				return crawler.Error(errors.New("bad markup"))
			},
			"panics": func(context.Context, *task.Response) crawler.ParseResult {
				panic("boom")
			},
		},
	}
}

func newStage(t *testing.T) (*Stage, *memory.Broker, *noSleep) {
	t.Helper()
	broker := memory.NewBroker(0)
	sleeper := &noSleep{}
	s, err := New(Config{
		Catalog:      crawler.NewCatalog(testCrawler()),
		Queues:       broker,
		Clock:        sleeper,
		Logger:       zap.NewNop(),
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return s, broker, sleeper
}

func fetched(status int, chain ...task.Callback) *task.Task {
	tk := task.New("demo", task.Request{URL: "https://example.com"}, 3, task.DefaultMeta(), chain)
	tk.Response = &task.Response{URL: "https://example.com", StatusCode: status, Body: []byte("Hello")}
	return tk
}

func drain(t *testing.T, q queue.PriorityQueue) []*task.Task {
	t.Helper()
	var out []*task.Task
	for {
		tk, err := q.Pop(context.Background())
		if errors.Is(err, queue.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		out = append(out, tk)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestEmitStoresItemAndCallbackIndex(t *testing.T) {
	t.Parallel()

	s, broker, _ := newStage(t)
	s.process(context.Background(), fetched(200,
		crawler.Then("nothing", "ignored"),
		crawler.Then("title", "follow"),
	))

	out := drain(t, broker.Open(queue.ParseToSchedule))
	require.Len(t, out, 1)
	item, ok := out[0].Item()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"title": "Hello"}, item)
	assert.Equal(t, 1, out[0].CallbackIndex())
}

func TestSiblingEmitsAreKeptApart(t *testing.T) {
	t.Parallel()

	s, broker, _ := newStage(t)
	s.process(context.Background(), fetched(200, crawler.Then("title", "a"), crawler.Then("title", "b")))

	out := drain(t, broker.Open(queue.ParseToSchedule))
	require.Len(t, out, 2)
	indexes := []int{out[0].CallbackIndex(), out[1].CallbackIndex()}
	assert.ElementsMatch(t, []int{0, 1}, indexes)
}

func TestRetryCurrentForwardsUnchangedTask(t *testing.T) {
	t.Parallel()

	s, broker, _ := newStage(t)
	in := fetched(200, crawler.Then("again", "next"))
	s.process(context.Background(), in)

	out := drain(t, broker.Open(queue.ParseToSchedule))
	require.Len(t, out, 1)
	assert.Equal(t, in.ID, out[0].ID)
	_, hasItem := out[0].Item()
	assert.False(t, hasItem)
	assert.Equal(t, -1, out[0].CallbackIndex())
}

func TestFailingParseMethodsProduceNothing(t *testing.T) {
	t.Parallel()

	s, broker, _ := newStage(t)
	s.process(context.Background(), fetched(200,
		crawler.Then("broken"),
		crawler.Then("panics"),
		crawler.Then("missing"),
	))

	assert.Empty(t, drain(t, broker.Open(queue.ParseToSchedule)))
}

func TestEntryWithoutParseMethodForwardsForSteps(t *testing.T) {
	t.Parallel()

	s, broker, _ := newStage(t)
	s.process(context.Background(), fetched(200, task.Callback{NextRequestMethods: task.MethodNames{"follow"}}))

	out := drain(t, broker.Open(queue.ParseToSchedule))
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].CallbackIndex())
}

func TestUnsuccessfulStatusIsRetried(t *testing.T) {
	t.Parallel()

	s, broker, sleeper := newStage(t)
	tk := fetched(503, crawler.Then("title"))
	tk.Meta.RetryLimit = 1

	s.process(context.Background(), tk)
	retried := drain(t, broker.Open(queue.ScheduleToFetch))
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].RetryCount)
	assert.Nil(t, retried[0].Response)
	assert.Equal(t, 1, sleeper.calls)

	retried[0].Response = &task.Response{StatusCode: 503}
	s.process(context.Background(), retried[0])
	assert.Empty(t, drain(t, broker.Open(queue.ScheduleToFetch)), "budget exhausted")
	assert.Empty(t, drain(t, broker.Open(queue.ParseToSchedule)))
}

func TestRunParsesQueuedTasks(t *testing.T) {
	t.Parallel()

	s, broker, _ := newStage(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, broker.Open(queue.FetchToParse).Push(ctx, fetched(200, crawler.Then("title"))))

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	out := broker.Open(queue.ParseToSchedule)
	require.Eventually(t, func() bool {
		n, err := out.Size(context.Background())
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
