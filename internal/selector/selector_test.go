package selector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/queue/memory"
	"github.com/JakeFAU/crawlsched/internal/registry"
	"github.com/JakeFAU/crawlsched/internal/task"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	clock    *fakeClock
	broker   *memory.Broker
	outbound queue.PriorityQueue
	store    *persist.MemoryStore
	reg      *registry.Registry
	sel      *Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		broker: memory.NewBroker(0),
		store:  persist.NewMemoryStore(),
		reg:    registry.New(),
	}
	f.outbound = f.broker.Open(queue.ScheduleToFetch)
	sel, err := New(Config{Clock: f.clock, Requests: f.broker, Outbound: f.outbound, Store: f.store})
	require.NoError(t, err)
	f.sel = sel
	return f
}

func (f *fixture) enqueue(t *testing.T, crawler string, n int) {
	t.Helper()
	q := f.broker.Open(queue.RequestQueueName(crawler))
	for i := range n {
		url := fmt.Sprintf("https://example.com/%s/%d/%d", crawler, i, f.clock.now.UnixNano())
		require.NoError(t, q.Push(context.Background(), task.New(crawler, task.Request{URL: url}, 0, task.DefaultMeta(), nil)))
	}
}

func (f *fixture) started(t *testing.T, name string) {
	t.Helper()
	f.reg.Add(name)
	_, err := f.reg.Run(name)
	require.NoError(t, err)
}

func size(t *testing.T, q queue.PriorityQueue) int {
	t.Helper()
	n, err := q.Size(context.Background())
	require.NoError(t, err)
	return n
}

func TestPeriodAndBurst(t *testing.T) {
	t.Parallel()

	cases := []struct {
		speed  float64
		period int64
		burst  int
	}{
		{1, 1, 1},
		{0.3, 4, 1},
		{0.5, 2, 1},
		{2.7, 1, 2},
		{10, 1, 10},
		{0, 1, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.period, Period(tc.speed), "period for %v", tc.speed)
		assert.Equal(t, tc.burst, Burst(tc.speed), "burst for %v", tc.speed)
	}
}

func TestOneRequestPerSecondForwardsEveryTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.started(t, "X")

	total := 0
	for range 5 {
		f.enqueue(t, "X", 1)
		f.clock.Advance(time.Second)
		n, err := f.sel.Tick(ctx, f.reg)
		require.NoError(t, err)
		total += n
	}

	require.Equal(t, 5, total)
	require.Equal(t, 5, size(t, f.outbound))
	require.Zero(t, size(t, f.broker.Open(queue.RequestQueueName("X"))))
}

func TestRateNeverExceedsSpeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.started(t, "fast")
	require.NoError(t, f.sel.SetSpeed("fast", 3))
	f.enqueue(t, "fast", 100)

	const window = 10
	for range window {
		f.clock.Advance(time.Second)
		_, err := f.sel.Tick(ctx, f.reg)
		require.NoError(t, err)
	}
	require.LessOrEqual(t, size(t, f.outbound), 3*window+3)
	require.GreaterOrEqual(t, size(t, f.outbound), 3*window-3)
}

func TestSlowCrawlerSkipsTicks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.started(t, "slow")
	require.NoError(t, f.sel.SetSpeed("slow", 0.3))
	f.enqueue(t, "slow", 10)

	// Ticks 0..7 fire on 0 and 4 only.
	f.clock.Advance(8 * time.Second)
	n, err := f.sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLateTickCatchesUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.started(t, "X")
	f.enqueue(t, "X", 10)

	f.clock.Advance(3500 * time.Millisecond)
	n, err := f.sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = f.sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	require.Zero(t, n, "no whole second elapsed")

	f.clock.Advance(600 * time.Millisecond)
	n, err = f.sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPausedCrawlerTasksArePersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.started(t, "P")
	_, err := f.reg.Pause("P")
	require.NoError(t, err)
	f.enqueue(t, "P", 2)

	f.clock.Advance(2 * time.Second)
	n, err := f.sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, size(t, f.outbound))

	stored, err := f.store.List(ctx, "P", queue.RoleRequests)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

type stoppedView struct{}

func (stoppedView) In(...registry.State) []string { return []string{"S"} }
func (stoppedView) State(string) (registry.State, error) { return registry.Stopped, nil }

func TestStoppedCrawlerTasksAreDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, "S", 1)

	f.clock.Advance(time.Second)
	n, err := f.sel.Tick(ctx, stoppedView{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, size(t, f.outbound))
	require.Zero(t, size(t, f.broker.Open(queue.RequestQueueName("S"))))
}

func TestSetSpeedValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.Error(t, f.sel.SetSpeed("X", 0))
	require.Error(t, f.sel.SetSpeed("X", -1))
	require.NoError(t, f.sel.SetSpeed("X", 2.5))
	require.InDelta(t, 2.5, f.sel.Speed("X"), 1e-9)
	require.Equal(t, map[string]float64{"X": 2.5}, f.sel.Speeds())

	f.sel.Forget("X")
	require.InDelta(t, DefaultSpeed, f.sel.Speed("X"), 1e-9)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestSameURLFromTwoCrawlersIsForwardedTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	req := task.Request{URL: "https://example.com/shared"}
	for _, name := range []string{"A", "B"} {
		f.started(t, name)
		q := f.broker.Open(queue.RequestQueueName(name))
		require.NoError(t, q.Push(ctx, task.New(name, req, 0, task.DefaultMeta(), nil)))
	}

	f.clock.Advance(time.Second)
	n, err := f.sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, size(t, f.outbound))
}

// rejectingQueue refuses pushes for one crawler.
type rejectingQueue struct {
	queue.PriorityQueue
	reject string
}

func (q rejectingQueue) Push(ctx context.Context, t *task.Task) error {
	if t.CrawlerName == q.reject {
		return errors.New("outbound unavailable")
	}
	return q.PriorityQueue.Push(ctx, t)
}

func TestFailedHandOffDoesNotStarveOtherCrawlers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	sel, err := New(Config{
		Clock:    f.clock,
		Requests: f.broker,
		Outbound: rejectingQueue{PriorityQueue: f.outbound, reject: "A"},
		Store:    f.store,
	})
	require.NoError(t, err)
	f.started(t, "A")
	f.started(t, "B")
	f.enqueue(t, "A", 1)
	f.enqueue(t, "B", 1)

	f.clock.Advance(time.Second)
	n, err := sel.Tick(ctx, f.reg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, size(t, f.outbound))
	assert.Equal(t, 1, size(t, f.broker.Open(queue.RequestQueueName("A"))), "rejected task stays queued")
	assert.Zero(t, size(t, f.broker.Open(queue.RequestQueueName("B"))))
}
