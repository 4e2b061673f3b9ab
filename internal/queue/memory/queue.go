// Package memory provides an in-process priority queue for tests and
// single-process deployments.
package memory

import (
	"container/heap"
	"context"
	"sync"

	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Queue is a bounded priority queue guarded by a mutex.
type Queue struct {
	name    string
	maxSize int

	mu    sync.Mutex
	items entryHeap
	byKey map[string]*entry
	seq   uint64
}

type entry struct {
	task  *task.Task
	seq   uint64
	index int
}

// NewQueue constructs a queue holding at most maxSize tasks.
func NewQueue(name string, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = queue.DefaultMaxSize
	}
	return &Queue{
		name:    name,
		maxSize: maxSize,
		byKey:   make(map[string]*entry),
	}
}

// Name returns the queue namespace.
func (q *Queue) Name() string {
	return q.name
}

// Push stores t, replacing any queued task with the same crawler and id.
func (q *Queue) Push(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := queue.EntryKey(t.CrawlerName, t.ID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.byKey[key]; ok {
		existing.task = t
		heap.Fix(&q.items, existing.index)
		return nil
	}
	if len(q.items) >= q.maxSize {
		return queue.ErrFull
	}
	q.seq++
	e := &entry{task: t, seq: q.seq}
	heap.Push(&q.items, e)
	q.byKey[key] = e
	return nil
}

// Pop removes the highest priority task.
func (q *Queue) Pop(ctx context.Context) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, queue.ErrEmpty
	}
	e, _ := heap.Pop(&q.items).(*entry)
	delete(q.byKey, queue.EntryKey(e.task.CrawlerName, e.task.ID))
	return e.task, nil
}

// Peek returns the highest priority task without removing it.
func (q *Queue) Peek(ctx context.Context) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, queue.ErrEmpty
	}
	return q.items[0].task, nil
}

// Remove drops crawler's task with the given id if it is queued.
func (q *Queue) Remove(_ context.Context, crawler, id string) error {
	key := queue.EntryKey(crawler, id)
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byKey[key]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, e.index)
	delete(q.byKey, key)
	return nil
}

// Size returns the number of queued tasks.
func (q *Queue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Clear drops every queued task.
func (q *Queue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.byKey = make(map[string]*entry)
	return nil
}

// Broker hands out shared in-memory queues by name so every component in the
// process sees the same instance.
type Broker struct {
	maxSize int

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewBroker creates a Broker whose queues hold at most maxSize tasks.
func NewBroker(maxSize int) *Broker {
	return &Broker{maxSize: maxSize, queues: make(map[string]*Queue)}
}

// Open returns the queue registered under name, creating it on first use.
func (b *Broker) Open(name string) queue.PriorityQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = NewQueue(name, b.maxSize)
		b.queues[name] = q
	}
	return q
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e, _ := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
