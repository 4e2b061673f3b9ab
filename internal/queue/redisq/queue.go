// Package redisq implements queue.PriorityQueue on Redis. Each queue is a
// sorted set of entry keys (crawler and task id) scored by -priority plus a
// hash of encoded payloads, so any process holding the queue name can push
// and pop.
package redisq

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// pushScript inserts or replaces a task unless the queue is full.
// KEYS[1]=zset KEYS[2]=hash ARGV[1]=score ARGV[2]=entry key ARGV[3]=payload ARGV[4]=max.
var pushScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) == false then
	if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[4]) then
		return 0
	end
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// popScript removes the lowest-score member and returns its payload.
var popScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local payload = redis.call('HGET', KEYS[2], id)
redis.call('HDEL', KEYS[2], id)
return payload
`)

// peekScript reads the lowest-score payload without removing it.
var peekScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
return redis.call('HGET', KEYS[2], ids[1])
`)

// Queue is a Redis-backed priority queue.
type Queue struct {
	client  redis.UniversalClient
	name    string
	maxSize int
}

// New opens the queue called name on client.
func New(client redis.UniversalClient, name string, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = queue.DefaultMaxSize
	}
	return &Queue{client: client, name: name, maxSize: maxSize}
}

// Opener returns a queue.Opener bound to client.
func Opener(client redis.UniversalClient, maxSize int) queue.Opener {
	return queue.OpenerFunc(func(name string) queue.PriorityQueue {
		return New(client, name, maxSize)
	})
}

// Name returns the queue namespace.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) keys() []string {
	return []string{q.name, q.name + ":payloads"}
}

// Push stores t with score -priority.
func (q *Queue) Push(ctx context.Context, t *task.Task) error {
	payload, err := task.Encode(t)
	if err != nil {
		return err
	}
	member := queue.EntryKey(t.CrawlerName, t.ID)
	res, err := pushScript.Run(ctx, q.client, q.keys(), -t.Priority, member, payload, q.maxSize).Int()
	if err != nil {
		return fmt.Errorf("redis push %s: %w", q.name, err)
	}
	if res == 0 {
		return queue.ErrFull
	}
	return nil
}

// Pop atomically removes the highest priority task.
func (q *Queue) Pop(ctx context.Context) (*task.Task, error) {
	return q.fetch(ctx, popScript, "pop")
}

// Peek returns the highest priority task without removing it.
func (q *Queue) Peek(ctx context.Context) (*task.Task, error) {
	return q.fetch(ctx, peekScript, "peek")
}

func (q *Queue) fetch(ctx context.Context, script *redis.Script, op string) (*task.Task, error) {
	payload, err := script.Run(ctx, q.client, q.keys()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis %s %s: %w", op, q.name, err)
	}
	t, err := task.Decode([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrCorrupt, err)
	}
	return t, nil
}

// Remove deletes crawler's task with the given id.
func (q *Queue) Remove(ctx context.Context, crawler, id string) error {
	member := queue.EntryKey(crawler, id)
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.name, member)
		p.HDel(ctx, q.name+":payloads", member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove %s: %w", q.name, err)
	}
	return nil
}

// Size returns the sorted set cardinality.
func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("redis size %s: %w", q.name, err)
	}
	return int(n), nil
}

// Clear deletes both keys backing the queue.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.keys()...).Err(); err != nil {
		return fmt.Errorf("redis clear %s: %w", q.name, err)
	}
	return nil
}
