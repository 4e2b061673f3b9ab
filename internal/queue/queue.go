// Package queue defines the priority queue abstraction shared by every stage.
// Queues are addressed only by name, so the same queue can be opened from
// several processes as long as they point at the same backing store
// (Redis or a shared SQLite file). The in-memory backend is single-process.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// Well-known inter-stage queue names.
const (
	ScheduleToFetch = "scheduler_downloader"
	FetchToParse    = "downloader_parser"
	ParseToSchedule = "parser_scheduler"
)

// Queue roles used as persistence keys. RoleRequests is the per-crawler
// request queue; the others name the inter-stage queues.
const (
	RoleRequests      = "requests"
	RoleScheduleFetch = "schedule_fetch"
	RoleFetchParse    = "fetch_parse"
	RoleParseSchedule = "parse_schedule"
)

// DefaultMaxSize bounds a queue when no size is configured.
const DefaultMaxSize = 100000

var (
	// ErrEmpty is returned by Pop and Peek when the queue has no tasks.
	ErrEmpty = errors.New("queue is empty")
	// ErrFull is returned by Push when the queue is at capacity.
	ErrFull = errors.New("queue is full")
)

// RequestQueueName returns the per-crawler request queue name.
func RequestQueueName(crawler string) string {
	return crawler + ":" + RoleRequests
}

// RoleQueueName maps a persistence role back to the queue it was drained from.
func RoleQueueName(crawler, role string) string {
	switch role {
	case RoleScheduleFetch:
		return ScheduleToFetch
	case RoleFetchParse:
		return FetchToParse
	case RoleParseSchedule:
		return ParseToSchedule
	default:
		return RequestQueueName(crawler)
	}
}

// EntryKey identifies a queued task. The inter-stage queues carry every
// crawler's tasks, so two crawlers requesting the same URL get distinct keys.
func EntryKey(crawler, id string) string {
	return crawler + "\x00" + id
}

// PriorityQueue is a named queue that pops the highest priority first.
// Pushing a task whose crawler and id are already queued replaces the
// queued copy.
type PriorityQueue interface {
	// Name returns the namespace this queue was opened with.
	Name() string
	// Push stores the task keyed by its priority.
	Push(ctx context.Context, t *task.Task) error
	// Pop atomically removes and returns the highest priority task.
	Pop(ctx context.Context) (*task.Task, error)
	// Peek returns the highest priority task without removing it.
	Peek(ctx context.Context) (*task.Task, error)
	// Remove deletes crawler's task with the given id. Missing ids are not an error.
	Remove(ctx context.Context, crawler, id string) error
	// Size returns the number of queued tasks.
	Size(ctx context.Context) (int, error)
	// Clear removes every task in the namespace.
	Clear(ctx context.Context) error
}

// Opener opens queues by name against one backing store.
type Opener interface {
	Open(name string) PriorityQueue
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(name string) PriorityQueue

// Open calls f(name).
func (f OpenerFunc) Open(name string) PriorityQueue {
	return f(name)
}
