// Package crawler defines the capability set user crawlers implement and the
// catalog the scheduler discovers them from.
//
// The scheduler never reflects over crawler code. It calls Entry once when a
// crawler starts, Step by name for every next_request_methods entry of a
// completed task, and the parse stage calls Parse by name for every
// parse_method in the chain.
package crawler

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// DefaultSpeed is the requests-per-second budget for crawlers that do not set one.
const DefaultSpeed = 1.0

var (
	// ErrUnknownMethod is returned when a chain names a method the crawler lacks.
	ErrUnknownMethod = errors.New("unknown crawler method")
	// ErrNotRegistered is returned by Catalog.Lookup for unknown names.
	ErrNotRegistered = errors.New("crawler not registered")
)

// Request is emitted by crawler code and becomes a task.Task in the scheduler.
type Request struct {
	HTTP      task.Request
	Priority  int
	Meta      *task.Meta
	Callbacks []task.Callback
	// Scratch seeds the task's schedule scratch map.
	Scratch map[string]any
}

// Get builds a GET request for url followed by chain.
func Get(url string, chain ...task.Callback) Request {
	return Request{HTTP: task.Request{Method: "GET", URL: url}, Callbacks: chain}
}

// Then is shorthand for a chain entry.
func Then(parseMethod string, next ...string) task.Callback {
	return task.Callback{ParseMethod: parseMethod, NextRequestMethods: next}
}

// Crawler is the fixed capability set every crawler exposes.
type Crawler interface {
	// Name identifies the crawler in queues, the registry and persisted records.
	Name() string
	// Entry seeds the crawler. It runs once per start.
	Entry(ctx context.Context) ([]Request, error)
	// Step runs the named next-request method with the completed task as context.
	// Returning no requests ends that branch.
	Step(ctx context.Context, method string, t *task.Task) ([]Request, error)
	// Parse runs the named parse method against a fetched response.
	Parse(ctx context.Context, method string, resp *task.Response) ParseResult
}

// Speeder is implemented by crawlers with a non-default rate.
type Speeder interface {
	Speed() float64
}

// Deduper is implemented by crawlers that customize their dedup filter.
type Deduper interface {
	DedupeSeeds() []string
	DedupeBlocks() int
}

// SpeedOf returns c's configured speed or DefaultSpeed.
func SpeedOf(c Crawler) float64 {
	if s, ok := c.(Speeder); ok && s.Speed() > 0 {
		return s.Speed()
	}
	return DefaultSpeed
}

// ParseKind tags a ParseResult.
type ParseKind int

// Parse outcomes.
const (
	// ParseNoOp means the response produced nothing further.
	ParseNoOp ParseKind = iota
	// ParseEmit carries an extracted item back to the scheduler.
	ParseEmit
	// ParseRetryCurrent asks for the same task to be sent back unchanged.
	ParseRetryCurrent
	// ParseError reports a failure inside the parse method.
	ParseError
)

func (k ParseKind) String() string {
	switch k {
	case ParseEmit:
		return "emit"
	case ParseRetryCurrent:
		return "retry_current"
	case ParseError:
		return "error"
	default:
		return "noop"
	}
}

// ParseResult is the tagged outcome of a parse method.
type ParseResult struct {
	Kind ParseKind
	Item any
	Err  error
}

// Emit wraps an extracted item.
func Emit(item any) ParseResult {
	return ParseResult{Kind: ParseEmit, Item: item}
}

// RetryCurrent asks the parse stage to resubmit the task unchanged.
func RetryCurrent() ParseResult {
	return ParseResult{Kind: ParseRetryCurrent}
}

// NoOp reports that nothing was extracted.
func NoOp() ParseResult {
	return ParseResult{Kind: ParseNoOp}
}

// Error wraps a parse failure.
func Error(err error) ParseResult {
	return ParseResult{Kind: ParseError, Err: err}
}

// UnknownMethod builds the error crawlers return for unhandled method names.
func UnknownMethod(crawler, method string) error {
	return fmt.Errorf("%w: %s.%s", ErrUnknownMethod, crawler, method)
}
