package crawler

import (
	"context"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// EntryFunc seeds a crawler.
type EntryFunc func(ctx context.Context) ([]Request, error)

// StepFunc produces follow-up requests from a completed task.
type StepFunc func(ctx context.Context, t *task.Task) ([]Request, error)

// ParseFunc extracts an item from a response.
type ParseFunc func(ctx context.Context, resp *task.Response) ParseResult

// Funcs assembles a Crawler from plain functions keyed by method name.
type Funcs struct {
	CrawlerName string
	Rate        float64
	Seeds       []string
	Blocks      int
	OnEntry     EntryFunc
	Steps       map[string]StepFunc
	Parsers     map[string]ParseFunc
}

var (
	_ Crawler = (*Funcs)(nil)
	_ Speeder = (*Funcs)(nil)
	_ Deduper = (*Funcs)(nil)
)

// Name returns CrawlerName.
func (f *Funcs) Name() string { return f.CrawlerName }

// Speed returns Rate, or DefaultSpeed when unset.
func (f *Funcs) Speed() float64 {
	if f.Rate <= 0 {
		return DefaultSpeed
	}
	return f.Rate
}

// DedupeSeeds returns Seeds.
func (f *Funcs) DedupeSeeds() []string { return f.Seeds }

// DedupeBlocks returns Blocks.
func (f *Funcs) DedupeBlocks() int { return f.Blocks }

// Entry calls OnEntry.
func (f *Funcs) Entry(ctx context.Context) ([]Request, error) {
	if f.OnEntry == nil {
		return nil, nil
	}
	return f.OnEntry(ctx)
}

// Step dispatches to Steps[method].
func (f *Funcs) Step(ctx context.Context, method string, t *task.Task) ([]Request, error) {
	fn, ok := f.Steps[method]
	if !ok {
		return nil, UnknownMethod(f.CrawlerName, method)
	}
	return fn(ctx, t)
}

// Parse dispatches to Parsers[method].
func (f *Funcs) Parse(ctx context.Context, method string, resp *task.Response) ParseResult {
	fn, ok := f.Parsers[method]
	if !ok {
		return Error(UnknownMethod(f.CrawlerName, method))
	}
	return fn(ctx, resp)
}
