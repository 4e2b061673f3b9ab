package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// ErrCorrupt marks a payload that could not be decoded. It is never retried.
var ErrCorrupt = errors.New("corrupt task payload")

// RetryConfig bounds the backoff applied to transient store failures.
type RetryConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Retrying wraps a PriorityQueue and retries transient failures until the
// store comes back or the context ends. ErrEmpty and ErrCorrupt pass through
// untouched. ErrFull on Push is treated as back-pressure and retried.
type Retrying struct {
	inner  PriorityQueue
	cfg    RetryConfig
	logger *zap.Logger
	warn   rate.Sometimes
}

// WithRetry wraps q with bounded-backoff retries.
func WithRetry(q PriorityQueue, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		inner:  q,
		cfg:    cfg.withDefaults(),
		logger: logger,
		warn:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Name returns the wrapped queue's name.
func (r *Retrying) Name() string {
	return r.inner.Name()
}

// Push retries until the task is stored.
func (r *Retrying) Push(ctx context.Context, t *task.Task) error {
	return r.do(ctx, "push", func() error {
		return r.inner.Push(ctx, t)
	})
}

// TryPush retries transient failures but returns ErrFull immediately.
func (r *Retrying) TryPush(ctx context.Context, t *task.Task) error {
	return r.do(ctx, "push", func() error {
		err := r.inner.Push(ctx, t)
		if errors.Is(err, ErrFull) {
			return &finalError{err}
		}
		return err
	})
}

// Pop retries transient failures; ErrEmpty is returned immediately.
func (r *Retrying) Pop(ctx context.Context) (*task.Task, error) {
	var out *task.Task
	err := r.do(ctx, "pop", func() error {
		var err error
		out, err = r.inner.Pop(ctx)
		return err
	})
	return out, err
}

// Peek retries transient failures; ErrEmpty is returned immediately.
func (r *Retrying) Peek(ctx context.Context) (*task.Task, error) {
	var out *task.Task
	err := r.do(ctx, "peek", func() error {
		var err error
		out, err = r.inner.Peek(ctx)
		return err
	})
	return out, err
}

// Remove retries until the delete is acknowledged.
func (r *Retrying) Remove(ctx context.Context, crawler, id string) error {
	return r.do(ctx, "remove", func() error {
		return r.inner.Remove(ctx, crawler, id)
	})
}

// Size retries until the store answers.
func (r *Retrying) Size(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, "size", func() error {
		var err error
		n, err = r.inner.Size(ctx)
		return err
	})
	return n, err
}

// Clear retries until the namespace is purged.
func (r *Retrying) Clear(ctx context.Context) error {
	return r.do(ctx, "clear", func() error {
		return r.inner.Clear(ctx)
	})
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var final *finalError
		if errors.As(err, &final) {
			return final.err
		}
		if err == nil || !retryable(err) {
			return err
		}
		r.warn.Do(func() {
			r.logger.Warn("queue operation failed, backing off",
				zap.String("queue", r.inner.Name()),
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		})
		timer := time.NewTimer(r.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("queue %s %s: %w", r.inner.Name(), op, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *Retrying) backoff(attempt int) time.Duration {
	delay := float64(r.cfg.BaseBackoff) * math.Pow(2, float64(min(attempt, 30)))
	if delay > float64(r.cfg.MaxBackoff) {
		delay = float64(r.cfg.MaxBackoff)
	}
	half := time.Duration(delay / 2)
	if half <= 0 {
		return time.Duration(delay)
	}
	return half + rand.N(half)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrEmpty), errors.Is(err, ErrCorrupt):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// finalError stops do from retrying an otherwise retryable error.
type finalError struct{ err error }

func (e *finalError) Error() string { return e.err.Error() }

func (e *finalError) Unwrap() error { return e.err }

// TryPush pushes t without waiting for room: a full queue returns ErrFull
// even when q would otherwise treat it as back-pressure.
func TryPush(ctx context.Context, q PriorityQueue, t *task.Task) error {
	if tp, ok := q.(interface {
		TryPush(ctx context.Context, t *task.Task) error
	}); ok {
		return tp.TryPush(ctx, t)
	}
	return q.Push(ctx, t)
}
