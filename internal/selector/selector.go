// Package selector paces each crawler's request queue into the shared
// schedule-to-fetch queue.
//
// Time is bucketed into whole seconds since the selector started. A crawler
// with speed s fires on every tick t where t mod ceil(1/s) == 0 and pops up
// to max(floor(s), 1) tasks per firing. Each call to Tick walks every whole
// second elapsed since the previous call, so late or coalesced ticks still
// fire every bucket exactly once.
//
// A Selector is not safe for concurrent use. The scheduler drives it from its
// own loop together with the registry it reads.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/registry"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// DefaultSpeed applies to crawlers with no explicit speed.
const DefaultSpeed = 1.0

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// States is the registry view the selector needs.
type States interface {
	In(states ...registry.State) []string
	State(name string) (registry.State, error)
}

// Config wires a Selector.
type Config struct {
	Clock Clock
	// Requests opens per-crawler request queues by name.
	Requests queue.Opener
	// Outbound is the schedule-to-fetch queue.
	Outbound queue.PriorityQueue
	// Store receives tasks popped for paused crawlers.
	Store  persist.Store
	Logger *zap.Logger
}

// Selector holds the speed table and tick bookkeeping.
type Selector struct {
	clock    Clock
	requests queue.Opener
	outbound queue.PriorityQueue
	store    persist.Store
	logger   *zap.Logger

	started  time.Time
	lastTick int64
	speeds   map[string]float64
}

// New returns a Selector whose tick zero is the current clock time.
func New(cfg Config) (*Selector, error) {
	if cfg.Clock == nil || cfg.Requests == nil || cfg.Outbound == nil || cfg.Store == nil {
		return nil, errors.New("selector: clock, requests, outbound and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		clock:    cfg.Clock,
		requests: cfg.Requests,
		outbound: cfg.Outbound,
		store:    cfg.Store,
		logger:   logger,
		started:  cfg.Clock.Now(),
		speeds:   make(map[string]float64),
	}, nil
}

// Period returns the firing interval in whole seconds for speed.
func Period(speed float64) int64 {
	if speed <= 0 {
		speed = DefaultSpeed
	}
	p := int64(math.Ceil(1 / speed))
	if p < 1 {
		return 1
	}
	return p
}

// Burst returns the number of pops per firing for speed.
func Burst(speed float64) int {
	return max(int(speed), 1)
}

// SetSpeed changes a crawler's rate without restarting it.
func (s *Selector) SetSpeed(name string, speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("invalid speed %v for %q", speed, name)
	}
	s.speeds[name] = speed
	return nil
}

// Speed returns the crawler's rate, DefaultSpeed when unset.
func (s *Selector) Speed(name string) float64 {
	if v, ok := s.speeds[name]; ok {
		return v
	}
	return DefaultSpeed
}

// Speeds returns a copy of the speed table.
func (s *Selector) Speeds() map[string]float64 {
	out := make(map[string]float64, len(s.speeds))
	for k, v := range s.speeds {
		out[k] = v
	}
	return out
}

// Forget drops the crawler from the speed table.
func (s *Selector) Forget(name string) {
	delete(s.speeds, name)
}

// Tick processes every whole second elapsed since the previous call and
// returns the number of tasks forwarded to the outbound queue. A crawler
// whose hand-off fails keeps its task and skips the rest of this window;
// the other crawlers still fire.
func (s *Selector) Tick(ctx context.Context, states States) (int, error) {
	current := int64(s.clock.Now().Sub(s.started) / time.Second)
	if current <= s.lastTick {
		return 0, nil
	}
	last := s.lastTick
	s.lastTick = current

	names := states.In(registry.Started, registry.Paused)
	sort.Strings(names)

	forwarded := 0
	for _, name := range names {
		speed := s.Speed(name)
		period := Period(speed)
		for t := last; t < current; t++ {
			if t%period != 0 {
				continue
			}
			n, err := s.fire(ctx, states, name, Burst(speed))
			forwarded += n
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return forwarded, ctx.Err()
			}
			s.logger.Warn("selector hand-off failed", zap.String("crawler", name), zap.Error(err))
			break
		}
	}
	return forwarded, nil
}

func (s *Selector) fire(ctx context.Context, states States, name string, burst int) (int, error) {
	q := s.requests.Open(queue.RequestQueueName(name))
	forwarded := 0
	for range burst {
		t, err := q.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return forwarded, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return forwarded, ctx.Err()
			}
			s.logger.Warn("selector pop failed", zap.String("crawler", name), zap.Error(err))
			return forwarded, nil
		}
		ok, err := s.route(ctx, states, name, q, t)
		if ok {
			forwarded++
		}
		if err != nil {
			return forwarded, err
		}
	}
	return forwarded, nil
}

func (s *Selector) route(ctx context.Context, states States, name string, q queue.PriorityQueue, t *task.Task) (bool, error) {
	state, err := states.State(name)
	if err != nil {
		state = registry.Stopped
	}
	switch state {
	case registry.Started:
		if err := queue.TryPush(ctx, s.outbound, t); err != nil {
			s.restore(ctx, q, t)
			return false, fmt.Errorf("forward %s: %w", t.ID, err)
		}
		metrics.ObserveSelector(name, "forwarded")
		return true, nil
	case registry.Paused:
		if err := s.store.Append(ctx, name, queue.RoleRequests, t); err != nil {
			s.restore(ctx, q, t)
			return false, fmt.Errorf("persist %s: %w", t.ID, err)
		}
		metrics.ObserveSelector(name, "persisted")
		return false, nil
	default:
		s.logger.Debug("dropping task for inactive crawler",
			zap.String("crawler", name), zap.String("task_id", t.ID), zap.String("state", string(state)))
		metrics.ObserveSelector(name, "dropped")
		return false, nil
	}
}

// restore puts t back on its request queue after a failed hand-off.
func (s *Selector) restore(ctx context.Context, q queue.PriorityQueue, t *task.Task) {
	if err := q.Push(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Error("task lost after failed hand-off",
			zap.String("queue", q.Name()), zap.String("task_id", t.ID), zap.Error(err))
	}
}
