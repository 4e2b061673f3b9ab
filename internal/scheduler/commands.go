package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/control"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/registry"
	"github.com/JakeFAU/crawlsched/internal/telemetry"
)

// StateChange is the payload returned by lifecycle commands.
type StateChange struct {
	Name      string         `json:"name"`
	From      registry.State `json:"from"`
	To        registry.State `json:"to"`
	Reseed    bool           `json:"reseed,omitempty"`
	Persisted int            `json:"persisted,omitempty"`
	Reloaded  int            `json:"reloaded,omitempty"`
}

func (s *Scheduler) handle(ctx context.Context, req control.Request) (resp control.Response) {
	ctx, span := telemetry.Tracer().Start(ctx, "scheduler."+req.Command,
		trace.WithAttributes(attribute.String("crawler", req.Name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", zap.String("command", req.Command), zap.Any("panic", r))
			resp = control.Fail(control.UnknownError, "%s failed: %v", req.Command, r)
		}
		if resp.StatusCode != control.OK {
			span.SetStatus(codes.Error, fmt.Sprint(resp.Payload))
		}
		metrics.ObserveCommand(req.Command, resp.StatusCode.String())
	}()

	if control.NeedsName(req.Command) && req.Name == "" {
		return control.Fail(control.ArgsError, "%s requires a crawler name", req.Command)
	}

	switch req.Command {
	case control.Start:
		return s.lifecycle(ctx, req, s.reg.Start)
	case control.Run:
		return s.lifecycle(ctx, req, s.reg.Run)
	case control.Pause:
		return s.lifecycle(ctx, req, s.reg.Pause)
	case control.Stop:
		return s.lifecycle(ctx, req, s.reg.Stop)
	case control.SetSpeed:
		return s.setSpeed(req)
	case control.ListSpiders:
		return control.Okay(s.listSpiders())
	case control.ListSpeed:
		return control.Okay(s.listSpeed())
	case control.CleanRequestQueue:
		return s.cleanRequestQueue(ctx, req.Name)
	case control.CleanDedupFilter:
		return s.cleanDedupFilter(ctx, req.Name)
	case control.DeleteCrawler:
		return s.deleteCrawler(ctx, req.Name)
	case control.UpdateCrawler:
		return s.updateCrawler(ctx, req.Name)
	default:
		return control.Fail(control.ArgsError, "unknown command %q", req.Command)
	}
}

// lifecycle applies a registry transition and moves tasks to or from the
// store to match the new state.
func (s *Scheduler) lifecycle(
	ctx context.Context,
	req control.Request,
	apply func(string) (registry.Transition, error),
) control.Response {
	tr, err := apply(req.Name)
	if err != nil {
		return s.fail(req.Command, err)
	}
	change := StateChange{Name: tr.Name, From: tr.From, To: tr.To, Reseed: tr.Reseed}

	if tr.Changed {
		switch tr.To {
		case registry.Paused, registry.Stopped:
			n, err := s.drainRequests(ctx, tr.Name)
			change.Persisted = n
			if err != nil {
				s.cfg.Events.Transition(ctx, req.Command, tr)
				return control.Fail(control.UnknownError, "%s %s: %v", req.Command, tr.Name, err)
			}
		case registry.Started, registry.ReadyStart:
			n, err := s.reload(ctx, tr.Name)
			change.Reloaded = n
			if err != nil {
				s.cfg.Events.Transition(ctx, req.Command, tr)
				return control.Fail(control.UnknownError, "%s %s: %v", req.Command, tr.Name, err)
			}
		}
	}

	s.cfg.Events.Transition(ctx, req.Command, tr)
	if tr.Changed || tr.Reseed {
		s.logger.Info("crawler state changed",
			zap.String("crawler", tr.Name),
			zap.String("command", req.Command),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.Bool("reseed", tr.Reseed))
	}
	return control.Okay(change)
}

func (s *Scheduler) drainRequests(ctx context.Context, name string) (int, error) {
	n, err := s.drainer.Drain(ctx, s.cfg.Queues.Open(queue.RequestQueueName(name)), name, queue.RoleRequests)
	metrics.ObservePersisted(name, "drain", n)
	return n, err
}

// reload replays both persisted roles for name into their live queues.
func (s *Scheduler) reload(ctx context.Context, name string) (int, error) {
	total := 0
	for _, role := range []string{queue.RoleRequests, queue.RoleParseSchedule} {
		n, err := s.drainer.Reload(ctx, s.cfg.Queues.Open(queue.RoleQueueName(name, role)), name, role)
		total += n
		if errors.Is(err, queue.ErrFull) && role == queue.RoleRequests {
			s.spilled[name] = struct{}{}
			continue
		}
		if err != nil {
			metrics.ObservePersisted(name, "reload", total)
			return total, err
		}
	}
	metrics.ObservePersisted(name, "reload", total)
	return total, nil
}

func (s *Scheduler) setSpeed(req control.Request) control.Response {
	if _, err := s.reg.State(req.Name); err != nil {
		return s.fail(req.Command, err)
	}
	if err := s.sel.SetSpeed(req.Name, req.Value); err != nil {
		return control.Fail(control.ArgsError, "%v", err)
	}
	s.logger.Info("crawler speed changed", zap.String("crawler", req.Name), zap.Float64("speed", req.Value))
	return control.Okay(map[string]float64{req.Name: req.Value})
}

func (s *Scheduler) listSpiders() map[string][]string {
	sets := s.reg.Sets()
	out := make(map[string][]string, len(sets))
	for state, names := range sets {
		out[string(state)] = names
	}
	return out
}

func (s *Scheduler) listSpeed() map[string]float64 {
	out := make(map[string]float64)
	for _, name := range s.reg.In(registry.States...) {
		out[name] = s.sel.Speed(name)
	}
	return out
}

// cleanRequestQueue empties the live request queue and any persisted
// requests so a later resume starts from the entry point only.
func (s *Scheduler) cleanRequestQueue(ctx context.Context, name string) control.Response {
	if _, err := s.reg.State(name); err != nil {
		return s.fail(control.CleanRequestQueue, err)
	}
	if err := s.purgeRequests(ctx, name); err != nil {
		return control.Fail(control.UnknownError, "clean request queue %s: %v", name, err)
	}
	return control.Okay(name)
}

func (s *Scheduler) purgeRequests(ctx context.Context, name string) error {
	if err := s.cfg.Queues.Open(queue.RequestQueueName(name)).Clear(ctx); err != nil {
		return err
	}
	return s.purgeStored(ctx, name, queue.RoleRequests)
}

func (s *Scheduler) purgeStored(ctx context.Context, name, role string) error {
	stored, err := s.cfg.Store.List(ctx, name, role)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}
	ids := make([]string, len(stored))
	for i, t := range stored {
		ids[i] = t.ID
	}
	return s.cfg.Store.Delete(ctx, name, role, ids...)
}

func (s *Scheduler) cleanDedupFilter(ctx context.Context, name string) control.Response {
	if _, err := s.reg.State(name); err != nil {
		return s.fail(control.CleanDedupFilter, err)
	}
	if err := s.filter(name).Clear(ctx); err != nil {
		return control.Fail(control.UnknownError, "clean dedup filter %s: %v", name, err)
	}
	return control.Okay(name)
}

// deleteCrawler forgets a crawler that is not running and purges its queue,
// dedup filter and persisted tasks.
func (s *Scheduler) deleteCrawler(ctx context.Context, name string) control.Response {
	from, err := s.reg.State(name)
	if err != nil {
		return s.fail(control.DeleteCrawler, err)
	}
	if err := s.reg.Remove(name); err != nil {
		return s.fail(control.DeleteCrawler, err)
	}
	s.sel.Forget(name)

	var errs []error
	errs = append(errs, s.purgeRequests(ctx, name), s.purgeStored(ctx, name, queue.RoleParseSchedule))
	errs = append(errs, s.filter(name).Clear(ctx))
	delete(s.filters, name)
	if err := errors.Join(errs...); err != nil {
		return control.Fail(control.UnknownError, "delete %s: %v", name, err)
	}

	s.cfg.Events.Transition(ctx, control.DeleteCrawler, registry.Transition{Name: name, From: from, Changed: true})
	s.logger.Info("crawler deleted", zap.String("crawler", name))
	return control.Okay(name)
}

// updateCrawler re-registers a catalog crawler as Todo with its declared speed.
func (s *Scheduler) updateCrawler(ctx context.Context, name string) control.Response {
	c, err := s.cfg.Catalog.Lookup(name)
	if err != nil {
		return control.Fail(control.ArgsError, "%v", err)
	}
	if state, err := s.reg.State(name); err == nil && (state == registry.Started || state == registry.ReadyStart) {
		return control.Fail(control.UserError, "%s is %s: %v", name, state, registry.ErrCrawlerActive)
	}
	tr := s.reg.Reset(name)
	if err := s.sel.SetSpeed(name, crawler.SpeedOf(c)); err != nil {
		return control.Fail(control.UnknownError, "%v", err)
	}
	delete(s.filters, name)
	s.cfg.Events.Transition(ctx, control.UpdateCrawler, tr)
	return control.Okay(StateChange{Name: name, From: tr.From, To: tr.To})
}

func (s *Scheduler) fail(command string, err error) control.Response {
	switch {
	case errors.Is(err, registry.ErrUnknownCrawler):
		return control.Fail(control.ArgsError, "%s: %v", command, err)
	case errors.Is(err, registry.ErrCrawlerActive):
		return control.Fail(control.UserError, "%s: %v", command, err)
	default:
		return control.Fail(control.UnknownError, "%s: %v", command, err)
	}
}
