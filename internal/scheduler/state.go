package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/persist"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/registry"
)

// StateKey is the persisted-state key holding the registry and speed table.
const StateKey = "scheduler"

const stateVersion = 1

type savedState struct {
	Version  int                `json:"v"`
	Registry registry.Snapshot  `json:"registry"`
	Speeds   map[string]float64 `json:"speeds"`
}

// restore loads the saved registry and speed table, then reloads persisted
// work for crawlers that were Started or waiting to seed when the previous
// process exited.
func (s *Scheduler) restore(ctx context.Context) error {
	data, err := s.cfg.Store.LoadState(ctx, StateKey)
	if errors.Is(err, persist.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("unsupported state version %d", st.Version)
	}
	s.reg.Restore(st.Registry)
	for name, speed := range st.Speeds {
		if err := s.sel.SetSpeed(name, speed); err != nil {
			s.logger.Warn("ignoring saved speed", zap.String("crawler", name), zap.Error(err))
		}
	}
	for _, name := range s.reg.In(registry.Started, registry.ReadyStart) {
		n, err := s.reload(ctx, name)
		if err != nil {
			return err
		}
		s.logger.Info("restored crawler", zap.String("crawler", name), zap.Int("reloaded", n))
	}
	return nil
}

// discover registers catalog crawlers the registry has not seen yet.
func (s *Scheduler) discover() {
	speeds := s.sel.Speeds()
	for _, name := range s.cfg.Catalog.Names() {
		if !s.reg.Add(name) {
			continue
		}
		if _, ok := speeds[name]; ok {
			continue
		}
		c, err := s.cfg.Catalog.Lookup(name)
		if err != nil {
			continue
		}
		if err := s.sel.SetSpeed(name, crawler.SpeedOf(c)); err != nil {
			s.logger.Warn("invalid crawler speed", zap.String("crawler", name), zap.Error(err))
		}
	}
}

// shutdown drains every request queue, optionally the inbound queue, and
// saves the registry. It keeps going after individual failures.
func (s *Scheduler) shutdown(ctx context.Context) error {
	var errs []error
	for _, name := range s.reg.In(registry.States...) {
		if _, err := s.drainRequests(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.PersistBeforeExit {
		n, err := s.drainer.DrainShared(ctx, s.inbound, queue.RoleParseSchedule)
		if err != nil {
			errs = append(errs, err)
		}
		metrics.ObservePersisted("*", "drain", n)
	}
	if err := s.saveState(ctx); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("scheduler shutdown incomplete", zap.Error(err))
	} else {
		s.logger.Info("scheduler state persisted")
	}
	return err
}

func (s *Scheduler) saveState(ctx context.Context) error {
	data, err := json.Marshal(savedState{
		Version:  stateVersion,
		Registry: s.reg.Snapshot(),
		Speeds:   s.sel.Speeds(),
	})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.cfg.Store.SaveState(ctx, StateKey, data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
