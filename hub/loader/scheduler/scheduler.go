// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"storj.io/common/sync2"

	"github.com/signalhub/signalhub/hub/loader"
)

// Scheduler polls for due loaders and submits them to the worker pool. It
// is single-producer per replica; the same chore runs concurrently across
// replicas and relies on the lock manager for mutual exclusion.
//
// architecture: Chore
type Scheduler struct {
	log      *zap.Logger
	db       loader.DB
	executor *Executor
	config   Config

	nowFn   func() time.Time
	limiter *sync2.Limiter
	Loop    *sync2.Cycle

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a scheduler chore.
func New(log *zap.Logger, db loader.DB, executor *Executor, config Config) *Scheduler {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Scheduler{
		log:      log,
		db:       db,
		executor: executor,
		config:   config,
		nowFn:    time.Now,
		limiter:  sync2.NewLimiter(config.Workers),
		Loop:     sync2.NewCycle(config.Interval),
		inflight: map[string]struct{}{},
	}
}

// SetNow allows tests to control the clock.
func (s *Scheduler) SetNow(nowFn func() time.Time) { s.nowFn = nowFn }

// Run starts the polling loop.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return s.Loop.Run(ctx, func(ctx context.Context) error {
		if err := s.Tick(ctx); err != nil {
			s.log.Error("scheduling tick failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the loop and waits for in-flight runs to finish.
func (s *Scheduler) Close() error {
	s.Loop.Close()
	s.limiter.Wait()
	return nil
}

// Tick performs one due-selection pass and submits due loaders.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.nowFn().UTC()
	candidates, err := s.db.DueLoaders(ctx, now)
	if err != nil {
		return Error.Wrap(err)
	}
	for i := range candidates {
		due := candidates[i]
		if !s.isDue(&due, now) {
			continue
		}
		s.submit(ctx, &due.Loader)
	}
	return nil
}

// isDue applies the interval gate, plus the backoff gate for FAILED loaders.
func (s *Scheduler) isDue(due *loader.DueLoader, now time.Time) bool {
	if due.LastLoadTimestamp != nil {
		interval := time.Duration(due.MaxIntervalSec) * time.Second
		if now.Sub(*due.LastLoadTimestamp) < interval {
			return false
		}
	}
	if due.LoadStatus == loader.StatusFailed && due.FailedSince != nil {
		delay := backoffFor(due.ConsecutiveFailures, s.config.BackoffBase, s.config.BackoffMax)
		if now.Sub(*due.FailedSince) < delay {
			return false
		}
	}
	return true
}

// ForceStart submits the loader's active version immediately, bypassing the
// interval and backoff gates. A loader currently RUNNING is rejected; the
// lock manager remains the cluster-wide gate either way.
func (s *Scheduler) ForceStart(ctx context.Context, code string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ld, err := s.db.GetActive(ctx, code)
	if err != nil {
		return err
	}
	if !ld.Enabled {
		return loader.ErrWrongState.New("loader %s is disabled", code)
	}
	if ld.LoadStatus == loader.StatusRunning {
		return loader.ErrWrongState.New("loader %s is already running", code)
	}
	if !s.submit(ctx, ld) {
		return loader.ErrWrongState.New("loader %s is already queued on this replica", code)
	}
	s.log.Info("force start accepted", zap.String("loader", code))
	return nil
}

// submit hands the loader to the worker pool unless a run for the same code
// is already active on this replica.
func (s *Scheduler) submit(ctx context.Context, ld *loader.Loader) bool {
	s.mu.Lock()
	if _, active := s.inflight[ld.Code]; active {
		s.mu.Unlock()
		return false
	}
	s.inflight[ld.Code] = struct{}{}
	s.mu.Unlock()

	started := s.limiter.Go(ctx, func() {
		defer s.release(ld.Code)
		if _, err := s.executor.Execute(ctx, ld); err != nil {
			s.log.Error("run ended with error",
				zap.String("loader", ld.Code),
				zap.Error(err))
		}
	})
	if !started {
		s.release(ld.Code)
		return false
	}
	return true
}

func (s *Scheduler) release(code string) {
	s.mu.Lock()
	delete(s.inflight, code)
	s.mu.Unlock()
}
