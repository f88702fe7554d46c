// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package execlock

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/common/sync2"

	"github.com/signalhub/signalhub/hub/history"
)

// LoaderStates normalizes loader runtime state after a reaped run.
type LoaderStates interface {
	NormalizeRunning(ctx context.Context, code string, failedAt time.Time) error
}

// ReaperConfig holds stale lock normalization settings. StaleThreshold
// must exceed the run budget; runs within budget are never reaped.
type ReaperConfig struct {
	Interval       time.Duration `help:"how often to scan for stale locks and abandoned runs" default:"1m"`
	StaleThreshold time.Duration `help:"age after which a held lock or RUNNING history row is considered abandoned; keep at twice the query timeout" default:"10m"`
}

// Reaper normalizes corrupt coordination state left behind by crashed
// replicas: stale lock rows and RUNNING history rows with no live run.
//
// architecture: Chore
type Reaper struct {
	log     *zap.Logger
	locks   DB
	history *history.Store
	loaders LoaderStates
	config  ReaperConfig

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewReaper creates a reaper chore.
func NewReaper(log *zap.Logger, locks DB, historyStore *history.Store, loaders LoaderStates, config ReaperConfig) *Reaper {
	return &Reaper{
		log:     log,
		locks:   locks,
		history: historyStore,
		loaders: loaders,
		config:  config,
		nowFn:   time.Now,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// SetNow allows tests to control the clock.
func (r *Reaper) SetNow(nowFn func() time.Time) { r.nowFn = nowFn }

// Run starts the reaper loop.
func (r *Reaper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return r.Loop.Run(ctx, func(ctx context.Context) error {
		if err := r.Reap(ctx); err != nil {
			r.log.Error("reap failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the reaper loop.
func (r *Reaper) Close() error {
	r.Loop.Close()
	return nil
}

// Reap performs one normalization pass.
func (r *Reaper) Reap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := r.nowFn().UTC()
	cutoff := now.Add(-r.config.StaleThreshold)
	var group errs.Group

	stale, err := r.locks.Stale(ctx, cutoff)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, lock := range stale {
		r.log.Warn("reaping stale lock",
			zap.String("loader", lock.LoaderCode),
			zap.Stringer("lock", lock.ID),
			zap.String("replica", lock.ReplicaName),
			zap.Time("acquired at", lock.AcquiredAt))

		if err := r.locks.Release(ctx, lock.ID, lock.Version, now); err != nil {
			if !ErrAlreadyReleased.Has(err) {
				group.Add(err)
			}
			continue
		}
		if lock.HistoryID != nil {
			group.Add(r.finalizeAbandoned(ctx, *lock.HistoryID, lock.LoaderCode, now))
		}
		group.Add(r.loaders.NormalizeRunning(ctx, lock.LoaderCode, now))
	}

	// RUNNING history rows without a live lock are the other half of the
	// corrupt-state matrix.
	orphans, err := r.history.StaleRunning(ctx, cutoff)
	if err != nil {
		return errs.Combine(group.Err(), Error.Wrap(err))
	}
	for _, rec := range orphans {
		r.log.Warn("finalizing abandoned run",
			zap.String("loader", rec.LoaderCode),
			zap.Int64("history", rec.ID),
			zap.String("replica", rec.ReplicaName))
		group.Add(r.finalizeAbandoned(ctx, rec.ID, rec.LoaderCode, now))
		group.Add(r.loaders.NormalizeRunning(ctx, rec.LoaderCode, now))
	}

	return group.Err()
}

func (r *Reaper) finalizeAbandoned(ctx context.Context, historyID int64, loaderCode string, now time.Time) error {
	err := r.history.Finalize(ctx, historyID, now, history.Finalization{
		Status:       history.StatusFailed,
		ErrorMessage: "STALE: run abandoned; normalized by reaper",
	})
	if history.ErrNotFound.Has(err) {
		return nil
	}
	return err
}
