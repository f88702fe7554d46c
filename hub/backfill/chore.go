// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package backfill

import (
	"context"
	"time"

	"go.uber.org/zap"
	"storj.io/common/sync2"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/scheduler"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

// ChoreConfig holds backfill worker settings.
type ChoreConfig struct {
	Interval time.Duration `help:"how often to look for pending backfill jobs" default:"10s"`
}

// Executor replays one explicit window through the run pipeline.
type Executor interface {
	ExecuteWindow(ctx context.Context, ld *loader.Loader, w timewindow.Window, strategy loader.PurgeStrategy) (scheduler.RunResult, error)
}

// Chore claims pending jobs one at a time and replays their windows
// through the run pipeline in maxQueryPeriodSeconds slices. Watermarks are
// never advanced by a backfill.
//
// architecture: Chore
type Chore struct {
	log      *zap.Logger
	db       DB
	loaders  loader.DB
	executor Executor
	replica  string

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewChore creates a backfill chore.
func NewChore(log *zap.Logger, db DB, loaders loader.DB, executor Executor, replica string, config ChoreConfig) *Chore {
	return &Chore{
		log:      log,
		db:       db,
		loaders:  loaders,
		executor: executor,
		replica:  replica,
		nowFn:    time.Now,
		Loop:     sync2.NewCycle(config.Interval),
	}
}

// SetNow allows tests to control the clock.
func (c *Chore) SetNow(nowFn func() time.Time) { c.nowFn = nowFn }

// Run starts the chore loop.
func (c *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return c.Loop.Run(ctx, func(ctx context.Context) error {
		if err := c.RunOnce(ctx); err != nil && !ErrNotFound.Has(err) {
			c.log.Error("backfill pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore loop.
func (c *Chore) Close() error {
	c.Loop.Close()
	return nil
}

// Trigger wakes the loop outside its schedule; the execute endpoint uses it.
func (c *Chore) Trigger() { c.Loop.Trigger() }

// RunOnce claims and executes at most one pending job. ErrNotFound means
// the queue was empty.
func (c *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := c.db.Claim(ctx, c.replica, c.nowFn().UTC())
	if err != nil {
		return err
	}
	return c.execute(ctx, job)
}

func (c *Chore) execute(ctx context.Context, job *Job) error {
	ld, err := c.loaders.GetActive(ctx, job.LoaderCode)
	if err != nil {
		return c.finish(ctx, job, StatusFailed, err)
	}

	c.log.Info("backfill job started",
		zap.Int64("job", job.ID),
		zap.String("loader", job.LoaderCode),
		zap.Int64("from", job.FromEpoch),
		zap.Int64("to", job.ToEpoch))

	from, to := job.Window()
	slice := ld.MaxQueryWindow()
	for cursor := from; cursor.Before(to); cursor = cursor.Add(slice) {
		upper := cursor.Add(slice)
		if upper.After(to) {
			upper = to
		}
		w := timewindow.Window{From: cursor, To: upper}

		result, err := c.executor.ExecuteWindow(ctx, ld, w, job.PurgeStrategy)
		if err != nil {
			return c.finish(ctx, job, StatusFailed, err)
		}
		if result.Outcome == scheduler.OutcomeSkipped {
			// A scheduled run holds the lock; surrender this attempt and
			// leave the job FAILED so the operator can resubmit.
			return c.finish(ctx, job, StatusFailed, Error.New("loader busy during backfill slice"))
		}
		if err := c.db.Progress(ctx, job.ID, Progress{
			RecordsLoaded:   result.Loaded,
			RecordsIngested: result.Ingested,
		}); err != nil {
			return c.finish(ctx, job, StatusFailed, err)
		}
	}
	return c.finish(ctx, job, StatusSuccess, nil)
}

func (c *Chore) finish(ctx context.Context, job *Job, status Status, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := c.db.Finish(ctx, job.ID, status, message, c.nowFn().UTC()); err != nil {
		c.log.Error("finishing backfill job failed",
			zap.Int64("job", job.ID),
			zap.Error(err))
		return Error.Wrap(err)
	}
	c.log.Info("backfill job finished",
		zap.Int64("job", job.ID),
		zap.String("loader", job.LoaderCode),
		zap.String("status", string(status)))
	return cause
}
