// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package scheduler polls for due loaders and drives their runs end to end.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
	"github.com/signalhub/signalhub/hub/query"
	"github.com/signalhub/signalhub/hub/signals"
)

var (
	mon = monkit.Package()

	// Error is the default scheduler errs class.
	Error = errs.Class("scheduler")

	runsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalhub_loader_runs_total",
		Help: "Loader runs by terminal outcome.",
	}, []string{"loader", "outcome"})
)

// Config holds scheduler settings.
type Config struct {
	Interval        time.Duration `help:"how often to poll for due loaders" default:"1s"`
	Workers         int           `help:"how many loader runs may execute concurrently on this replica" default:"10"`
	DefaultLookback time.Duration `help:"window lower bound for loaders that never ran" default:"24h"`
	BackoffBase     time.Duration `help:"first retry delay after a failed run" default:"30s"`
	BackoffMax      time.Duration `help:"retry delay cap for repeatedly failing loaders" default:"30m"`
}

// QueryRunner executes a loader's extraction query against its source.
type QueryRunner interface {
	Run(ctx context.Context, ld *loader.Loader, w timewindow.Window) ([]query.Row, error)
}

// Ingester writes transformed records to the signal store.
type Ingester interface {
	Apply(ctx context.Context, ld *loader.Loader, w timewindow.Window, records []signals.Record, strategy loader.PurgeStrategy, loadHistoryID int64) (signals.IngestResult, error)
}

// Outcome is the terminal classification of one run attempt.
type Outcome string

// Run outcomes. Skipped means the lock was busy and nothing was persisted.
const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// RunResult reports what a single run attempt did.
type RunResult struct {
	Outcome   Outcome
	HistoryID int64
	Window    timewindow.Window
	Loaded    int64
	Ingested  int64
	Skipped   int64
	Purged    int64
}

// Executor orchestrates one loader run: lock, history row, window, query,
// transform, ingest, finalization. Mutual exclusion across replicas is owed
// entirely to the lock manager.
//
// architecture: Service
type Executor struct {
	log     *zap.Logger
	loaders loader.DB
	locks   *execlock.Manager
	history *history.Store
	runner  QueryRunner
	dict    signals.Interner
	ingest  Ingester
	config  Config

	nowFn func() time.Time
}

// NewExecutor creates a run executor.
func NewExecutor(log *zap.Logger, loaders loader.DB, locks *execlock.Manager, historyStore *history.Store, runner QueryRunner, dict signals.Interner, ingest Ingester, config Config) *Executor {
	return &Executor{
		log:     log,
		loaders: loaders,
		locks:   locks,
		history: historyStore,
		runner:  runner,
		dict:    dict,
		ingest:  ingest,
		config:  config,
		nowFn:   time.Now,
	}
}

// SetNow allows tests to control the clock.
func (e *Executor) SetNow(nowFn func() time.Time) { e.nowFn = nowFn }

// Execute runs one scheduled load for the loader. The window is computed
// from the watermark as stored once the lock is held, so a run finished by
// another replica after the scheduler tick is never re-loaded; on SUCCESS
// the watermark advances to the window's upper bound even when zero rows
// were produced.
func (e *Executor) Execute(ctx context.Context, ld *loader.Loader) (_ RunResult, err error) {
	defer mon.Task()(&ctx)(&err)
	return e.run(ctx, ld, nil, ld.PurgeStrategy, true)
}

// ExecuteWindow runs one load over an explicit window with an explicit purge
// strategy; the watermark is never advanced. Backfills go through here.
func (e *Executor) ExecuteWindow(ctx context.Context, ld *loader.Loader, w timewindow.Window, strategy loader.PurgeStrategy) (_ RunResult, err error) {
	defer mon.Task()(&ctx)(&err)
	return e.run(ctx, ld, &w, strategy, false)
}

func (e *Executor) run(ctx context.Context, ld *loader.Loader, w *timewindow.Window, strategy loader.PurgeStrategy, advanceWatermark bool) (result RunResult, err error) {
	handle, err := e.locks.TryAcquire(ctx, ld.Code)
	if err != nil {
		if execlock.ErrBusy.Has(err) {
			result.Outcome = OutcomeSkipped
			runsCounter.WithLabelValues(ld.Code, string(OutcomeSkipped)).Inc()
			return result, nil
		}
		return result, Error.Wrap(err)
	}
	defer func() {
		if releaseErr := e.locks.Release(ctx, handle); releaseErr != nil {
			e.log.Error("lock release failed",
				zap.String("loader", ld.Code),
				zap.Error(releaseErr))
		}
	}()

	if w == nil {
		// The snapshot from the scheduler tick may be stale by the time the
		// lock is held: another replica can finish a run in between. The
		// window must come from the watermark as stored under the lock.
		fresh, err := e.loaders.GetActive(ctx, ld.Code)
		if err != nil {
			return result, Error.Wrap(err)
		}
		ld = fresh
		strategy = fresh.PurgeStrategy

		now := e.nowFn().UTC()
		computed, minimal := timewindow.Compute(fresh.LastLoadTimestamp, fresh.MaxQueryWindow(), e.config.DefaultLookback, now)
		if minimal {
			e.log.Warn("window collapsed to minimal width",
				zap.String("loader", ld.Code),
				zap.Time("from", computed.From),
				zap.Time("to", computed.To))
		}
		w = &computed
	}
	window := *w
	result.Window = window

	start := e.nowFn().UTC()
	historyID, err := e.history.Start(ctx, ld.Code, ld.VersionNumber, e.locks.Replica(), window, start)
	if err != nil {
		return result, Error.Wrap(err)
	}
	result.HistoryID = historyID
	if err := e.locks.AttachHistory(ctx, handle, historyID); err != nil {
		e.log.Warn("attaching history to lock failed",
			zap.String("loader", ld.Code),
			zap.Error(err))
	}
	if err := e.loaders.SetRunning(ctx, ld.Code); err != nil {
		return e.fail(ctx, ld, result, Error.Wrap(err))
	}

	rows, err := e.runner.Run(ctx, ld, window)
	if err != nil {
		return e.fail(ctx, ld, result, err)
	}
	records, observed, err := signals.Transform(ctx, ld, rows, e.dict)
	if err != nil {
		return e.fail(ctx, ld, result, err)
	}
	result.Loaded = int64(len(records))

	ingested, err := e.ingest.Apply(ctx, ld, window, records, strategy, historyID)
	if err != nil {
		if signals.ErrDuplicate.Has(err) {
			return e.partial(ctx, ld, result, err)
		}
		return e.fail(ctx, ld, result, err)
	}
	result.Ingested = ingested.Ingested
	result.Skipped = ingested.Skipped
	result.Purged = ingested.Purged

	end := e.nowFn().UTC()
	fin := history.Finalization{
		Status:          history.StatusSuccess,
		RecordsLoaded:   result.Loaded,
		RecordsIngested: result.Ingested,
	}
	if observed.Any {
		from, to := observed.From, observed.To
		fin.ActualFromTime = &from
		fin.ActualToTime = &to
	}
	if err := e.history.Finalize(ctx, historyID, end, fin); err != nil {
		return e.fail(ctx, ld, result, Error.Wrap(err))
	}

	if advanceWatermark {
		if err := e.loaders.FinishSuccess(ctx, ld.Code, window.To, result.Loaded == 0); err != nil {
			return result, Error.Wrap(err)
		}
	} else {
		if err := e.loaders.FinishPartial(ctx, ld.Code); err != nil {
			return result, Error.Wrap(err)
		}
	}

	result.Outcome = OutcomeSuccess
	runsCounter.WithLabelValues(ld.Code, string(OutcomeSuccess)).Inc()
	e.log.Info("run finished",
		zap.String("loader", ld.Code),
		zap.Int64("history", historyID),
		zap.Time("from", window.From),
		zap.Time("to", window.To),
		zap.Int64("loaded", result.Loaded),
		zap.Int64("ingested", result.Ingested),
		zap.Duration("elapsed", end.Sub(start)))
	return result, nil
}

// partial handles a FAIL_ON_DUPLICATE conflict: the run ends PARTIAL, the
// loader returns to IDLE and the watermark stays put so the window can be
// re-examined after the operator purges.
func (e *Executor) partial(ctx context.Context, ld *loader.Loader, result RunResult, cause error) (RunResult, error) {
	now := e.nowFn().UTC()
	var group errs.Group
	group.Add(e.history.Finalize(ctx, result.HistoryID, now, history.Finalization{
		Status:        history.StatusPartial,
		RecordsLoaded: result.Loaded,
		ErrorMessage:  cause.Error(),
	}))
	group.Add(e.loaders.FinishPartial(ctx, ld.Code))

	result.Outcome = OutcomePartial
	runsCounter.WithLabelValues(ld.Code, string(OutcomePartial)).Inc()
	e.log.Warn("run partial: window already contains data",
		zap.String("loader", ld.Code),
		zap.Int64("history", result.HistoryID),
		zap.Error(cause))
	return result, group.Err()
}

func (e *Executor) fail(ctx context.Context, ld *loader.Loader, result RunResult, cause error) (RunResult, error) {
	now := e.nowFn().UTC()
	var group errs.Group
	group.Add(cause)
	if result.HistoryID != 0 {
		group.Add(e.history.Finalize(ctx, result.HistoryID, now, history.Finalization{
			Status:       history.StatusFailed,
			ErrorMessage: cause.Error(),
		}))
	}
	group.Add(e.loaders.FinishFailure(ctx, ld.Code, now))

	result.Outcome = OutcomeFailed
	runsCounter.WithLabelValues(ld.Code, string(OutcomeFailed)).Inc()
	e.log.Error("run failed",
		zap.String("loader", ld.Code),
		zap.Int64("history", result.HistoryID),
		zap.Error(cause))
	return result, group.Err()
}
