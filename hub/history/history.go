// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package history keeps the append-only log of loader executions.
package history

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

var (
	mon = monkit.Package()

	// Error is the default history errs class.
	Error = errs.Class("history")
	// ErrNotFound is returned when a history row does not exist.
	ErrNotFound = errs.Class("history not found")
)

// Status is the state of one execution.
type Status string

// Execution states. RUNNING flips exactly once to a terminal state.
const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPartial Status = "PARTIAL"
)

// Record is one execution of a loader.
type Record struct {
	ID         int64
	LoaderCode string
	Status     Status

	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int64

	QueryFromTime  time.Time
	QueryToTime    time.Time
	ActualFromTime *time.Time
	ActualToTime   *time.Time

	RecordsLoaded   int64
	RecordsIngested int64
	ErrorMessage    string

	ReplicaName   string
	LoaderVersion int64
}

// Finalization carries the terminal fields of a finished run.
type Finalization struct {
	Status          Status
	RecordsLoaded   int64
	RecordsIngested int64
	ActualFromTime  *time.Time
	ActualToTime    *time.Time
	ErrorMessage    string
}

// DB is the execution history storage. Finalize updates a row exactly
// once, guarded on the row still being RUNNING.
//
// architecture: Database
type DB interface {
	Start(ctx context.Context, rec *Record) (int64, error)
	Finalize(ctx context.Context, id int64, end time.Time, fin Finalization) error
	Get(ctx context.Context, id int64) (*Record, error)
	List(ctx context.Context, loaderCode string, status Status, limit, offset int) ([]Record, error)
	// StaleRunning returns RUNNING rows whose start time is older than
	// the cutoff; used by the reaper to normalize abandoned runs.
	StaleRunning(ctx context.Context, olderThan time.Time) ([]Record, error)
}

// Store is the execution history service.
//
// architecture: Service
type Store struct {
	log *zap.Logger
	db  DB
}

// NewStore creates a history store.
func NewStore(log *zap.Logger, db DB) *Store {
	return &Store{log: log, db: db}
}

// Start opens a RUNNING history row for the run and returns its id.
func (s *Store) Start(ctx context.Context, loaderCode string, version int64, replica string, w timewindow.Window, start time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	return s.db.Start(ctx, &Record{
		LoaderCode:    loaderCode,
		Status:        StatusRunning,
		StartTime:     start.UTC(),
		QueryFromTime: w.From,
		QueryToTime:   w.To,
		ReplicaName:   replica,
		LoaderVersion: version,
	})
}

// Finalize flips the RUNNING row to its terminal status.
func (s *Store) Finalize(ctx context.Context, id int64, end time.Time, fin Finalization) (err error) {
	defer mon.Task()(&ctx)(&err)

	if fin.Status == StatusRunning {
		return Error.New("cannot finalize to RUNNING")
	}
	return s.db.Finalize(ctx, id, end.UTC(), fin)
}

// Get returns one execution record.
func (s *Store) Get(ctx context.Context, id int64) (_ *Record, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.db.Get(ctx, id)
}

// List returns executions of the loader, newest first.
func (s *Store) List(ctx context.Context, loaderCode string, status Status, limit, offset int) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.db.List(ctx, loaderCode, status, limit, offset)
}

// StaleRunning returns abandoned RUNNING rows older than the cutoff.
func (s *Store) StaleRunning(ctx context.Context, olderThan time.Time) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.db.StaleRunning(ctx, olderThan)
}
