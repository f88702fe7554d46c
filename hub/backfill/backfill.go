// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package backfill reloads historic windows for a loader outside the
// scheduled watermark flow.
package backfill

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/signalhub/signalhub/hub/loader"
)

var (
	mon = monkit.Package()

	// Error is the default backfill errs class.
	Error = errs.Class("backfill")
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errs.Class("backfill job not found")
	// ErrOverlap is returned when the window collides with a live job for
	// the same loader.
	ErrOverlap = errs.Class("backfill window overlap")
	// ErrWrongState is returned when a transition is not valid for the
	// job's current status.
	ErrWrongState = errs.Class("backfill wrong state")
)

// Status is the lifecycle state of a backfill job.
type Status string

// Job states. PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELLED};
// CANCELLED is reachable from PENDING only.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Job is one backfill request. The window is [FromEpoch, ToEpoch) in epoch
// seconds UTC; it is sliced into maxQueryPeriodSeconds chunks at run time.
type Job struct {
	ID            int64
	LoaderCode    string
	FromEpoch     int64
	ToEpoch       int64
	PurgeStrategy loader.PurgeStrategy
	Status        Status

	RecordsLoaded   int64
	RecordsIngested int64
	ErrorMessage    string

	RequestedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	ReplicaName string
}

// Window returns the job's bounds as times.
func (j *Job) Window() (from, to time.Time) {
	return time.Unix(j.FromEpoch, 0).UTC(), time.Unix(j.ToEpoch, 0).UTC()
}

// Validate checks the job invariants.
func (j *Job) Validate() error {
	switch {
	case j.LoaderCode == "":
		return Error.New("loaderCode is required")
	case j.FromEpoch >= j.ToEpoch:
		return Error.New("fromTime must be before toTime")
	case !j.PurgeStrategy.Valid():
		return Error.New("unknown purge strategy %q", j.PurgeStrategy)
	}
	return nil
}

// Progress carries counter deltas accumulated while a job runs.
type Progress struct {
	RecordsLoaded   int64
	RecordsIngested int64
}

// DB is the backfill job storage.
//
// architecture: Database
type DB interface {
	// Create stores a PENDING job; ErrOverlap when the window intersects
	// a PENDING or RUNNING job of the same loader.
	Create(ctx context.Context, job *Job) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	// List returns jobs newest first, optionally filtered by loader code.
	List(ctx context.Context, loaderCode string, limit, offset int) ([]Job, error)
	// Claim flips the oldest PENDING job to RUNNING for the replica and
	// returns it; ErrNotFound when none is pending.
	Claim(ctx context.Context, replica string, now time.Time) (*Job, error)
	// Progress adds counter deltas to a RUNNING job.
	Progress(ctx context.Context, id int64, delta Progress) error
	// Finish flips a RUNNING job to its terminal status.
	Finish(ctx context.Context, id int64, status Status, errorMessage string, finishedAt time.Time) error
	// Cancel flips a PENDING job to CANCELLED; ErrWrongState otherwise.
	Cancel(ctx context.Context, id int64) error
}
