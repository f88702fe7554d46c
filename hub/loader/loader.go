// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package loader defines the ETL loader configuration entity, its versioning
// life cycle and the service operating on both.
package loader

import (
	"context"
	"regexp"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default loader errs class.
	Error = errs.Class("loader")
	// ErrNotFound is returned when a loader does not exist.
	ErrNotFound = errs.Class("loader not found")
	// ErrAlreadyExists is returned when a loader code is taken.
	ErrAlreadyExists = errs.Class("loader already exists")
	// ErrWrongState is returned when an operation is not valid for the
	// loader's current version or run state.
	ErrWrongState = errs.Class("loader wrong state")
	// ErrValidation is returned for invalid loader configurations.
	ErrValidation = errs.Class("loader validation")
)

var codeRx = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)

// PurgeStrategy determines how ingest treats rows already present in the
// run's window.
type PurgeStrategy string

// Purge strategies.
const (
	FailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	PurgeAndReload  PurgeStrategy = "PURGE_AND_RELOAD"
	SkipDuplicates  PurgeStrategy = "SKIP_DUPLICATES"
)

// Valid reports whether the strategy is one of the known values.
func (s PurgeStrategy) Valid() bool {
	switch s {
	case FailOnDuplicate, PurgeAndReload, SkipDuplicates:
		return true
	}
	return false
}

// LoadStatus is the runtime state of a loader.
type LoadStatus string

// Runtime states.
const (
	StatusIdle    LoadStatus = "IDLE"
	StatusRunning LoadStatus = "RUNNING"
	StatusFailed  LoadStatus = "FAILED"
	StatusPaused  LoadStatus = "PAUSED"
)

// VersionStatus is the versioning state of a loader configuration row.
type VersionStatus string

// Version states.
const (
	VersionActive   VersionStatus = "ACTIVE"
	VersionDraft    VersionStatus = "DRAFT"
	VersionPending  VersionStatus = "PENDING_APPROVAL"
	VersionArchived VersionStatus = "ARCHIVED"
	VersionRejected VersionStatus = "REJECTED"
)

// ApprovalStatus is the review state of a loader version.
type ApprovalStatus string

// Approval states.
const (
	ApprovalPending  ApprovalStatus = "PENDING_APPROVAL"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Loader is one version of an ETL loader configuration. Code is the stable
// business key shared by all versions; ID identifies one version row.
type Loader struct {
	ID   int64
	Code string

	SQL              string
	SourceCode       string
	MinIntervalSec   int64
	MaxIntervalSec   int64
	MaxQueryPeriod   int64
	MaxParallelExecs int64
	TimezoneOffset   int   // hours, -12..+14
	AggregationSec   int64 // 0 means not set
	PurgeStrategy    PurgeStrategy
	Enabled          bool

	LoadStatus          LoadStatus
	LastLoadTimestamp   *time.Time
	FailedSince         *time.Time
	ConsecutiveZeroRuns int64

	VersionStatus   VersionStatus
	VersionNumber   int64
	ParentVersionID *int64
	ApprovalStatus  ApprovalStatus
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectionReason string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the configuration invariants.
func (l *Loader) Validate() error {
	switch {
	case !codeRx.MatchString(l.Code):
		return ErrValidation.New("loaderCode must match [A-Z0-9_]{1,64}")
	case l.SQL == "":
		return ErrValidation.New("loaderSql is required")
	case l.SourceCode == "":
		return ErrValidation.New("sourceDatabase is required")
	case l.MinIntervalSec <= 0:
		return ErrValidation.New("minIntervalSeconds must be positive")
	case l.MaxIntervalSec <= 0:
		return ErrValidation.New("maxIntervalSeconds must be positive")
	case l.MaxQueryPeriod <= 0:
		return ErrValidation.New("maxQueryPeriodSeconds must be positive")
	case l.MaxParallelExecs < 1:
		return ErrValidation.New("maxParallelExecutions must be at least 1")
	case l.TimezoneOffset < -12 || l.TimezoneOffset > 14:
		return ErrValidation.New("sourceTimezoneOffsetHours must be within -12..+14")
	case l.AggregationSec < 0:
		return ErrValidation.New("aggregationPeriodSeconds must not be negative")
	case !l.PurgeStrategy.Valid():
		return ErrValidation.New("unknown purge strategy %q", l.PurgeStrategy)
	}
	if l.Enabled && l.VersionStatus != VersionActive {
		return ErrValidation.New("only an active version may be enabled")
	}
	return nil
}

// MaxQueryWindow returns the cap on a single run's window.
func (l *Loader) MaxQueryWindow() time.Duration {
	return time.Duration(l.MaxQueryPeriod) * time.Second
}

// DueLoader is a due-selection row: the active loader plus the failure
// bookkeeping the scheduler needs for backoff gating.
type DueLoader struct {
	Loader
	ConsecutiveFailures int64
	LastAttemptAt       *time.Time
}

// DB is the loader configuration storage.
//
// architecture: Database
type DB interface {
	// Insert stores a new version row.
	Insert(ctx context.Context, l *Loader) (*Loader, error)
	// Get returns a version row by internal id.
	Get(ctx context.Context, id int64) (*Loader, error)
	// GetActive returns the ACTIVE version for the code.
	GetActive(ctx context.Context, code string) (*Loader, error)
	// GetDraft returns the DRAFT or PENDING_APPROVAL version for the code.
	GetDraft(ctx context.Context, code string) (*Loader, error)
	// List returns the latest visible version per code (active, or the
	// sole draft when no active exists).
	List(ctx context.Context) ([]Loader, error)
	// ListVersions returns archived versions for the code, newest first.
	ListVersions(ctx context.Context, code string) ([]Loader, error)
	// UpdateDraft overwrites the draft row in place, keeping its id.
	UpdateDraft(ctx context.Context, l *Loader) error
	// Approve archives the current ACTIVE (if any), promotes the draft to
	// ACTIVE with the next version number and records approval metadata.
	// The promoted version inherits the outgoing version's watermark.
	// The whole transition is one transaction.
	Approve(ctx context.Context, draftID int64, approvedBy string) (*Loader, error)
	// Reject archives the draft with REJECTED status and the given reason.
	Reject(ctx context.Context, draftID int64, rejectedBy, reason string) error
	// ArchiveActive archives the ACTIVE version of the code (soft delete).
	ArchiveActive(ctx context.Context, code string, archivedBy string) error
	// DeleteDraft removes a draft row. Only DRAFT or PENDING_APPROVAL
	// versions may be deleted; active versions go through ArchiveActive.
	DeleteDraft(ctx context.Context, id int64) error
	// SetEnabled toggles the ACTIVE version of the code.
	SetEnabled(ctx context.Context, code string, enabled bool) error

	// DueLoaders returns enabled ACTIVE loaders in IDLE or FAILED state
	// ordered by (maxIntervalSeconds asc, lastLoadTimestamp asc nulls
	// first), joined with failure bookkeeping.
	DueLoaders(ctx context.Context, now time.Time) ([]DueLoader, error)
	// SetRunning flips the loader's runtime state to RUNNING.
	SetRunning(ctx context.Context, code string) error
	// FinishSuccess advances the watermark (never backward), updates the
	// zero-record counter and returns the loader to IDLE.
	FinishSuccess(ctx context.Context, code string, watermark time.Time, zeroRecords bool) error
	// FinishPartial returns the loader to IDLE without advancing the watermark.
	FinishPartial(ctx context.Context, code string) error
	// FinishFailure marks the loader FAILED, latching failedSince.
	FinishFailure(ctx context.Context, code string, failedAt time.Time) error
	// NormalizeRunning flips a RUNNING loader to FAILED; used by the reaper.
	NormalizeRunning(ctx context.Context, code string, failedAt time.Time) error
}
