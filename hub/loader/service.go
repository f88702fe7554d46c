// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package loader

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Service implements the versioned loader configuration workflow: every
// change is a draft which becomes active only through approval.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	db        DB
	approvals ApprovalDB

	nowFn func() time.Time
}

// NewService creates a new loader service.
func NewService(log *zap.Logger, db DB, approvals ApprovalDB) (*Service, error) {
	if log == nil {
		return nil, errs.New("log can't be nil")
	}
	if db == nil {
		return nil, errs.New("db can't be nil")
	}
	if approvals == nil {
		return nil, errs.New("approvals can't be nil")
	}
	return &Service{log: log, db: db, approvals: approvals, nowFn: time.Now}, nil
}

// SetNow allows tests to control the clock.
func (s *Service) SetNow(nowFn func() time.Time) { s.nowFn = nowFn }

// Create validates and stores a brand new loader as a version pending
// approval. The code must not be in use by any live version.
func (s *Service) Create(ctx context.Context, l Loader, createdBy string) (_ *Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	l.VersionStatus = VersionPending
	l.ApprovalStatus = ApprovalPending
	l.VersionNumber = 0
	l.Enabled = false
	l.LoadStatus = StatusPaused
	l.CreatedBy = createdBy
	if err := l.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.db.GetActive(ctx, l.Code); err == nil && existing != nil {
		return nil, ErrAlreadyExists.New("%s", l.Code)
	}
	if existing, err := s.db.GetDraft(ctx, l.Code); err == nil && existing != nil {
		return nil, ErrAlreadyExists.New("%s has a pending version", l.Code)
	}

	created, err := s.db.Insert(ctx, &l)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := s.openRequest(ctx, created, nil, RequestCreate, createdBy); err != nil {
		return nil, err
	}

	s.log.Info("loader created",
		zap.String("code", created.Code),
		zap.String("created by", createdBy))
	return created, nil
}

// Update stages an edit of the loader as a draft pending approval. An
// existing draft for the code is replaced in place, so cumulative edits
// share one version row. The active version is never edited directly.
func (s *Service) Update(ctx context.Context, code string, proposed Loader, updatedBy string) (_ *Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	active, err := s.db.GetActive(ctx, code)
	if err != nil {
		return nil, err
	}

	proposed.Code = code // loaderCode is immutable
	proposed.VersionStatus = VersionPending
	proposed.ApprovalStatus = ApprovalPending
	proposed.Enabled = false
	proposed.LoadStatus = StatusPaused
	proposed.ParentVersionID = &active.ID
	proposed.CreatedBy = updatedBy
	if err := proposed.Validate(); err != nil {
		return nil, err
	}

	draft, err := s.db.GetDraft(ctx, code)
	if err == nil && draft != nil {
		proposed.ID = draft.ID
		if err := s.db.UpdateDraft(ctx, &proposed); err != nil {
			return nil, Error.Wrap(err)
		}
	} else {
		created, err := s.db.Insert(ctx, &proposed)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		proposed = *created
	}

	// Replacing a draft supersedes its pending request as well.
	if pending, err := s.approvals.GetPending(ctx, EntityLoader, code); err == nil && pending != nil {
		if err := s.approvals.Decide(ctx, pending.ID, ApprovalRejected, updatedBy, "superseded by newer draft"); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if err := s.openRequest(ctx, &proposed, active, RequestUpdate, updatedBy); err != nil {
		return nil, err
	}

	return &proposed, nil
}

// Approve archives the current active version, promotes the pending draft
// and closes the approval request.
func (s *Service) Approve(ctx context.Context, code, approvedBy string) (_ *Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	draft, err := s.db.GetDraft(ctx, code)
	if err != nil {
		return nil, err
	}
	if draft.VersionStatus != VersionPending {
		return nil, ErrWrongState.New("version %d of %s is not awaiting approval", draft.VersionNumber, code)
	}

	promoted, err := s.db.Approve(ctx, draft.ID, approvedBy)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if pending, err := s.approvals.GetPending(ctx, EntityLoader, code); err == nil && pending != nil {
		if err := s.approvals.Decide(ctx, pending.ID, ApprovalApproved, approvedBy, ""); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	s.log.Info("loader version approved",
		zap.String("code", code),
		zap.Int64("version", promoted.VersionNumber),
		zap.String("approved by", approvedBy))
	return promoted, nil
}

// Reject archives the pending draft with a rejection reason. The archive
// is immutable; resubmission requires a new draft.
func (s *Service) Reject(ctx context.Context, code, rejectedBy, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	draft, err := s.db.GetDraft(ctx, code)
	if err != nil {
		return err
	}
	if draft.VersionStatus != VersionPending {
		return ErrWrongState.New("version %d of %s is not awaiting approval", draft.VersionNumber, code)
	}

	if err := s.db.Reject(ctx, draft.ID, rejectedBy, reason); err != nil {
		return Error.Wrap(err)
	}
	if pending, err := s.approvals.GetPending(ctx, EntityLoader, code); err == nil && pending != nil {
		if err := s.approvals.Decide(ctx, pending.ID, ApprovalRejected, rejectedBy, reason); err != nil {
			return Error.Wrap(err)
		}
	}

	s.log.Info("loader version rejected",
		zap.String("code", code),
		zap.String("rejected by", rejectedBy),
		zap.String("reason", reason))
	return nil
}

// Rollback stages an archived version as a new draft pending approval.
func (s *Service) Rollback(ctx context.Context, code string, targetVersion int64, requestedBy string) (_ *Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	versions, err := s.db.ListVersions(ctx, code)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.VersionNumber == targetVersion {
			v.ID = 0
			v.Enabled = false
			return s.Update(ctx, code, v, requestedBy)
		}
	}
	return nil, ErrNotFound.New("%s version %d", code, targetVersion)
}

// Toggle enables or disables the active version. Enabling a disabled
// loader returns it to IDLE; disabling pauses it.
func (s *Service) Toggle(ctx context.Context, code string, enabled bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	active, err := s.db.GetActive(ctx, code)
	if err != nil {
		return err
	}
	if active.LoadStatus == StatusRunning {
		return ErrWrongState.New("%s is running", code)
	}
	return Error.Wrap(s.db.SetEnabled(ctx, code, enabled))
}

// Delete removes a draft version outright. Active versions must go
// through Archive instead; direct deletion is forbidden.
func (s *Service) Delete(ctx context.Context, code string) (err error) {
	defer mon.Task()(&ctx)(&err)

	draft, err := s.db.GetDraft(ctx, code)
	if err != nil {
		if active, aerr := s.db.GetActive(ctx, code); aerr == nil && active != nil {
			return ErrWrongState.New("%s is active; archive it instead", code)
		}
		return err
	}
	if draft.VersionStatus != VersionDraft && draft.VersionStatus != VersionPending {
		return ErrWrongState.New("%s version %d cannot be deleted", code, draft.VersionNumber)
	}
	if pending, err := s.approvals.GetPending(ctx, EntityLoader, code); err == nil && pending != nil {
		if err := s.approvals.Decide(ctx, pending.ID, ApprovalRejected, "", "draft deleted"); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(s.db.DeleteDraft(ctx, draft.ID))
}

// Archive retires the active version of the code.
func (s *Service) Archive(ctx context.Context, code, archivedBy string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.db.ArchiveActive(ctx, code, archivedBy))
}

// Get returns the visible version for the code: the active version when
// one exists, otherwise the pending draft.
func (s *Service) Get(ctx context.Context, code string) (_ *Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	if active, err := s.db.GetActive(ctx, code); err == nil && active != nil {
		return active, nil
	}
	return s.db.GetDraft(ctx, code)
}

// List returns the latest visible version of every loader.
func (s *Service) List(ctx context.Context) (_ []Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.db.List(ctx)
}

// ListVersions returns the archived versions of the code, newest first.
func (s *Service) ListVersions(ctx context.Context, code string) (_ []Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.db.ListVersions(ctx, code)
}

func (s *Service) openRequest(ctx context.Context, proposed, current *Loader, kind RequestType, requestedBy string) error {
	requestData, err := json.Marshal(proposed)
	if err != nil {
		return Error.Wrap(err)
	}
	var currentData []byte
	if current != nil {
		currentData, err = json.Marshal(current)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	_, err = s.approvals.Create(ctx, &ApprovalRequest{
		EntityType:     EntityLoader,
		EntityID:       proposed.Code,
		RequestType:    kind,
		ApprovalStatus: ApprovalPending,
		RequestData:    requestData,
		CurrentData:    currentData,
		RequestedBy:    requestedBy,
		CreatedAt:      s.nowFn().UTC(),
	})
	return Error.Wrap(err)
}
