// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package backfill

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/signalhub/signalhub/hub/loader"
)

// Service validates and manages backfill jobs.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      DB
	loaders loader.DB

	nowFn func() time.Time
}

// NewService creates a backfill service.
func NewService(log *zap.Logger, db DB, loaders loader.DB) *Service {
	return &Service{log: log, db: db, loaders: loaders, nowFn: time.Now}
}

// SetNow allows tests to control the clock.
func (s *Service) SetNow(nowFn func() time.Time) { s.nowFn = nowFn }

// Create registers a PENDING job for the loader's active version. The
// window must lie in the past and not overlap a live job.
func (s *Service) Create(ctx context.Context, job *Job) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := job.Validate(); err != nil {
		return nil, err
	}
	now := s.nowFn().UTC()
	if job.ToEpoch > now.Unix() {
		return nil, Error.New("toTime must not be in the future")
	}
	if _, err := s.loaders.GetActive(ctx, job.LoaderCode); err != nil {
		return nil, err
	}

	job.Status = StatusPending
	job.CreatedAt = now
	created, err := s.db.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	s.log.Info("backfill job created",
		zap.Int64("job", created.ID),
		zap.String("loader", created.LoaderCode),
		zap.Int64("from", created.FromEpoch),
		zap.Int64("to", created.ToEpoch),
		zap.String("requested by", created.RequestedBy))
	return created, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id int64) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.db.Get(ctx, id)
}

// List returns jobs newest first.
func (s *Service) List(ctx context.Context, loaderCode string, limit, offset int) (_ []Job, err error) {
	defer mon.Task()(&ctx)(&err)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.db.List(ctx, loaderCode, limit, offset)
}

// Cancel cancels a PENDING job.
func (s *Service) Cancel(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.Cancel(ctx, id); err != nil {
		return err
	}
	s.log.Info("backfill job cancelled", zap.Int64("job", id))
	return nil
}
