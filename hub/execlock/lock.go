// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package execlock provides best-effort mutual exclusion per loader across
// replicas, backed by lock rows in the central store.
package execlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default execlock errs class.
	Error = errs.Class("execlock")
	// ErrBusy is returned when another replica holds the loader's lock.
	ErrBusy = errs.Class("loader busy")
	// ErrAlreadyReleased is returned on double release.
	ErrAlreadyReleased = errs.Class("lock already released")
)

// Lock is one lock acquisition row.
type Lock struct {
	ID          uuid.UUID
	LoaderCode  string
	ReplicaName string
	AcquiredAt  time.Time
	Released    bool
	ReleasedAt  *time.Time
	HistoryID   *int64
	Version     int64
}

// DB is the lock row storage. At most one non-released row may exist per
// loader code at any consistent snapshot; Acquire returns ErrBusy to the
// losers of a race.
//
// architecture: Database
type DB interface {
	Acquire(ctx context.Context, lock *Lock) error
	// Release marks the lock released, guarded by the optimistic version.
	Release(ctx context.Context, id uuid.UUID, version int64, releasedAt time.Time) error
	AttachHistory(ctx context.Context, id uuid.UUID, historyID int64) error
	// Stale returns non-released locks acquired before the cutoff.
	Stale(ctx context.Context, olderThan time.Time) ([]Lock, error)
}

// Manager acquires and releases loader execution locks for one replica.
//
// architecture: Service
type Manager struct {
	log     *zap.Logger
	db      DB
	replica string

	nowFn func() time.Time
}

// NewManager creates a lock manager for the replica.
func NewManager(log *zap.Logger, db DB, replica string) *Manager {
	return &Manager{log: log, db: db, replica: replica, nowFn: time.Now}
}

// SetNow allows tests to control the clock.
func (m *Manager) SetNow(nowFn func() time.Time) { m.nowFn = nowFn }

// Replica returns the replica name this manager acquires locks as.
func (m *Manager) Replica() string { return m.replica }

// Handle is a held lock.
type Handle struct {
	lock    Lock
	manager *Manager
}

// ID returns the lock id.
func (h *Handle) ID() uuid.UUID { return h.lock.ID }

// TryAcquire attempts to take the loader's lock. ErrBusy means another
// run is in progress somewhere in the cluster.
func (m *Manager) TryAcquire(ctx context.Context, loaderCode string) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	lock := Lock{
		ID:          uuid.New(),
		LoaderCode:  loaderCode,
		ReplicaName: m.replica,
		AcquiredAt:  m.nowFn().UTC(),
	}
	if err := m.db.Acquire(ctx, &lock); err != nil {
		return nil, err
	}

	m.log.Debug("lock acquired",
		zap.String("loader", loaderCode),
		zap.Stringer("lock", lock.ID))
	return &Handle{lock: lock, manager: m}, nil
}

// AttachHistory links the held lock to its execution history row.
func (m *Manager) AttachHistory(ctx context.Context, handle *Handle, historyID int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return m.db.AttachHistory(ctx, handle.lock.ID, historyID)
}

// Release releases the held lock. Releasing twice returns ErrAlreadyReleased.
func (m *Manager) Release(ctx context.Context, handle *Handle) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = m.db.Release(ctx, handle.lock.ID, handle.lock.Version, m.nowFn().UTC())
	if err != nil {
		return err
	}
	m.log.Debug("lock released",
		zap.String("loader", handle.lock.LoaderCode),
		zap.Stringer("lock", handle.lock.ID))
	return nil
}
