// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/signalhub/signalhub/hub/execlock"
)

// locksDB implements execlock.DB on loader_execution_locks. The partial
// unique index on (loader_code) WHERE NOT released turns a lost acquire
// race into a unique violation, reported as ErrBusy.
type locksDB struct {
	db *DB
}

type lockRow struct {
	ID          uuid.UUID  `db:"id"`
	LoaderCode  string     `db:"loader_code"`
	ReplicaName string     `db:"replica_name"`
	AcquiredAt  time.Time  `db:"acquired_at"`
	Released    bool       `db:"released"`
	ReleasedAt  *time.Time `db:"released_at"`
	HistoryID   *int64     `db:"history_id"`
	Version     int64      `db:"version"`
}

func (ldb *locksDB) Acquire(ctx context.Context, lock *execlock.Lock) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = ldb.db.db.ExecContext(ctx, `
		INSERT INTO loader_execution_locks (id, loader_code, replica_name, acquired_at)
		VALUES ($1, $2, $3, $4)`,
		lock.ID, lock.LoaderCode, lock.ReplicaName, lock.AcquiredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return execlock.ErrBusy.New("%s", lock.LoaderCode)
		}
		return Error.Wrap(err)
	}
	return nil
}

func (ldb *locksDB) Release(ctx context.Context, id uuid.UUID, version int64, releasedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_execution_locks SET
			released = true, released_at = $3, version = version + 1
		WHERE id = $1 AND version = $2 AND NOT released`,
		id, version, releasedAt)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return execlock.ErrAlreadyReleased.New("%s", id)
	}
	return nil
}

func (ldb *locksDB) AttachHistory(ctx context.Context, id uuid.UUID, historyID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_execution_locks SET history_id = $2
		WHERE id = $1 AND NOT released`, id, historyID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return execlock.ErrAlreadyReleased.New("%s", id)
	}
	return nil
}

func (ldb *locksDB) Stale(ctx context.Context, olderThan time.Time) (_ []execlock.Lock, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []lockRow
	err = ldb.db.db.SelectContext(ctx, &rows, `
		SELECT id, loader_code, replica_name, acquired_at, released, released_at, history_id, version
		FROM loader_execution_locks
		WHERE NOT released AND acquired_at < $1
		ORDER BY acquired_at`, olderThan)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]execlock.Lock, 0, len(rows))
	for _, row := range rows {
		out = append(out, execlock.Lock(row))
	}
	return out, nil
}
