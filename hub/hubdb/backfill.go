// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/loader"
)

// backfillDB implements backfill.DB on loader_backfill_jobs.
type backfillDB struct {
	db *DB
}

type backfillRow struct {
	ID              int64      `db:"id"`
	LoaderCode      string     `db:"loader_code"`
	FromEpoch       int64      `db:"from_epoch"`
	ToEpoch         int64      `db:"to_epoch"`
	PurgeStrategy   string     `db:"purge_strategy"`
	Status          string     `db:"status"`
	RecordsLoaded   int64      `db:"records_loaded"`
	RecordsIngested int64      `db:"records_ingested"`
	ErrorMessage    string     `db:"error_message"`
	RequestedBy     string     `db:"requested_by"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	ReplicaName     string     `db:"replica_name"`
}

const backfillColumns = `id, loader_code, from_epoch, to_epoch, purge_strategy, status,
	records_loaded, records_ingested, error_message,
	requested_by, created_at, started_at, finished_at, replica_name`

func backfillFromRow(row *backfillRow) *backfill.Job {
	return &backfill.Job{
		ID:              row.ID,
		LoaderCode:      row.LoaderCode,
		FromEpoch:       row.FromEpoch,
		ToEpoch:         row.ToEpoch,
		PurgeStrategy:   loader.PurgeStrategy(row.PurgeStrategy),
		Status:          backfill.Status(row.Status),
		RecordsLoaded:   row.RecordsLoaded,
		RecordsIngested: row.RecordsIngested,
		ErrorMessage:    row.ErrorMessage,
		RequestedBy:     row.RequestedBy,
		CreatedAt:       row.CreatedAt,
		StartedAt:       row.StartedAt,
		FinishedAt:      row.FinishedAt,
		ReplicaName:     row.ReplicaName,
	}
}

func (bdb *backfillDB) Create(ctx context.Context, job *backfill.Job) (_ *backfill.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var created *backfill.Job
	err = bdb.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var overlapping int64
		err := tx.GetContext(ctx, &overlapping, `
			SELECT count(*) FROM loader_backfill_jobs
			WHERE loader_code = $1
			  AND status IN ('PENDING', 'RUNNING')
			  AND from_epoch < $3 AND $2 < to_epoch`,
			job.LoaderCode, job.FromEpoch, job.ToEpoch)
		if err != nil {
			return Error.Wrap(err)
		}
		if overlapping > 0 {
			return backfill.ErrOverlap.New("window [%d, %d) for %s",
				job.FromEpoch, job.ToEpoch, job.LoaderCode)
		}

		var row backfillRow
		err = tx.GetContext(ctx, &row, `
			INSERT INTO loader_backfill_jobs (
				loader_code, from_epoch, to_epoch, purge_strategy, status, requested_by
			) VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+backfillColumns,
			job.LoaderCode, job.FromEpoch, job.ToEpoch,
			string(job.PurgeStrategy), string(backfill.StatusPending), job.RequestedBy)
		if err != nil {
			return Error.Wrap(err)
		}
		created = backfillFromRow(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (bdb *backfillDB) Get(ctx context.Context, id int64) (_ *backfill.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var row backfillRow
	err = bdb.db.db.GetContext(ctx, &row, `
		SELECT `+backfillColumns+` FROM loader_backfill_jobs WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, backfill.ErrNotFound.New("%d", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return backfillFromRow(&row), nil
}

func (bdb *backfillDB) List(ctx context.Context, loaderCode string, limit, offset int) (_ []backfill.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []backfillRow
	if loaderCode != "" {
		err = bdb.db.db.SelectContext(ctx, &rows, `
			SELECT `+backfillColumns+` FROM loader_backfill_jobs
			WHERE loader_code = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, loaderCode, limit, offset)
	} else {
		err = bdb.db.db.SelectContext(ctx, &rows, `
			SELECT `+backfillColumns+` FROM loader_backfill_jobs
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]backfill.Job, 0, len(rows))
	for i := range rows {
		out = append(out, *backfillFromRow(&rows[i]))
	}
	return out, nil
}

func (bdb *backfillDB) Claim(ctx context.Context, replica string, now time.Time) (_ *backfill.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var row backfillRow
	err = bdb.db.db.GetContext(ctx, &row, `
		UPDATE loader_backfill_jobs SET
			status = 'RUNNING', replica_name = $1, started_at = $2
		WHERE id = (
			SELECT id FROM loader_backfill_jobs
			WHERE status = 'PENDING'
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+backfillColumns, replica, now)
	if isNoRows(err) {
		return nil, backfill.ErrNotFound.New("no pending job")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return backfillFromRow(&row), nil
}

func (bdb *backfillDB) Progress(ctx context.Context, id int64, delta backfill.Progress) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := bdb.db.db.ExecContext(ctx, `
		UPDATE loader_backfill_jobs SET
			records_loaded = records_loaded + $2,
			records_ingested = records_ingested + $3
		WHERE id = $1 AND status = 'RUNNING'`,
		id, delta.RecordsLoaded, delta.RecordsIngested)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return backfill.ErrWrongState.New("job %d is not running", id)
	}
	return nil
}

func (bdb *backfillDB) Finish(ctx context.Context, id int64, status backfill.Status, errorMessage string, finishedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := bdb.db.db.ExecContext(ctx, `
		UPDATE loader_backfill_jobs SET
			status = $2, error_message = $3, finished_at = $4
		WHERE id = $1 AND status = 'RUNNING'`,
		id, string(status), errorMessage, finishedAt)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return backfill.ErrWrongState.New("job %d is not running", id)
	}
	return nil
}

func (bdb *backfillDB) Cancel(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := bdb.db.db.ExecContext(ctx, `
		UPDATE loader_backfill_jobs SET status = 'CANCELLED', finished_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return backfill.ErrWrongState.New("job %d is not pending", id)
	}
	return nil
}
