// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"time"

	"github.com/signalhub/signalhub/hub/history"
)

// historyDB implements history.DB on loader_history.
type historyDB struct {
	db *DB
}

type historyRow struct {
	ID              int64      `db:"id"`
	LoaderCode      string     `db:"loader_code"`
	Status          string     `db:"status"`
	StartTime       time.Time  `db:"start_time"`
	EndTime         *time.Time `db:"end_time"`
	DurationSeconds int64      `db:"duration_seconds"`
	QueryFromTime   time.Time  `db:"query_from_time"`
	QueryToTime     time.Time  `db:"query_to_time"`
	ActualFromTime  *time.Time `db:"actual_from_time"`
	ActualToTime    *time.Time `db:"actual_to_time"`
	RecordsLoaded   int64      `db:"records_loaded"`
	RecordsIngested int64      `db:"records_ingested"`
	ErrorMessage    string     `db:"error_message"`
	ReplicaName     string     `db:"replica_name"`
	LoaderVersion   int64      `db:"loader_version"`
}

const historyColumns = `id, loader_code, status, start_time, end_time, duration_seconds,
	query_from_time, query_to_time, actual_from_time, actual_to_time,
	records_loaded, records_ingested, error_message, replica_name, loader_version`

func historyFromRow(row *historyRow) *history.Record {
	return &history.Record{
		ID:              row.ID,
		LoaderCode:      row.LoaderCode,
		Status:          history.Status(row.Status),
		StartTime:       row.StartTime,
		EndTime:         row.EndTime,
		DurationSeconds: row.DurationSeconds,
		QueryFromTime:   row.QueryFromTime,
		QueryToTime:     row.QueryToTime,
		ActualFromTime:  row.ActualFromTime,
		ActualToTime:    row.ActualToTime,
		RecordsLoaded:   row.RecordsLoaded,
		RecordsIngested: row.RecordsIngested,
		ErrorMessage:    row.ErrorMessage,
		ReplicaName:     row.ReplicaName,
		LoaderVersion:   row.LoaderVersion,
	}
}

func (hdb *historyDB) Start(ctx context.Context, rec *history.Record) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var id int64
	err = hdb.db.db.GetContext(ctx, &id, `
		INSERT INTO loader_history (
			loader_code, status, start_time, query_from_time, query_to_time,
			replica_name, loader_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		rec.LoaderCode, string(rec.Status), rec.StartTime,
		rec.QueryFromTime, rec.QueryToTime, rec.ReplicaName, rec.LoaderVersion)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

func (hdb *historyDB) Finalize(ctx context.Context, id int64, end time.Time, fin history.Finalization) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := hdb.db.db.ExecContext(ctx, `
		UPDATE loader_history SET
			status = $2,
			end_time = $3,
			duration_seconds = greatest(0, extract(epoch FROM $3::timestamptz - start_time)::bigint),
			records_loaded = $4,
			records_ingested = $5,
			actual_from_time = $6,
			actual_to_time = $7,
			error_message = $8
		WHERE id = $1 AND status = 'RUNNING'`,
		id, string(fin.Status), end,
		fin.RecordsLoaded, fin.RecordsIngested,
		fin.ActualFromTime, fin.ActualToTime, fin.ErrorMessage)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return history.ErrNotFound.New("no running execution %d", id)
	}
	return nil
}

func (hdb *historyDB) Get(ctx context.Context, id int64) (_ *history.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var row historyRow
	err = hdb.db.db.GetContext(ctx, &row, `
		SELECT `+historyColumns+` FROM loader_history WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, history.ErrNotFound.New("%d", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return historyFromRow(&row), nil
}

func (hdb *historyDB) List(ctx context.Context, loaderCode string, status history.Status, limit, offset int) (_ []history.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []historyRow
	if status != "" {
		err = hdb.db.db.SelectContext(ctx, &rows, `
			SELECT `+historyColumns+` FROM loader_history
			WHERE loader_code = $1 AND status = $2
			ORDER BY start_time DESC LIMIT $3 OFFSET $4`,
			loaderCode, string(status), limit, offset)
	} else {
		err = hdb.db.db.SelectContext(ctx, &rows, `
			SELECT `+historyColumns+` FROM loader_history
			WHERE loader_code = $1
			ORDER BY start_time DESC LIMIT $2 OFFSET $3`,
			loaderCode, limit, offset)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]history.Record, 0, len(rows))
	for i := range rows {
		out = append(out, *historyFromRow(&rows[i]))
	}
	return out, nil
}

func (hdb *historyDB) StaleRunning(ctx context.Context, olderThan time.Time) (_ []history.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []historyRow
	err = hdb.db.db.SelectContext(ctx, &rows, `
		SELECT `+historyColumns+` FROM loader_history
		WHERE status = 'RUNNING' AND start_time < $1
		ORDER BY start_time`, olderThan)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]history.Record, 0, len(rows))
	for i := range rows {
		out = append(out, *historyFromRow(&rows[i]))
	}
	return out, nil
}
