// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalhub/signalhub/hub/loader"
)

// loadersDB implements loader.DB on the loader_configs and
// loader_config_archive tables.
type loadersDB struct {
	db *DB
}

type loaderRow struct {
	ID                  int64      `db:"id"`
	Code                string     `db:"code"`
	LoaderSQL           string     `db:"loader_sql"`
	SourceCode          string     `db:"source_code"`
	MinIntervalSec      int64      `db:"min_interval_sec"`
	MaxIntervalSec      int64      `db:"max_interval_sec"`
	MaxQueryPeriodSec   int64      `db:"max_query_period_sec"`
	MaxParallelExecs    int64      `db:"max_parallel_execs"`
	TimezoneOffset      int        `db:"timezone_offset"`
	AggregationSec      int64      `db:"aggregation_sec"`
	PurgeStrategy       string     `db:"purge_strategy"`
	Enabled             bool       `db:"enabled"`
	LoadStatus          string     `db:"load_status"`
	LastLoadTimestamp   *time.Time `db:"last_load_timestamp"`
	FailedSince         *time.Time `db:"failed_since"`
	ConsecutiveZeroRuns int64      `db:"consecutive_zero_runs"`
	ConsecutiveFailures int64      `db:"consecutive_failures"`
	LastAttemptAt       *time.Time `db:"last_attempt_at"`
	VersionStatus       string     `db:"version_status"`
	VersionNumber       int64      `db:"version_number"`
	ParentVersionID     *int64     `db:"parent_version_id"`
	ApprovalStatus      string     `db:"approval_status"`
	ApprovedBy          string     `db:"approved_by"`
	ApprovedAt          *time.Time `db:"approved_at"`
	RejectionReason     string     `db:"rejection_reason"`
	CreatedBy           string     `db:"created_by"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

const loaderColumns = `id, code, loader_sql, source_code,
	min_interval_sec, max_interval_sec, max_query_period_sec, max_parallel_execs,
	timezone_offset, aggregation_sec, purge_strategy, enabled,
	load_status, last_load_timestamp, failed_since, consecutive_zero_runs,
	consecutive_failures, last_attempt_at,
	version_status, version_number, parent_version_id,
	approval_status, approved_by, approved_at, rejection_reason,
	created_by, created_at, updated_at`

func (ldb *loadersDB) fromRow(row *loaderRow) (*loader.Loader, error) {
	plainSQL, err := ldb.db.secret.decryptString(row.LoaderSQL)
	if err != nil {
		return nil, err
	}
	return &loader.Loader{
		ID:                  row.ID,
		Code:                row.Code,
		SQL:                 plainSQL,
		SourceCode:          row.SourceCode,
		MinIntervalSec:      row.MinIntervalSec,
		MaxIntervalSec:      row.MaxIntervalSec,
		MaxQueryPeriod:      row.MaxQueryPeriodSec,
		MaxParallelExecs:    row.MaxParallelExecs,
		TimezoneOffset:      row.TimezoneOffset,
		AggregationSec:      row.AggregationSec,
		PurgeStrategy:       loader.PurgeStrategy(row.PurgeStrategy),
		Enabled:             row.Enabled,
		LoadStatus:          loader.LoadStatus(row.LoadStatus),
		LastLoadTimestamp:   row.LastLoadTimestamp,
		FailedSince:         row.FailedSince,
		ConsecutiveZeroRuns: row.ConsecutiveZeroRuns,
		VersionStatus:       loader.VersionStatus(row.VersionStatus),
		VersionNumber:       row.VersionNumber,
		ParentVersionID:     row.ParentVersionID,
		ApprovalStatus:      loader.ApprovalStatus(row.ApprovalStatus),
		ApprovedBy:          row.ApprovedBy,
		ApprovedAt:          row.ApprovedAt,
		RejectionReason:     row.RejectionReason,
		CreatedBy:           row.CreatedBy,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}, nil
}

func (ldb *loadersDB) Insert(ctx context.Context, l *loader.Loader) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	sealed, err := ldb.db.secret.encryptString(l.SQL)
	if err != nil {
		return nil, err
	}
	var row loaderRow
	err = ldb.db.db.GetContext(ctx, &row, `
		INSERT INTO loader_configs (
			code, loader_sql, source_code,
			min_interval_sec, max_interval_sec, max_query_period_sec, max_parallel_execs,
			timezone_offset, aggregation_sec, purge_strategy, enabled,
			load_status, version_status, version_number, parent_version_id,
			approval_status, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING `+loaderColumns,
		l.Code, sealed, l.SourceCode,
		l.MinIntervalSec, l.MaxIntervalSec, l.MaxQueryPeriod, l.MaxParallelExecs,
		l.TimezoneOffset, l.AggregationSec, string(l.PurgeStrategy), l.Enabled,
		string(l.LoadStatus), string(l.VersionStatus), l.VersionNumber, l.ParentVersionID,
		string(l.ApprovalStatus), l.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, loader.ErrAlreadyExists.New("%s", l.Code)
		}
		return nil, Error.Wrap(err)
	}
	return ldb.fromRow(&row)
}

func (ldb *loadersDB) getWhere(ctx context.Context, where string, args ...interface{}) (*loader.Loader, error) {
	var row loaderRow
	err := ldb.db.db.GetContext(ctx, &row,
		`SELECT `+loaderColumns+` FROM loader_configs WHERE `+where, args...)
	if isNoRows(err) {
		return nil, loader.ErrNotFound.New("%v", args)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ldb.fromRow(&row)
}

func (ldb *loadersDB) Get(ctx context.Context, id int64) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	return ldb.getWhere(ctx, `id = $1`, id)
}

func (ldb *loadersDB) GetActive(ctx context.Context, code string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	return ldb.getWhere(ctx, `code = $1 AND version_status = 'ACTIVE'`, code)
}

func (ldb *loadersDB) GetDraft(ctx context.Context, code string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	return ldb.getWhere(ctx, `code = $1 AND version_status IN ('DRAFT', 'PENDING_APPROVAL')`, code)
}

func (ldb *loadersDB) List(ctx context.Context) (_ []loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []loaderRow
	err = ldb.db.db.SelectContext(ctx, &rows, `
		SELECT `+loaderColumns+` FROM loader_configs
		WHERE version_status = 'ACTIVE'
		   OR (version_status IN ('DRAFT', 'PENDING_APPROVAL') AND code NOT IN (
				SELECT code FROM loader_configs WHERE version_status = 'ACTIVE'))
		ORDER BY code`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ldb.fromRows(rows)
}

func (ldb *loadersDB) fromRows(rows []loaderRow) ([]loader.Loader, error) {
	out := make([]loader.Loader, 0, len(rows))
	for i := range rows {
		ld, err := ldb.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *ld)
	}
	return out, nil
}

func (ldb *loadersDB) ListVersions(ctx context.Context, code string) (_ []loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []loaderRow
	err = ldb.db.db.SelectContext(ctx, &rows, `
		SELECT id, code, loader_sql, source_code,
			min_interval_sec, max_interval_sec, max_query_period_sec, max_parallel_execs,
			timezone_offset, aggregation_sec, purge_strategy, false AS enabled,
			'PAUSED' AS load_status, NULL AS last_load_timestamp, NULL AS failed_since,
			0 AS consecutive_zero_runs, 0 AS consecutive_failures, NULL AS last_attempt_at,
			version_status, version_number, parent_version_id,
			approval_status, approved_by, approved_at, rejection_reason,
			created_by, created_at, archived_at AS updated_at
		FROM loader_config_archive
		WHERE code = $1
		ORDER BY version_number DESC, archived_at DESC`, code)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ldb.fromRows(rows)
}

func (ldb *loadersDB) UpdateDraft(ctx context.Context, l *loader.Loader) (err error) {
	defer mon.Task()(&ctx)(&err)

	sealed, err := ldb.db.secret.encryptString(l.SQL)
	if err != nil {
		return err
	}
	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET
			loader_sql = $2, source_code = $3,
			min_interval_sec = $4, max_interval_sec = $5,
			max_query_period_sec = $6, max_parallel_execs = $7,
			timezone_offset = $8, aggregation_sec = $9, purge_strategy = $10,
			version_status = $11, approval_status = $12,
			parent_version_id = $13, updated_at = now()
		WHERE id = $1 AND version_status IN ('DRAFT', 'PENDING_APPROVAL')`,
		l.ID, sealed, l.SourceCode,
		l.MinIntervalSec, l.MaxIntervalSec,
		l.MaxQueryPeriod, l.MaxParallelExecs,
		l.TimezoneOffset, l.AggregationSec, string(l.PurgeStrategy),
		string(l.VersionStatus), string(l.ApprovalStatus),
		l.ParentVersionID)
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrNotFound.New("draft %d", l.ID))
}

func (ldb *loadersDB) requireOne(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

// archiveSQL copies one loader_configs row into the archive with the given
// terminal status and deletes the original.
const archiveSQL = `
	WITH moved AS (
		DELETE FROM loader_configs WHERE id = $1 RETURNING *
	)
	INSERT INTO loader_config_archive (
		id, code, loader_sql, source_code,
		min_interval_sec, max_interval_sec, max_query_period_sec, max_parallel_execs,
		timezone_offset, aggregation_sec, purge_strategy,
		version_status, version_number, parent_version_id,
		approval_status, approved_by, approved_at, rejection_reason,
		created_by, created_at, archived_by
	)
	SELECT id, code, loader_sql, source_code,
		min_interval_sec, max_interval_sec, max_query_period_sec, max_parallel_execs,
		timezone_offset, aggregation_sec, purge_strategy,
		$2, version_number, parent_version_id,
		$3, approved_by, approved_at, $4,
		created_by, created_at, $5
	FROM moved`

func (ldb *loadersDB) Approve(ctx context.Context, draftID int64, approvedBy string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	var approved *loader.Loader
	err = ldb.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var draft loaderRow
		err := tx.GetContext(ctx, &draft, `
			SELECT `+loaderColumns+` FROM loader_configs
			WHERE id = $1 AND version_status = 'PENDING_APPROVAL' FOR UPDATE`, draftID)
		if isNoRows(err) {
			return loader.ErrWrongState.New("no pending version %d", draftID)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		var maxVersion int64
		err = tx.GetContext(ctx, &maxVersion, `
			SELECT coalesce(greatest(
				(SELECT max(version_number) FROM loader_configs WHERE code = $1),
				(SELECT max(version_number) FROM loader_config_archive WHERE code = $1)
			), 0)`, draft.Code)
		if err != nil {
			return Error.Wrap(err)
		}

		// The outgoing version's watermark moves to the promoted version,
		// keeping windows contiguous across an approval.
		var active struct {
			ID                int64      `db:"id"`
			LastLoadTimestamp *time.Time `db:"last_load_timestamp"`
		}
		var watermark *time.Time
		err = tx.GetContext(ctx, &active, `
			SELECT id, last_load_timestamp FROM loader_configs
			WHERE code = $1 AND version_status = 'ACTIVE' FOR UPDATE`, draft.Code)
		if err != nil && !isNoRows(err) {
			return Error.Wrap(err)
		}
		if err == nil {
			watermark = active.LastLoadTimestamp
			_, err = tx.ExecContext(ctx, archiveSQL,
				active.ID, string(loader.VersionArchived), string(loader.ApprovalApproved), "", approvedBy)
			if err != nil {
				return Error.Wrap(err)
			}
		}

		var promoted loaderRow
		err = tx.GetContext(ctx, &promoted, `
			UPDATE loader_configs SET
				version_status = 'ACTIVE',
				version_number = $2,
				approval_status = 'APPROVED',
				approved_by = $3,
				approved_at = now(),
				load_status = 'IDLE',
				last_load_timestamp = $4,
				updated_at = now()
			WHERE id = $1
			RETURNING `+loaderColumns, draftID, maxVersion+1, approvedBy, watermark)
		if err != nil {
			return Error.Wrap(err)
		}
		approved, err = ldb.fromRow(&promoted)
		return err
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (ldb *loadersDB) Reject(ctx context.Context, draftID int64, rejectedBy, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return ldb.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var status string
		err := tx.GetContext(ctx, &status, `
			SELECT version_status FROM loader_configs WHERE id = $1 FOR UPDATE`, draftID)
		if isNoRows(err) {
			return loader.ErrNotFound.New("version %d", draftID)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		if status != string(loader.VersionPending) && status != string(loader.VersionDraft) {
			return loader.ErrWrongState.New("version %d is %s", draftID, status)
		}
		_, err = tx.ExecContext(ctx, archiveSQL,
			draftID, string(loader.VersionRejected), string(loader.ApprovalRejected), reason, rejectedBy)
		return Error.Wrap(err)
	})
}

func (ldb *loadersDB) ArchiveActive(ctx context.Context, code string, archivedBy string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return ldb.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.GetContext(ctx, &id, `
			SELECT id FROM loader_configs
			WHERE code = $1 AND version_status = 'ACTIVE' FOR UPDATE`, code)
		if isNoRows(err) {
			return loader.ErrNotFound.New("%s", code)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, archiveSQL,
			id, string(loader.VersionArchived), string(loader.ApprovalApproved), "", archivedBy)
		return Error.Wrap(err)
	})
}

func (ldb *loadersDB) DeleteDraft(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		DELETE FROM loader_configs WHERE id = $1 AND version_status IN ('DRAFT', 'PENDING_APPROVAL')`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrWrongState.New("version %d is not a draft", id))
}

func (ldb *loadersDB) SetEnabled(ctx context.Context, code string, enabled bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET
			enabled = $2,
			load_status = CASE
				WHEN $2 AND load_status = 'PAUSED' THEN 'IDLE'
				WHEN NOT $2 THEN 'PAUSED'
				ELSE load_status
			END,
			updated_at = now()
		WHERE code = $1 AND version_status = 'ACTIVE'`, code, enabled)
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrNotFound.New("%s", code))
}

func (ldb *loadersDB) DueLoaders(ctx context.Context, now time.Time) (_ []loader.DueLoader, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []loaderRow
	err = ldb.db.db.SelectContext(ctx, &rows, `
		SELECT `+loaderColumns+` FROM loader_configs
		WHERE version_status = 'ACTIVE'
		  AND enabled
		  AND load_status IN ('IDLE', 'FAILED')
		ORDER BY max_interval_sec ASC, last_load_timestamp ASC NULLS FIRST`)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	out := make([]loader.DueLoader, 0, len(rows))
	for i := range rows {
		ld, err := ldb.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, loader.DueLoader{
			Loader:              *ld,
			ConsecutiveFailures: rows[i].ConsecutiveFailures,
			LastAttemptAt:       rows[i].LastAttemptAt,
		})
	}
	return out, nil
}

func (ldb *loadersDB) SetRunning(ctx context.Context, code string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET load_status = 'RUNNING', updated_at = now()
		WHERE code = $1 AND version_status = 'ACTIVE'`, code)
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrNotFound.New("%s", code))
}

func (ldb *loadersDB) FinishSuccess(ctx context.Context, code string, watermark time.Time, zeroRecords bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET
			load_status = 'IDLE',
			last_load_timestamp = greatest(coalesce(last_load_timestamp, $2), $2),
			failed_since = NULL,
			consecutive_failures = 0,
			consecutive_zero_runs = CASE WHEN $3 THEN consecutive_zero_runs + 1 ELSE 0 END,
			last_attempt_at = now(),
			updated_at = now()
		WHERE code = $1 AND version_status = 'ACTIVE'`, code, watermark.UTC(), zeroRecords)
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrNotFound.New("%s", code))
}

func (ldb *loadersDB) FinishPartial(ctx context.Context, code string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET load_status = 'IDLE', last_attempt_at = now(), updated_at = now()
		WHERE code = $1 AND version_status = 'ACTIVE'`, code)
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrNotFound.New("%s", code))
}

func (ldb *loadersDB) FinishFailure(ctx context.Context, code string, failedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET
			load_status = 'FAILED',
			failed_since = coalesce(failed_since, $2),
			consecutive_failures = consecutive_failures + 1,
			last_attempt_at = $2,
			updated_at = now()
		WHERE code = $1 AND version_status = 'ACTIVE'`, code, failedAt.UTC())
	if err != nil {
		return Error.Wrap(err)
	}
	return ldb.requireOne(result, loader.ErrNotFound.New("%s", code))
}

func (ldb *loadersDB) NormalizeRunning(ctx context.Context, code string, failedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = ldb.db.db.ExecContext(ctx, `
		UPDATE loader_configs SET
			load_status = 'FAILED',
			failed_since = coalesce(failed_since, $2),
			consecutive_failures = consecutive_failures + 1,
			last_attempt_at = $2,
			updated_at = now()
		WHERE code = $1 AND version_status = 'ACTIVE' AND load_status = 'RUNNING'`, code, failedAt.UTC())
	return Error.Wrap(err)
}
