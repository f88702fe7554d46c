// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	sec, err := newSecret(testKey())
	require.NoError(t, err)

	return &DB{
		log:    zaptest.NewLogger(t),
		db:     sqlx.NewDb(raw, "sqlmock"),
		secret: sec,
	}, mock
}

func TestLockAcquireReportsBusyOnLostRace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loader_execution_locks")).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := db.Locks().Acquire(ctx, &execlock.Lock{
		ID:          uuid.New(),
		LoaderCode:  "ORDERS",
		ReplicaName: "core-1",
		AcquiredAt:  time.Now().UTC(),
	})
	require.True(t, execlock.ErrBusy.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockReleaseGuardedByVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE loader_execution_locks")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.Locks().Release(ctx, uuid.New(), 0, time.Now().UTC())
	require.True(t, execlock.ErrAlreadyReleased.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryFinalizeRequiresRunningRow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE loader_history")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.History().Finalize(ctx, 42, time.Now().UTC(), history.Finalization{
		Status: history.StatusSuccess,
	})
	require.True(t, history.ErrNotFound.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func loaderMockColumns() []string {
	return []string{
		"id", "code", "loader_sql", "source_code",
		"min_interval_sec", "max_interval_sec", "max_query_period_sec", "max_parallel_execs",
		"timezone_offset", "aggregation_sec", "purge_strategy", "enabled",
		"load_status", "last_load_timestamp", "failed_since", "consecutive_zero_runs",
		"consecutive_failures", "last_attempt_at",
		"version_status", "version_number", "parent_version_id",
		"approval_status", "approved_by", "approved_at", "rejection_reason",
		"created_by", "created_at", "updated_at",
	}
}

func addLoaderRow(rows *sqlmock.Rows, id int64, sealed string, watermark interface{}, versionStatus, approvalStatus string, versionNumber int64, now time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "ORDERS", sealed, "ERP",
		60, 300, 3600, 1,
		0, 300, "SKIP_DUPLICATES", false,
		"PAUSED", watermark, nil, 0,
		0, nil,
		versionStatus, versionNumber, nil,
		approvalStatus, "", nil, "",
		"alice", now, now,
	)
}

func TestDeleteDraftAllowsPendingVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)

	deleteSQL := regexp.QuoteMeta(
		"DELETE FROM loader_configs WHERE id = $1 AND version_status IN ('DRAFT', 'PENDING_APPROVAL')")

	mock.ExpectExec(deleteSQL).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.Loaders().DeleteDraft(ctx, 7))

	mock.ExpectExec(deleteSQL).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := db.Loaders().DeleteDraft(ctx, 8)
	require.True(t, loader.ErrWrongState.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveCarriesWatermarkForward(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)
	sealed, err := db.secret.encryptString("SELECT ts, amount FROM orders WHERE ts >= :fromTime AND ts < :toTime")
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	watermark := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("version_status = 'PENDING_APPROVAL' FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(addLoaderRow(sqlmock.NewRows(loaderMockColumns()),
			3, sealed, nil, "PENDING_APPROVAL", "PENDING_APPROVAL", 0, now))
	mock.ExpectQuery(regexp.QuoteMeta("coalesce(greatest(")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, last_load_timestamp FROM loader_configs")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_load_timestamp"}).AddRow(2, watermark))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loader_config_archive")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("last_load_timestamp = $4")).
		WithArgs(int64(3), int64(2), "carol", watermark).
		WillReturnRows(addLoaderRow(sqlmock.NewRows(loaderMockColumns()),
			3, sealed, watermark, "ACTIVE", "APPROVED", 2, now))
	mock.ExpectCommit()

	promoted, err := db.Loaders().Approve(ctx, 3, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(2), promoted.VersionNumber)
	require.NotNil(t, promoted.LastLoadTimestamp,
		"the promoted version must inherit the archived version's watermark")
	require.Equal(t, watermark, promoted.LastLoadTimestamp.UTC())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishSuccessGuardsWatermarkMonotonic(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("last_load_timestamp = greatest(coalesce(last_load_timestamp, $2), $2)")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.Loaders().FinishSuccess(ctx, "ORDERS", time.Now().UTC(), false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE loader_configs")).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE loader_configs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts := 0
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		attempts++
		_, err := tx.ExecContext(ctx, "UPDATE loader_configs SET enabled = true WHERE code = $1", "ORDERS")
		if err != nil {
			return Error.Wrap(err)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}
