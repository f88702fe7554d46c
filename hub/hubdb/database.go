// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package hubdb implements the central store on PostgreSQL.
package hubdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver

	"github.com/signalhub/signalhub/hub"
	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
	"github.com/signalhub/signalhub/hub/signals"
	"github.com/signalhub/signalhub/hub/source"
)

var (
	mon = monkit.Package()

	// Error is the default hubdb errs class.
	Error = errs.Class("hubdb")
)

// Config holds central store settings.
type Config struct {
	URL           string `help:"postgres connection string for the central store" default:"postgres://signalhub@localhost/signalhub?sslmode=disable"`
	EncryptionKey string `help:"32-byte base64 key encrypting loader SQL and source passwords" default:""`
	MaxOpenConns  int    `help:"maximum open connections to the central store" default:"25"`
	MaxIdleConns  int    `help:"maximum idle connections to the central store" default:"5"`
}

// DB is the master database implementation.
//
// architecture: Master Database
type DB struct {
	log    *zap.Logger
	db     *sqlx.DB
	secret *secret
}

// Open connects to the central store.
func Open(log *zap.Logger, config Config) (*DB, error) {
	db, err := sqlx.Open("pgx", config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	sec, err := newSecret(config.EncryptionKey)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{log: log, db: db, secret: sec}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// MigrateToLatest brings the schema up to date.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	migration := db.Migration()
	return migration.Run(ctx, db.log.Named("migrate"))
}

// Loaders returns the loader configuration storage.
func (db *DB) Loaders() loader.DB { return &loadersDB{db: db} }

// Approvals returns the approval request storage.
func (db *DB) Approvals() loader.ApprovalDB { return &approvalsDB{db: db} }

// Sources returns the source descriptor storage.
func (db *DB) Sources() source.DB { return &sourcesDB{db: db} }

// History returns the execution history storage.
func (db *DB) History() history.DB { return &historyDB{db: db} }

// Locks returns the execution lock storage.
func (db *DB) Locks() execlock.DB { return &locksDB{db: db} }

// Signals returns the signal history storage.
func (db *DB) Signals() signals.DB { return &signalsDB{db: db} }

// Segments returns the segment dictionary storage.
func (db *DB) Segments() signals.SegmentsDB { return &segmentsDB{db: db} }

// Backfill returns the backfill job storage.
func (db *DB) Backfill() backfill.DB { return &backfillDB{db: db} }

// Users returns the console account storage.
func (db *DB) Users() console.UsersDB { return &usersDB{db: db} }

// Permissions returns the permission matrix storage.
func (db *DB) Permissions() permissions.DB { return &permissionsDB{db: db} }

var _ hub.DB = (*DB)(nil)

// withTx runs fn in a transaction, retrying on serialization failures.
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		err = func() (err error) {
			tx, err := db.db.BeginTxx(ctx, nil)
			if err != nil {
				return Error.Wrap(err)
			}
			defer func() {
				if err != nil {
					err = errs.Combine(err, tx.Rollback())
					return
				}
				err = Error.Wrap(tx.Commit())
			}()
			return fn(tx)
		}()
		if err != nil && pgCode(err) == "40001" {
			continue
		}
		return err
	}
}

// pgCode returns the PostgreSQL error code, or empty.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

// isNoRows reports whether err is sql.ErrNoRows in any wrapping.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
