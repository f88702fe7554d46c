// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package query executes loader SQL against source databases with the run
// window substituted as source-local time literals.
package query

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
	"github.com/signalhub/signalhub/hub/source"
)

var mon = monkit.Package()

var (
	// Error is the default query errs class.
	Error = errs.Class("query")
	// ErrTimeout is returned when a run exceeds the query timeout.
	ErrTimeout = errs.Class("query timeout")
	// ErrNotReadOnly is returned when the source connection's user holds
	// write privileges. This is a permanent error; the run must not retry.
	ErrNotReadOnly = errs.Class("source not read-only")
	// ErrBadShape is returned when the result set does not match the
	// expected column convention.
	ErrBadShape = errs.Class("query result shape")
)

// timeLayout is the literal format substituted into loader SQL.
const timeLayout = "2006-01-02 15:04:05"

// MaxSegments is the maximum number of segment columns per loader query.
const MaxSegments = 10

// Config holds query execution settings.
type Config struct {
	Timeout time.Duration `help:"per-run source query timeout" default:"5m"`
}

// Row is one result row as ordered column name/value pairs.
type Row struct {
	Columns []string
	Values  []interface{}
}

// Runner borrows source connections and executes loader queries.
//
// architecture: Service
type Runner struct {
	log     *zap.Logger
	sources *source.Registry
	config  Config

	// verified caches per-source read-only verdicts until the next reload.
	verified sync.Map
}

// NewRunner creates a query runner.
func NewRunner(log *zap.Logger, sources *source.Registry, config Config) *Runner {
	r := &Runner{log: log, sources: sources, config: config}
	sources.OnReload(func() { r.verified = sync.Map{} })
	return r
}

// Run executes the loader's SQL for the window and returns the rows in
// result-set order. The window bounds are shifted into the source's local
// time before substitution.
func (r *Runner) Run(ctx context.Context, ld *loader.Loader, w timewindow.Window) (_ []Row, err error) {
	defer mon.Task()(&ctx)(&err)

	pool, err := r.sources.Get(ctx, ld.SourceCode)
	if err != nil {
		return nil, err
	}

	if err := r.ensureReadOnly(ctx, pool); err != nil {
		return nil, err
	}

	stmt := Substitute(ld.SQL, w, ld.TimezoneOffset)

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	conn, err := pool.DB().Conn(ctx)
	if err != nil {
		return nil, source.ErrConnection.Wrap(err)
	}
	defer func() { err = errs.Combine(err, conn.Close()) }()

	// The session itself is pinned read-only in addition to the
	// privilege inspection.
	if _, err := conn.ExecContext(ctx, readOnlySession(pool.Kind())); err != nil {
		return nil, source.ErrConnection.Wrap(err)
	}

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout.New("loader %s after %s", ld.Code, r.config.Timeout)
		}
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(columns) < 2 || len(columns) > 2+MaxSegments {
		return nil, ErrBadShape.New("loader %s returned %d columns, expected 2..%d",
			ld.Code, len(columns), 2+MaxSegments)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scan := make([]interface{}, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, Error.Wrap(err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, Row{Columns: columns, Values: values})
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout.New("loader %s after %s", ld.Code, r.config.Timeout)
		}
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// VerifyReadOnly runs the privilege inspection for the source and returns
// nil when its user cannot write.
func (r *Runner) VerifyReadOnly(ctx context.Context, code string) (err error) {
	defer mon.Task()(&ctx)(&err)

	pool, err := r.sources.Get(ctx, code)
	if err != nil {
		return err
	}
	return r.inspect(ctx, pool)
}

func (r *Runner) ensureReadOnly(ctx context.Context, pool *source.Pool) error {
	if _, ok := r.verified.Load(pool.Code()); ok {
		return nil
	}
	if err := r.inspect(ctx, pool); err != nil {
		return err
	}
	r.verified.Store(pool.Code(), true)
	return nil
}

func (r *Runner) inspect(ctx context.Context, pool *source.Pool) error {
	switch pool.Kind() {
	case source.KindMySQL:
		return inspectMySQL(ctx, pool.DB())
	case source.KindPostgres:
		return inspectPostgres(ctx, pool.DB())
	default:
		return Error.New("unsupported kind %q", pool.Kind())
	}
}

func inspectMySQL(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SHOW GRANTS`)
	if err != nil {
		return source.ErrConnection.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return Error.Wrap(err)
		}
		upper := strings.ToUpper(grant)
		for _, privilege := range []string{"ALL PRIVILEGES", "INSERT", "UPDATE", "DELETE", "DROP", "CREATE"} {
			if strings.Contains(upper, "GRANT "+privilege) || strings.Contains(upper, ", "+privilege) {
				return ErrNotReadOnly.New("grant includes %s: %s", privilege, grant)
			}
		}
	}
	return Error.Wrap(rows.Err())
}

func inspectPostgres(ctx context.Context, db *sql.DB) error {
	var canCreate bool
	err := db.QueryRowContext(ctx,
		`SELECT has_database_privilege(current_user, current_database(), 'CREATE')`,
	).Scan(&canCreate)
	if err != nil {
		return source.ErrConnection.Wrap(err)
	}
	if canCreate {
		return ErrNotReadOnly.New("user may create objects in the source database")
	}

	var isSuper bool
	err = db.QueryRowContext(ctx,
		`SELECT usesuper FROM pg_user WHERE usename = current_user`,
	).Scan(&isSuper)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return source.ErrConnection.Wrap(err)
	}
	if isSuper {
		return ErrNotReadOnly.New("user is a superuser")
	}
	return nil
}

func readOnlySession(kind source.Kind) string {
	if kind == source.KindMySQL {
		return `SET SESSION TRANSACTION READ ONLY`
	}
	return `SET default_transaction_read_only = on`
}

// Substitute rewrites the :fromTime and :toTime placeholders with quoted
// datetime literals shifted into the source's local time.
func Substitute(query string, w timewindow.Window, tzOffsetHours int) string {
	offset := time.Duration(tzOffsetHours) * time.Hour
	from := w.From.UTC().Add(offset).Format(timeLayout)
	to := w.To.UTC().Add(offset).Format(timeLayout)
	query = strings.ReplaceAll(query, ":fromTime", "'"+from+"'")
	query = strings.ReplaceAll(query, ":toTime", "'"+to+"'")
	return query
}
