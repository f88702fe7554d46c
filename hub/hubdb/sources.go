// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"time"

	"github.com/signalhub/signalhub/hub/source"
)

// sourcesDB implements source.DB on resource_db_sources. Passwords are
// stored encrypted.
type sourcesDB struct {
	db *DB
}

type sourceRow struct {
	ID        int64     `db:"id"`
	Code      string    `db:"code"`
	Kind      string    `db:"kind"`
	Host      string    `db:"host"`
	Port      int       `db:"port"`
	Name      string    `db:"name"`
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	CreatedAt time.Time `db:"created_at"`
}

func (sdb *sourcesDB) fromRow(row *sourceRow) (*source.Database, error) {
	password, err := sdb.db.secret.decryptString(row.Password)
	if err != nil {
		return nil, err
	}
	return &source.Database{
		ID:        row.ID,
		Code:      row.Code,
		Kind:      source.Kind(row.Kind),
		Host:      row.Host,
		Port:      row.Port,
		Name:      row.Name,
		Username:  row.Username,
		Password:  password,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (sdb *sourcesDB) Insert(ctx context.Context, d *source.Database) (_ *source.Database, err error) {
	defer mon.Task()(&ctx)(&err)

	sealed, err := sdb.db.secret.encryptString(d.Password)
	if err != nil {
		return nil, err
	}
	var row sourceRow
	err = sdb.db.db.GetContext(ctx, &row, `
		INSERT INTO resource_db_sources (code, kind, host, port, name, username, password)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, code, kind, host, port, name, username, password, created_at`,
		d.Code, string(d.Kind), d.Host, d.Port, d.Name, d.Username, sealed)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, source.Error.New("source %s already exists", d.Code)
		}
		return nil, Error.Wrap(err)
	}
	return sdb.fromRow(&row)
}

func (sdb *sourcesDB) GetByCode(ctx context.Context, code string) (_ *source.Database, err error) {
	defer mon.Task()(&ctx)(&err)

	var row sourceRow
	err = sdb.db.db.GetContext(ctx, &row, `
		SELECT id, code, kind, host, port, name, username, password, created_at
		FROM resource_db_sources WHERE code = $1`, code)
	if isNoRows(err) {
		return nil, source.ErrNotFound.New("%s", code)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return sdb.fromRow(&row)
}

func (sdb *sourcesDB) List(ctx context.Context) (_ []source.Database, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []sourceRow
	err = sdb.db.db.SelectContext(ctx, &rows, `
		SELECT id, code, kind, host, port, name, username, password, created_at
		FROM resource_db_sources ORDER BY code`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]source.Database, 0, len(rows))
	for i := range rows {
		d, err := sdb.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (sdb *sourcesDB) Delete(ctx context.Context, code string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := sdb.db.db.ExecContext(ctx, `
		DELETE FROM resource_db_sources WHERE code = $1`, code)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return source.ErrNotFound.New("%s", code)
	}
	return nil
}
