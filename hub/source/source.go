// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package source maintains the registry of heterogeneous source databases
// and their connection pools.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default source errs class.
	Error = errs.Class("source")
	// ErrNotFound is returned when no descriptor exists for a code.
	ErrNotFound = errs.Class("source not found")
	// ErrConnection wraps failures to reach a source database.
	ErrConnection = errs.Class("source connection")
)

// Kind identifies the database engine of a source.
type Kind string

// Supported source kinds.
const (
	KindMySQL    Kind = "MYSQL"
	KindPostgres Kind = "POSTGRESQL"
)

// Valid reports whether the kind is supported.
func (k Kind) Valid() bool {
	return k == KindMySQL || k == KindPostgres
}

// Database is a source database descriptor. Code is the immutable identity;
// Password is stored encrypted by the storage layer.
type Database struct {
	ID        int64
	Code      string
	Kind      Kind
	Host      string
	Port      int
	Name      string
	Username  string
	Password  string
	CreatedAt time.Time
}

// Validate checks the descriptor.
func (d *Database) Validate() error {
	switch {
	case d.Code == "":
		return Error.New("dbCode is required")
	case !d.Kind.Valid():
		return Error.New("unsupported kind %q", d.Kind)
	case d.Host == "":
		return Error.New("host is required")
	case d.Port <= 0 || d.Port > 65535:
		return Error.New("invalid port %d", d.Port)
	case d.Name == "":
		return Error.New("database name is required")
	}
	return nil
}

// DSN returns the driver name and connection string for the descriptor.
func (d *Database) DSN() (driver, dsn string, err error) {
	switch d.Kind {
	case KindMySQL:
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			d.Username, d.Password, d.Host, d.Port, d.Name), nil
	case KindPostgres:
		return "pgx", fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			d.Username, d.Password, d.Host, d.Port, d.Name), nil
	default:
		return "", "", Error.New("unsupported kind %q", d.Kind)
	}
}

// DB is the source descriptor storage.
//
// architecture: Database
type DB interface {
	Insert(ctx context.Context, d *Database) (*Database, error)
	GetByCode(ctx context.Context, code string) (*Database, error)
	List(ctx context.Context) ([]Database, error)
	Delete(ctx context.Context, code string) error
}
