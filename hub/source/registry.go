// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Config holds pool settings applied to every source connection pool.
type Config struct {
	MaxOpenConns    int           `help:"maximum open connections per source pool" default:"5"`
	MaxIdleConns    int           `help:"maximum idle connections per source pool" default:"2"`
	ConnMaxLifetime time.Duration `help:"maximum lifetime of a source connection" default:"30m"`
	PingTimeout     time.Duration `help:"timeout for validating a new source pool" default:"10s"`
}

// Pool wraps the sql pool for one source database.
type Pool struct {
	code string
	kind Kind
	db   *sql.DB
}

// Code returns the source code the pool belongs to.
func (p *Pool) Code() string { return p.code }

// Kind returns the engine kind of the pool.
func (p *Pool) Kind() Kind { return p.kind }

// DB exposes the underlying sql pool.
func (p *Pool) DB() *sql.DB { return p.db }

// Close closes the pool. In-flight borrows finish against the old pool;
// new borrows fail.
func (p *Pool) Close() error { return Error.Wrap(p.db.Close()) }

// Registry maps source codes to live connection pools. Pools are created
// lazily on first use and rebuilt wholesale on ReloadAll.
//
// architecture: Service
type Registry struct {
	log    *zap.Logger
	db     DB
	config Config

	mu    sync.RWMutex
	pools map[string]*Pool

	reloadMu sync.Mutex
	onReload []func()
}

// NewRegistry creates a registry over the descriptor storage.
func NewRegistry(log *zap.Logger, db DB, config Config) *Registry {
	return &Registry{
		log:    log,
		db:     db,
		config: config,
		pools:  map[string]*Pool{},
	}
}

// Get returns the pool for the code, opening it on first use.
func (r *Registry) Get(ctx context.Context, code string) (_ *Pool, err error) {
	defer mon.Task()(&ctx)(&err)

	r.mu.RLock()
	pool, ok := r.pools[code]
	r.mu.RUnlock()
	if ok {
		return pool, nil
	}

	descriptor, err := r.db.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	pool, err = r.open(ctx, descriptor)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pools[code]; ok {
		// lost the race; keep the established pool
		_ = pool.Close()
		return existing, nil
	}
	r.pools[code] = pool
	return pool, nil
}

// ReloadAll rebuilds every pool from the descriptor table. New pools are
// established before old ones close, so concurrent borrowers are never
// left without a pool. A single bad descriptor is skipped with an error
// log and does not prevent the rest from loading.
func (r *Registry) ReloadAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	descriptors, err := r.db.List(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	fresh := make(map[string]*Pool, len(descriptors))
	for i := range descriptors {
		d := descriptors[i]
		if err := d.Validate(); err != nil {
			r.log.Error("skipping malformed source descriptor",
				zap.String("code", d.Code), zap.Error(err))
			continue
		}
		pool, err := r.open(ctx, &d)
		if err != nil {
			r.log.Error("skipping unreachable source",
				zap.String("code", d.Code), zap.Error(err))
			continue
		}
		fresh[d.Code] = pool
	}

	r.mu.Lock()
	old := r.pools
	r.pools = fresh
	r.mu.Unlock()

	var group errs.Group
	for code, pool := range old {
		if err := pool.Close(); err != nil {
			r.log.Warn("closing replaced pool", zap.String("code", code), zap.Error(err))
			group.Add(err)
		}
	}

	for _, fn := range r.onReload {
		fn()
	}
	r.log.Info("source pools reloaded", zap.Int("count", len(fresh)))
	return group.Err()
}

// OnReload registers a hook invoked after every completed reload.
func (r *Registry) OnReload(fn func()) {
	r.onReload = append(r.onReload, fn)
}

// Close closes and removes the pool for the code.
func (r *Registry) Close(code string) error {
	r.mu.Lock()
	pool, ok := r.pools[code]
	delete(r.pools, code)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.Close()
}

// CloseAll closes every pool.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = map[string]*Pool{}
	r.mu.Unlock()

	var group errs.Group
	for _, pool := range pools {
		group.Add(pool.Close())
	}
	return group.Err()
}

func (r *Registry) open(ctx context.Context, d *Database) (*Pool, error) {
	driver, dsn, err := d.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, ErrConnection.Wrap(err)
	}
	db.SetMaxOpenConns(r.config.MaxOpenConns)
	db.SetMaxIdleConns(r.config.MaxIdleConns)
	db.SetConnMaxLifetime(r.config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, r.config.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, ErrConnection.Wrap(errs.Combine(err, db.Close()))
	}

	r.log.Debug("source pool established",
		zap.String("code", d.Code), zap.String("kind", string(d.Kind)))
	return &Pool{code: d.Code, kind: d.Kind, db: db}, nil
}
