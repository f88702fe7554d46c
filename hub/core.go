// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hub

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader/scheduler"
	"github.com/signalhub/signalhub/hub/query"
	"github.com/signalhub/signalhub/hub/signals"
	"github.com/signalhub/signalhub/hub/source"
	"github.com/signalhub/signalhub/private/lifecycle"
)

// Core is the worker peer: it schedules loader runs, executes them against
// the source databases and normalizes crashed runs.
//
// architecture: Peer
type Core struct {
	Log *zap.Logger
	DB  DB

	Services *lifecycle.Group

	Sources struct {
		Registry *source.Registry
	}

	Query struct {
		Runner *query.Runner
	}

	History struct {
		Store *history.Store
	}

	Locks struct {
		Manager *execlock.Manager
		Reaper  *execlock.Reaper
	}

	Signals struct {
		Dictionary *signals.Dictionary
		Ingest     *signals.Ingest
	}

	Loader struct {
		Executor  *scheduler.Executor
		Scheduler *scheduler.Scheduler
	}

	Backfill struct {
		Chore *backfill.Chore
	}
}

// NewCore creates the worker peer.
func NewCore(log *zap.Logger, db DB, config Config) (*Core, error) {
	peer := &Core{
		Log:      log,
		DB:       db,
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup sources
		peer.Sources.Registry = source.NewRegistry(log.Named("sources"), db.Sources(), config.Sources)
		peer.Services.Add(lifecycle.Item{
			Name:  "sources",
			Close: peer.Sources.Registry.CloseAll,
		})
	}

	{ // setup query execution
		peer.Query.Runner = query.NewRunner(log.Named("query"), peer.Sources.Registry, config.Query)
	}

	{ // setup history and locks
		peer.History.Store = history.NewStore(log.Named("history"), db.History())
		peer.Locks.Manager = execlock.NewManager(log.Named("execlock"), db.Locks(), config.ReplicaName)
		peer.Locks.Reaper = execlock.NewReaper(log.Named("reaper"),
			db.Locks(), peer.History.Store, db.Loaders(), config.Reaper)
		peer.Services.Add(lifecycle.Item{
			Name:  "reaper",
			Run:   peer.Locks.Reaper.Run,
			Close: peer.Locks.Reaper.Close,
		})
	}

	{ // setup signal pipeline
		peer.Signals.Dictionary = signals.NewDictionary(db.Segments())
		peer.Signals.Ingest = signals.NewIngest(log.Named("ingest"), db.Signals())
	}

	{ // setup scheduling
		peer.Loader.Executor = scheduler.NewExecutor(log.Named("executor"),
			db.Loaders(), peer.Locks.Manager, peer.History.Store,
			peer.Query.Runner, peer.Signals.Dictionary, peer.Signals.Ingest,
			config.Scheduler)
		peer.Loader.Scheduler = scheduler.New(log.Named("scheduler"),
			db.Loaders(), peer.Loader.Executor, config.Scheduler)
		peer.Services.Add(lifecycle.Item{
			Name:  "scheduler",
			Run:   peer.Loader.Scheduler.Run,
			Close: peer.Loader.Scheduler.Close,
		})
	}

	{ // setup backfill
		peer.Backfill.Chore = backfill.NewChore(log.Named("backfill"),
			db.Backfill(), db.Loaders(), peer.Loader.Executor,
			config.ReplicaName, config.Backfill)
		peer.Services.Add(lifecycle.Item{
			Name:  "backfill",
			Run:   peer.Backfill.Chore.Run,
			Close: peer.Backfill.Chore.Close,
		})
	}

	return peer, nil
}

// Run starts the core subsystems and blocks until the context is canceled
// or one of them fails.
func (peer *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close shuts the core subsystems down in reverse order.
func (peer *Core) Close() error {
	return peer.Services.Close()
}
