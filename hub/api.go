// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hub

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/scheduler"
	"github.com/signalhub/signalhub/hub/permissions"
	"github.com/signalhub/signalhub/hub/query"
	"github.com/signalhub/signalhub/hub/signals"
	"github.com/signalhub/signalhub/hub/source"
	"github.com/signalhub/signalhub/private/lifecycle"
)

// API is the console peer: it serves the operator HTTP surface. Force
// starts submit runs on this replica directly; cluster-wide exclusion is
// owed to the execution locks, so running next to a core peer is safe.
//
// architecture: Peer
type API struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
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
	}

	Signals struct {
		Dictionary *signals.Dictionary
		Ingest     *signals.Ingest
	}

	Loader struct {
		Service   *loader.Service
		Executor  *scheduler.Executor
		Scheduler *scheduler.Scheduler
	}

	Backfill struct {
		Service *backfill.Service
		Chore   *backfill.Chore
	}

	Permissions struct {
		Service *permissions.Service
	}

	Console struct {
		Auth     *console.Service
		Listener net.Listener
		Server   *console.Server
	}
}

// NewAPI creates the console peer.
func NewAPI(log *zap.Logger, db DB, config Config) (*API, error) {
	peer := &API{
		Log:      log,
		DB:       db,
		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup sources and query execution
		peer.Sources.Registry = source.NewRegistry(log.Named("sources"), db.Sources(), config.Sources)
		peer.Query.Runner = query.NewRunner(log.Named("query"), peer.Sources.Registry, config.Query)
		peer.Services.Add(lifecycle.Item{
			Name:  "sources",
			Close: peer.Sources.Registry.CloseAll,
		})
	}

	{ // setup history, locks and the signal pipeline
		peer.History.Store = history.NewStore(log.Named("history"), db.History())
		peer.Locks.Manager = execlock.NewManager(log.Named("execlock"), db.Locks(), config.ReplicaName)
		peer.Signals.Dictionary = signals.NewDictionary(db.Segments())
		peer.Signals.Ingest = signals.NewIngest(log.Named("ingest"), db.Signals())
	}

	{ // setup loader services
		loaderService, err := loader.NewService(log.Named("loader"), db.Loaders(), db.Approvals())
		if err != nil {
			return nil, err
		}
		peer.Loader.Service = loaderService

		// The scheduler here never polls; it only carries force-started runs.
		peer.Loader.Executor = scheduler.NewExecutor(log.Named("executor"),
			db.Loaders(), peer.Locks.Manager, peer.History.Store,
			peer.Query.Runner, peer.Signals.Dictionary, peer.Signals.Ingest,
			config.Scheduler)
		peer.Loader.Scheduler = scheduler.New(log.Named("scheduler"),
			db.Loaders(), peer.Loader.Executor, config.Scheduler)
		peer.Services.Add(lifecycle.Item{
			Name:  "force-start",
			Close: peer.Loader.Scheduler.Close,
		})
	}

	{ // setup backfill
		peer.Backfill.Service = backfill.NewService(log.Named("backfill"), db.Backfill(), db.Loaders())
		peer.Backfill.Chore = backfill.NewChore(log.Named("backfill:chore"),
			db.Backfill(), db.Loaders(), peer.Loader.Executor,
			config.ReplicaName, config.Backfill)
		peer.Services.Add(lifecycle.Item{
			Name:  "backfill:chore",
			Run:   peer.Backfill.Chore.Run,
			Close: peer.Backfill.Chore.Close,
		})
	}

	{ // setup permissions
		peer.Permissions.Service = permissions.NewService(log.Named("permissions"), db.Permissions())
	}

	{ // setup console
		auth, err := console.NewService(log.Named("console:auth"), db.Users(), config.Console.Auth)
		if err != nil {
			return nil, err
		}
		peer.Console.Auth = auth

		listener, err := net.Listen("tcp", config.Console.Address)
		if err != nil {
			return nil, err
		}
		peer.Console.Listener = listener

		peer.Console.Server = console.NewServer(log.Named("console"),
			config.Console, auth,
			peer.Loader.Service, db.Loaders(),
			peer.Permissions.Service, peer.History.Store,
			peer.Signals.Ingest, db.Segments(),
			peer.Backfill.Service, peer.Backfill.Chore, peer.Loader.Scheduler,
			db.Sources(), peer.Sources.Registry, peer.Query.Runner,
			listener)
		peer.Servers.Add(lifecycle.Item{
			Name:  "console",
			Run:   peer.Console.Server.Run,
			Close: peer.Console.Server.Close,
		})
	}

	return peer, nil
}

// Run starts the API subsystems and blocks until the context is canceled
// or one of them fails.
func (peer *API) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	peer.Servers.Run(ctx, group)
	return group.Wait()
}

// Close shuts the API subsystems down in reverse order.
func (peer *API) Close() error {
	return errs.Combine(peer.Servers.Close(), peer.Services.Close())
}
