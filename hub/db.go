// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package hub assembles the signalhub system: the core process running
// the chores and the API process serving the console.
package hub

import (
	"context"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
	"github.com/signalhub/signalhub/hub/signals"
	"github.com/signalhub/signalhub/hub/source"
)

// DB is the master database for the hub.
//
// architecture: Master Database
type DB interface {
	// MigrateToLatest initializes the database schema.
	MigrateToLatest(ctx context.Context) error
	// Close closes the database.
	Close() error

	// Loaders returns the loader configuration storage.
	Loaders() loader.DB
	// Approvals returns the approval request storage.
	Approvals() loader.ApprovalDB
	// Sources returns the source descriptor storage.
	Sources() source.DB
	// History returns the execution history storage.
	History() history.DB
	// Locks returns the execution lock storage.
	Locks() execlock.DB
	// Signals returns the signal history storage.
	Signals() signals.DB
	// Segments returns the segment dictionary storage.
	Segments() signals.SegmentsDB
	// Backfill returns the backfill job storage.
	Backfill() backfill.DB
	// Users returns the console account storage.
	Users() console.UsersDB
	// Permissions returns the permission matrix storage.
	Permissions() permissions.DB
}
