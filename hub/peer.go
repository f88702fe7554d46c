// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hub

import (
	"github.com/spacemonkeygo/monkit/v3"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/hub/execlock"
	"github.com/signalhub/signalhub/hub/loader/scheduler"
	"github.com/signalhub/signalhub/hub/query"
	"github.com/signalhub/signalhub/hub/source"
)

var mon = monkit.Package()

// Config is the runtime configuration shared by the hub peers. The central
// store connection is configured separately by the process entry point.
type Config struct {
	ReplicaName string `help:"unique name of this replica in the cluster" default:"signalhub-1"`

	Sources   source.Config
	Query     query.Config
	Scheduler scheduler.Config
	Reaper    execlock.ReaperConfig
	Backfill  backfill.ChoreConfig
	Console   console.Config
}
