// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package signals holds the aggregated signal records produced by loader
// runs, the row transformer that builds them, the segment dictionary and
// the ingest strategies.
package signals

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

var (
	// Error is the default signals errs class.
	Error = errs.Class("signals")
	// ErrDuplicate is returned by FAIL_ON_DUPLICATE ingest when any
	// candidate key already exists in the store.
	ErrDuplicate = errs.Class("duplicate signals")
)

// SegmentCount is the number of segment dimensions per signal row.
const SegmentCount = 10

// SegmentTuple is the up-to-10 string dimensions of a signal row. Unused
// positions are nil.
type SegmentTuple [SegmentCount]*string

// Record is one aggregated signal row.
type Record struct {
	LoaderCode    string
	LoadTimestamp int64 // epoch seconds of the aggregation bucket, UTC
	SegmentCode   int64
	RecCount      int64
	MinVal        float64
	MaxVal        float64
	AvgVal        float64
	SumVal        float64
	LoadHistoryID int64
	CreateTime    time.Time
}

// Key identifies a signal row inside one loader's stream.
type Key struct {
	LoadTimestamp int64
	SegmentCode   int64
}

// KeyOf returns the duplicate-detection key of the record.
func KeyOf(r Record) Key {
	return Key{LoadTimestamp: r.LoadTimestamp, SegmentCode: r.SegmentCode}
}

// Partition splits candidates into records absent from existing and
// records whose key is already present.
func Partition(candidates []Record, existing map[Key]bool) (fresh, dupes []Record) {
	for _, r := range candidates {
		if existing[KeyOf(r)] {
			dupes = append(dupes, r)
		} else {
			fresh = append(fresh, r)
		}
	}
	return fresh, dupes
}

// Combination is a persisted segment tuple with its interned code.
type Combination struct {
	LoaderCode  string
	SegmentCode int64
	Segments    SegmentTuple
}

// SegmentsDB is the durable segment dictionary. Intern returns the stable
// code for the tuple, assigning the next dense code on first sighting.
// Concurrent first sightings converge on a single persisted code.
//
// architecture: Database
type SegmentsDB interface {
	Intern(ctx context.Context, loaderCode string, segments SegmentTuple) (int64, error)
	List(ctx context.Context, loaderCode string) ([]Combination, error)
}

// IngestResult reports per-category counts for one ingest.
type IngestResult struct {
	Loaded   int64 // candidates handed to ingest
	Ingested int64 // rows actually written
	Skipped  int64 // duplicates dropped under SKIP_DUPLICATES
	Purged   int64 // pre-existing rows deleted under PURGE_AND_RELOAD
}

// DB is the signal history storage. Ingest applies the whole batch in one
// transaction under the given strategy.
//
// architecture: Database
type DB interface {
	Ingest(ctx context.Context, loaderCode string, w timewindow.Window, records []Record, strategy loader.PurgeStrategy) (IngestResult, error)
	Query(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) ([]Record, error)
}
