// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package signals

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

var ingestedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "signalhub_signals_ingested_total",
	Help: "Signal rows handled by ingest, by category.",
}, []string{"loader", "category"})

// Ingest writes transformed records to the store under the loader's purge
// strategy. Atomicity per run is owed to the store's Ingest transaction.
//
// architecture: Service
type Ingest struct {
	log *zap.Logger
	db  DB
}

// NewIngest creates an ingest service.
func NewIngest(log *zap.Logger, db DB) *Ingest {
	return &Ingest{log: log, db: db}
}

// Apply writes the batch and reports per-category counts. Under
// FAIL_ON_DUPLICATE a conflicting batch inserts nothing and the error has
// class ErrDuplicate.
func (i *Ingest) Apply(ctx context.Context, ld *loader.Loader, w timewindow.Window, records []Record, strategy loader.PurgeStrategy, loadHistoryID int64) (_ IngestResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if !strategy.Valid() {
		return IngestResult{}, Error.New("unknown purge strategy %q", strategy)
	}
	for idx := range records {
		records[idx].LoadHistoryID = loadHistoryID
	}

	result, err := i.db.Ingest(ctx, ld.Code, w, records, strategy)
	if err != nil {
		return result, errs.Wrap(err)
	}

	ingestedCounter.WithLabelValues(ld.Code, "ingested").Add(float64(result.Ingested))
	ingestedCounter.WithLabelValues(ld.Code, "skipped").Add(float64(result.Skipped))
	ingestedCounter.WithLabelValues(ld.Code, "purged").Add(float64(result.Purged))

	i.log.Debug("ingest applied",
		zap.String("loader", ld.Code),
		zap.String("strategy", string(strategy)),
		zap.Int64("ingested", result.Ingested),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("purged", result.Purged))
	return result, nil
}

// Query returns signal rows for the loader between the epoch bounds.
func (i *Ingest) Query(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)
	return i.db.Query(ctx, loaderCode, fromEpoch, toEpoch)
}
