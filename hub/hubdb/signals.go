// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/loader/timewindow"
	"github.com/signalhub/signalhub/hub/signals"
)

// signalsDB implements signals.DB on signals_history.
type signalsDB struct {
	db *DB
}

type signalRow struct {
	ID            int64     `db:"id"`
	LoaderCode    string    `db:"loader_code"`
	LoadTimestamp int64     `db:"load_timestamp"`
	SegmentCode   int64     `db:"segment_code"`
	RecCount      int64     `db:"rec_count"`
	MinVal        float64   `db:"min_val"`
	MaxVal        float64   `db:"max_val"`
	AvgVal        float64   `db:"avg_val"`
	SumVal        float64   `db:"sum_val"`
	LoadHistoryID int64     `db:"load_history_id"`
	CreateTime    time.Time `db:"create_time"`
}

func (sdb *signalsDB) Ingest(ctx context.Context, loaderCode string, w timewindow.Window, records []signals.Record, strategy loader.PurgeStrategy) (result signals.IngestResult, err error) {
	defer mon.Task()(&ctx)(&err)

	fromEpoch, toEpoch := w.From.Unix(), w.To.Unix()

	err = sdb.db.withTx(ctx, func(tx *sqlx.Tx) error {
		// counters reset on serialization retry
		result = signals.IngestResult{Loaded: int64(len(records))}
		switch strategy {
		case loader.PurgeAndReload:
			purged, err := sdb.purgeWindow(ctx, tx, loaderCode, fromEpoch, toEpoch)
			if err != nil {
				return err
			}
			result.Purged = purged
			return sdb.insertAll(ctx, tx, records, &result)

		case loader.FailOnDuplicate, loader.SkipDuplicates:
			existing, err := sdb.existingKeys(ctx, tx, loaderCode, fromEpoch, toEpoch)
			if err != nil {
				return err
			}
			fresh, dupes := signals.Partition(records, existing)
			if strategy == loader.FailOnDuplicate && len(dupes) > 0 {
				return signals.ErrDuplicate.New("%d of %d rows already present for %s",
					len(dupes), len(records), loaderCode)
			}
			result.Skipped = int64(len(dupes))
			return sdb.insertAll(ctx, tx, fresh, &result)

		default:
			return signals.Error.New("unknown purge strategy %q", strategy)
		}
	})
	if err != nil {
		return signals.IngestResult{Loaded: result.Loaded}, err
	}
	return result, nil
}

func (sdb *signalsDB) purgeWindow(ctx context.Context, tx *sqlx.Tx, loaderCode string, fromEpoch, toEpoch int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM signals_history
		WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3`,
		loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return purged, nil
}

func (sdb *signalsDB) existingKeys(ctx context.Context, tx *sqlx.Tx, loaderCode string, fromEpoch, toEpoch int64) (map[signals.Key]bool, error) {
	var rows []struct {
		LoadTimestamp int64 `db:"load_timestamp"`
		SegmentCode   int64 `db:"segment_code"`
	}
	err := tx.SelectContext(ctx, &rows, `
		SELECT load_timestamp, segment_code FROM signals_history
		WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3`,
		loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	existing := make(map[signals.Key]bool, len(rows))
	for _, row := range rows {
		existing[signals.Key{LoadTimestamp: row.LoadTimestamp, SegmentCode: row.SegmentCode}] = true
	}
	return existing, nil
}

func (sdb *signalsDB) insertAll(ctx context.Context, tx *sqlx.Tx, records []signals.Record, result *signals.IngestResult) error {
	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signals_history (
				loader_code, load_timestamp, segment_code,
				rec_count, min_val, max_val, avg_val, sum_val, load_history_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.LoaderCode, r.LoadTimestamp, r.SegmentCode,
			r.RecCount, r.MinVal, r.MaxVal, r.AvgVal, r.SumVal, r.LoadHistoryID)
		if err != nil {
			if isUniqueViolation(err) {
				return signals.ErrDuplicate.New("signal (%d, %d) already present for %s",
					r.LoadTimestamp, r.SegmentCode, r.LoaderCode)
			}
			return Error.Wrap(err)
		}
		result.Ingested++
	}
	return nil
}

func (sdb *signalsDB) Query(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (_ []signals.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []signalRow
	err = sdb.db.db.SelectContext(ctx, &rows, `
		SELECT id, loader_code, load_timestamp, segment_code,
			rec_count, min_val, max_val, avg_val, sum_val, load_history_id, create_time
		FROM signals_history
		WHERE loader_code = $1 AND load_timestamp >= $2 AND load_timestamp < $3
		ORDER BY load_timestamp, segment_code`,
		loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]signals.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, signals.Record{
			LoaderCode:    row.LoaderCode,
			LoadTimestamp: row.LoadTimestamp,
			SegmentCode:   row.SegmentCode,
			RecCount:      row.RecCount,
			MinVal:        row.MinVal,
			MaxVal:        row.MaxVal,
			AvgVal:        row.AvgVal,
			SumVal:        row.SumVal,
			LoadHistoryID: row.LoadHistoryID,
			CreateTime:    row.CreateTime,
		})
	}
	return out, nil
}

// segmentsDB implements signals.SegmentsDB on signals_segment_combinations.
type segmentsDB struct {
	db *DB
}

type segmentRow struct {
	LoaderCode  string  `db:"loader_code"`
	SegmentCode int64   `db:"segment_code"`
	Seg1        *string `db:"seg_1"`
	Seg2        *string `db:"seg_2"`
	Seg3        *string `db:"seg_3"`
	Seg4        *string `db:"seg_4"`
	Seg5        *string `db:"seg_5"`
	Seg6        *string `db:"seg_6"`
	Seg7        *string `db:"seg_7"`
	Seg8        *string `db:"seg_8"`
	Seg9        *string `db:"seg_9"`
	Seg10       *string `db:"seg_10"`
}

func (row *segmentRow) tuple() signals.SegmentTuple {
	return signals.SegmentTuple{
		row.Seg1, row.Seg2, row.Seg3, row.Seg4, row.Seg5,
		row.Seg6, row.Seg7, row.Seg8, row.Seg9, row.Seg10,
	}
}

// Intern returns the stable code for the tuple, assigning the next dense
// code per loader on first sighting. A lost race on either unique index
// leaves the tuple persisted by the winner, so the lookup is retried.
func (sdb *segmentsDB) Intern(ctx context.Context, loaderCode string, segments signals.SegmentTuple) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	for attempt := 0; attempt < 10; attempt++ {
		var code int64
		err := sdb.db.db.GetContext(ctx, &code, `
			SELECT segment_code FROM signals_segment_combinations
			WHERE loader_code = $1
			  AND seg_1 IS NOT DISTINCT FROM $2 AND seg_2 IS NOT DISTINCT FROM $3
			  AND seg_3 IS NOT DISTINCT FROM $4 AND seg_4 IS NOT DISTINCT FROM $5
			  AND seg_5 IS NOT DISTINCT FROM $6 AND seg_6 IS NOT DISTINCT FROM $7
			  AND seg_7 IS NOT DISTINCT FROM $8 AND seg_8 IS NOT DISTINCT FROM $9
			  AND seg_9 IS NOT DISTINCT FROM $10 AND seg_10 IS NOT DISTINCT FROM $11`,
			loaderCode,
			segments[0], segments[1], segments[2], segments[3], segments[4],
			segments[5], segments[6], segments[7], segments[8], segments[9])
		if err == nil {
			return code, nil
		}
		if !isNoRows(err) {
			return 0, Error.Wrap(err)
		}

		err = sdb.db.db.GetContext(ctx, &code, `
			INSERT INTO signals_segment_combinations (
				loader_code, segment_code,
				seg_1, seg_2, seg_3, seg_4, seg_5, seg_6, seg_7, seg_8, seg_9, seg_10
			)
			SELECT $1, coalesce(max(segment_code), 0) + 1,
				$2, $3, $4, $5, $6, $7, $8, $9, $10, $11
			FROM signals_segment_combinations WHERE loader_code = $1
			RETURNING segment_code`,
			loaderCode,
			segments[0], segments[1], segments[2], segments[3], segments[4],
			segments[5], segments[6], segments[7], segments[8], segments[9])
		if err == nil {
			return code, nil
		}
		if !isUniqueViolation(err) {
			return 0, Error.Wrap(err)
		}
	}
	return 0, Error.New("interning segment tuple for %s did not converge", loaderCode)
}

func (sdb *segmentsDB) List(ctx context.Context, loaderCode string) (_ []signals.Combination, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []segmentRow
	err = sdb.db.db.SelectContext(ctx, &rows, `
		SELECT loader_code, segment_code,
			seg_1, seg_2, seg_3, seg_4, seg_5, seg_6, seg_7, seg_8, seg_9, seg_10
		FROM signals_segment_combinations
		WHERE loader_code = $1
		ORDER BY segment_code`, loaderCode)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]signals.Combination, 0, len(rows))
	for i := range rows {
		out = append(out, signals.Combination{
			LoaderCode:  rows[i].LoaderCode,
			SegmentCode: rows[i].SegmentCode,
			Segments:    rows[i].tuple(),
		})
	}
	return out, nil
}
