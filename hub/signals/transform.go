// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package signals

import (
	"context"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/query"
)

var mon = monkit.Package()

// Observed is the min/max of row timestamps seen during a transform.
type Observed struct {
	From time.Time
	To   time.Time
	Any  bool
}

// Interner assigns stable codes to segment tuples.
type Interner interface {
	Intern(ctx context.Context, loaderCode string, segments SegmentTuple) (int64, error)
}

// Transform maps source rows to aggregated signal records.
//
// The first column is the bucket timestamp in source-local time, the second
// the numeric measure, the remainder segment values. Rows sharing the same
// (segmentCode, bucket) fold into one record. Output order is first-seen.
func Transform(ctx context.Context, ld *loader.Loader, rows []query.Row, dict Interner) (_ []Record, _ Observed, err error) {
	defer mon.Task()(&ctx)(&err)

	offset := time.Duration(ld.TimezoneOffset) * time.Hour

	var observed Observed
	folded := map[Key]*Record{}
	var order []Key

	for i, row := range rows {
		if len(row.Values) < 2 {
			return nil, observed, Error.New("loader %s row %d has %d columns", ld.Code, i, len(row.Values))
		}

		bucket, err := parseTimestamp(row.Values[0])
		if err != nil {
			return nil, observed, Error.New("loader %s row %d timestamp: %v", ld.Code, i, err)
		}
		bucket = bucket.Add(-offset).UTC()

		if !observed.Any || bucket.Before(observed.From) {
			observed.From = bucket
		}
		if !observed.Any || bucket.After(observed.To) {
			observed.To = bucket
		}
		observed.Any = true

		if ld.AggregationSec > 0 {
			epoch := bucket.Unix()
			bucket = time.Unix(epoch-epoch%ld.AggregationSec, 0).UTC()
		}

		measure, err := parseMeasure(row.Values[1])
		if err != nil {
			return nil, observed, Error.New("loader %s row %d measure: %v", ld.Code, i, err)
		}

		var segments SegmentTuple
		for s, value := range row.Values[2:] {
			if s >= SegmentCount {
				break
			}
			if value == nil {
				continue
			}
			str := stringify(value)
			segments[s] = &str
		}

		code, err := dict.Intern(ctx, ld.Code, segments)
		if err != nil {
			return nil, observed, err
		}

		key := Key{LoadTimestamp: bucket.Unix(), SegmentCode: code}
		rec, ok := folded[key]
		if !ok {
			folded[key] = &Record{
				LoaderCode:    ld.Code,
				LoadTimestamp: key.LoadTimestamp,
				SegmentCode:   code,
				RecCount:      1,
				MinVal:        measure,
				MaxVal:        measure,
				SumVal:        measure,
			}
			order = append(order, key)
			continue
		}
		rec.RecCount++
		rec.SumVal += measure
		if measure < rec.MinVal {
			rec.MinVal = measure
		}
		if measure > rec.MaxVal {
			rec.MaxVal = measure
		}
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		rec := folded[key]
		rec.AvgVal = rec.SumVal / float64(rec.RecCount)
		out = append(out, *rec)
	}
	return out, observed, nil
}

func parseTimestamp(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(epoch, 0).UTC(), nil
		}
		return time.Time{}, Error.New("unparseable timestamp %q", v)
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, Error.New("unsupported timestamp type %T", value)
	}
}

func parseMeasure(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, Error.New("unparseable measure %q", v)
		}
		return f, nil
	case nil:
		return 0, Error.New("measure is null")
	default:
		return 0, Error.New("unsupported measure type %T", value)
	}
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}
