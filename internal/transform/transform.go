// Package transform reshapes a freshly extracted record table for loading:
// reserved-word renames, canonical column case, and the watermark filter
// that keeps the load idempotent across runs.
package transform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calletl/internal/metrics"
	"calletl/internal/records"
	"calletl/internal/runlog"
)

// Watermarker is the slice of the warehouse writer the transformer needs:
// existence of the destination table and its current high watermark.
type Watermarker interface {
	TableExists(ctx context.Context, table string) (bool, error)
	MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error)
}

// TimeColumn is the canonical (post-rename) timestamp column the watermark
// is computed over.
const TimeColumn = "DATE_TIME"

// Transformer filters extracted rows down to those not yet loaded.
type Transformer struct {
	wh    Watermarker
	log   *runlog.Logger
	table string
}

// New returns a transformer targeting the given destination table.
func New(wh Watermarker, log *runlog.Logger, table string) *Transformer {
	return &Transformer{wh: wh, log: log, table: table}
}

// Run transforms tbl in three steps:
//
//  1. Rename "id" to "record_id" ("id" is a reserved word downstream).
//  2. Uppercase every column name.
//  3. Drop rows at or before the destination's current max timestamp. The
//     bound is exclusive: a row exactly at the watermark was loaded by a
//     prior run.
//
// A destination table that does not exist yet yields a zero watermark, so
// the first run loads everything instead of failing.
//
// Rows whose timestamp cell cannot be parsed are dropped and counted; they
// could never be deduplicated on a later run.
func (t *Transformer) Run(ctx context.Context, tbl *records.Table) (*records.Table, error) {
	tbl.Rename("id", "record_id")
	tbl.MapColumns(strings.ToUpper)

	watermark, err := t.watermark(ctx)
	if err != nil {
		return nil, err
	}

	ci := tbl.ColumnIndex(TimeColumn)
	if ci < 0 {
		if tbl.Len() > 0 {
			return nil, fmt.Errorf("transform: extracted table has no %s column", TimeColumn)
		}
		return tbl, nil
	}

	dropped := 0
	out := tbl.Filter(func(row []any) bool {
		ts, ok := records.ParseTime(row[ci])
		if !ok {
			dropped++
			return false
		}
		return ts.After(watermark)
	})

	if dropped > 0 {
		t.log.Errorf("transform", "%d rows dropped: unparseable %s value", dropped, TimeColumn)
	}
	metrics.IncCounter(metrics.MetricRecordsTotal, float64(out.Len()), metrics.Labels{"kind": "transformed"})

	if max, ok := out.MaxTime(TimeColumn); ok {
		t.log.Infof("transform", "transformed table has max datetime %s, %d rows, %d columns",
			max.Format(time.RFC3339), out.Len(), len(out.Columns))
	} else {
		t.log.Infof("transform", "transformed table is empty (nothing newer than the watermark)")
	}
	return out, nil
}

// watermark reads the destination's current max timestamp. Missing
// database/schema errors from the writer stay fatal; a missing table is the
// bootstrap path.
func (t *Transformer) watermark(ctx context.Context) (time.Time, error) {
	exists, err := t.wh.TableExists(ctx, t.table)
	if err != nil {
		return time.Time{}, fmt.Errorf("transform: check destination table: %w", err)
	}
	if !exists {
		t.log.Infof("transform", "destination table %s does not exist yet; loading the full window", t.table)
		return time.Time{}, nil
	}

	wm, found, err := t.wh.MaxTimestamp(ctx, t.table, TimeColumn)
	if err != nil {
		return time.Time{}, fmt.Errorf("transform: read watermark: %w", err)
	}
	if !found {
		t.log.Infof("transform", "destination table %s is empty; loading the full window", t.table)
		return time.Time{}, nil
	}

	t.log.Infof("transform", "most recent datetime in the warehouse prior to load: %s", wm.Format(time.RFC3339))
	return wm, nil
}
