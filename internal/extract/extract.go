// Package extract resolves the extraction window, drives the paginated API
// pull, and persists the raw extract artifact.
package extract

import (
	"context"
	"fmt"
	"time"

	"calletl/internal/config"
	"calletl/internal/metrics"
	"calletl/internal/records"
	"calletl/internal/runlog"
	"calletl/internal/zoomapi"
)

const dateLayout = "2006-01-02"

// Extractor orchestrates one extraction run.
type Extractor struct {
	cfg     config.Extract
	fetcher *zoomapi.PageFetcher
	log     *runlog.Logger

	now func() time.Time
}

// New wires an extractor from config. The fetcher owns pagination and rate
// limiting; the extractor owns window resolution and the artifact.
func New(cfg config.Extract, log *runlog.Logger) *Extractor {
	client := zoomapi.NewClient(zoomapi.ClientConfig{
		BaseURL:           cfg.BaseURL,
		RequestsPerWindow: cfg.RequestsPerSecond,
		Window:            time.Second,
	})
	return &Extractor{
		cfg: cfg,
		fetcher: &zoomapi.PageFetcher{
			Client:   client,
			Issuer:   zoomapi.NewTokenIssuer(cfg.APIKey, cfg.APISecret),
			PageSize: cfg.PageSize,
			Log:      log,
		},
		log: log,
		now: time.Now,
	}
}

// ResolveWindow computes the extraction date range.
//
// With useDateRange the configured start/end dates are taken verbatim
// (end date "today" resolves to the current calendar date). Otherwise the
// start derives from {period, num_periods} relative to today:
//
//	day:   today minus (num_periods-1) days
//	month: first day of the month (num_periods-1) months back
//	year:  January 1 of the year (num_periods-1) years back
//
// num_periods of 1 therefore always means the current day/month/year to
// date. An unrecognized period is a configuration error.
func (e *Extractor) ResolveWindow(useDateRange bool) (zoomapi.Window, error) {
	today := e.now()

	end := e.cfg.EndDate
	if end == "today" {
		end = today.Format(dateLayout)
	}

	if useDateRange {
		return zoomapi.Window{Start: e.cfg.StartDate, End: end}, nil
	}

	n := e.cfg.NumPeriods
	var start time.Time
	switch e.cfg.Period {
	case "day":
		start = today.AddDate(0, 0, -(n - 1))
	case "month":
		// Anchor on the first before subtracting so month arithmetic never
		// normalizes across a short month.
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		start = first.AddDate(0, -(n - 1), 0)
	case "year":
		start = time.Date(today.Year()-(n-1), time.January, 1, 0, 0, 0, 0, today.Location())
	default:
		return zoomapi.Window{}, fmt.Errorf("extract: invalid period %q (want day, month, or year)", e.cfg.Period)
	}

	return zoomapi.Window{Start: start.Format(dateLayout), End: end}, nil
}

// Run resolves the window and pulls every available record into a table.
func (e *Extractor) Run(ctx context.Context, useDateRange bool) (*records.Table, error) {
	w, err := e.ResolveWindow(useDateRange)
	if err != nil {
		return nil, err
	}

	tbl, err := e.fetcher.Fetch(ctx, w)
	if err != nil {
		return nil, err
	}

	metrics.IncCounter(metrics.MetricRecordsTotal, float64(tbl.Len()), metrics.Labels{"kind": "extracted"})
	if max, ok := tbl.MaxTime("date_time"); ok {
		min, _ := minTime(tbl, "date_time")
		e.log.Infof("extract", "extracted table has max datetime %s, min datetime %s, %d rows, %d columns",
			max.Format(time.RFC3339), min.Format(time.RFC3339), tbl.Len(), len(tbl.Columns))
	} else {
		e.log.Infof("extract", "extracted table has %d rows, %d columns", tbl.Len(), len(tbl.Columns))
	}
	return tbl, nil
}

// WriteArtifact persists the raw extract as CSV at the configured path,
// fully overwriting the previous run's artifact.
func (e *Extractor) WriteArtifact(tbl *records.Table) error {
	if err := tbl.WriteFile(e.cfg.DownloadPath, ','); err != nil {
		return fmt.Errorf("extract: write artifact: %w", err)
	}
	e.log.Infof("extract", "raw extract written to %s", e.cfg.DownloadPath)
	return nil
}

func minTime(t *records.Table, column string) (time.Time, bool) {
	var min time.Time
	found := false
	for _, v := range t.Column(column) {
		ts, ok := records.ParseTime(v)
		if !ok {
			continue
		}
		if !found || ts.Before(min) {
			min = ts
			found = true
		}
	}
	return min, found
}
