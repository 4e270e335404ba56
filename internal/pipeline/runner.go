// Package pipeline sequences one ETL run: extract, archive the raw
// artifact, transform, load, stage, prune. Each step is timed and counted;
// the first failing step aborts the run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"calletl/internal/config"
	"calletl/internal/extract"
	"calletl/internal/metrics"
	"calletl/internal/records"
	"calletl/internal/runlog"
	"calletl/internal/transform"
	"calletl/internal/warehouse"
)

// Options select per-invocation behavior not carried in the config file.
type Options struct {
	// UseDateRange takes the configured start/end dates verbatim instead of
	// deriving the window from period settings.
	UseDateRange bool

	stager stager // test seam
}

// stager is the staging surface Run drives.
type stager interface {
	Archive(ctx context.Context, localPath string) error
	Prune(ctx context.Context, retainDays int) error
}

// Run executes one complete pipeline run against an open warehouse
// connection whose environment objects have already been ensured. The run
// log receives component-tagged lines throughout; the caller owns archiving
// it afterwards.
func Run(ctx context.Context, cfg config.Pipeline, rlog *runlog.Logger, w *warehouse.Writer, opts Options) error {
	ext := extract.New(cfg.Extract, rlog)

	var tbl *records.Table
	if err := step("extract", func() error {
		var err error
		tbl, err = ext.Run(ctx, opts.UseDateRange)
		return err
	}); err != nil {
		return err
	}

	if err := step("artifact", func() error {
		return ext.WriteArtifact(tbl)
	}); err != nil {
		return err
	}

	if err := step("transform", func() error {
		var err error
		tbl, err = transform.New(w, rlog, cfg.Load.Table).Run(ctx, tbl)
		return err
	}); err != nil {
		return err
	}

	if err := step("load", func() error {
		// A run with zero extracted records has no columns to derive a
		// schema from; there is nothing to create or append.
		if len(tbl.Columns) == 0 {
			rlog.Infof("load", "nothing extracted; destination untouched")
			return nil
		}
		if err := w.EnsureTable(ctx, cfg.Load.Table, tbl, cfg.Load.DatetimeColumns); err != nil {
			return err
		}
		_, err := w.Append(ctx, cfg.Load.Table, tbl)
		return err
	}); err != nil {
		return err
	}

	st := opts.stager
	if st == nil {
		st = warehouse.NewStager(w, cfg.Load.Stage, rlog)
	}
	if err := step("stage", func() error {
		return st.Archive(ctx, cfg.Extract.DownloadPath)
	}); err != nil {
		return err
	}

	return step("prune", func() error {
		return st.Prune(ctx, cfg.Load.DaysToStage)
	})
}

// ArchiveRunLog parses the finished run log back into a table and appends
// it to the audit table. Call after the logger is closed so every line is
// on disk.
func ArchiveRunLog(ctx context.Context, cfg config.Log, w *warehouse.Writer) error {
	tbl, err := records.ReadFile(cfg.FilePath, '|', cfg.ColNames)
	if err != nil {
		return fmt.Errorf("pipeline: read run log: %w", err)
	}
	if tbl.Len() == 0 {
		return nil
	}

	table := warehouse.QualifiedName(cfg.Database, cfg.Schema, cfg.TableName)
	if err := w.EnsureTable(ctx, table, tbl, cfg.DatetimeColumns); err != nil {
		return err
	}
	_, err = w.Append(ctx, table, tbl)
	return err
}

// step runs fn and emits the step counter and duration histogram.
func step(name string, fn func() error) error {
	start := time.Now()
	err := fn()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IncCounter(metrics.MetricStepTotal, 1, metrics.Labels{"step": name, "status": status})
	metrics.ObserveHistogram(metrics.MetricStepDuration, time.Since(start).Seconds(), metrics.Labels{"step": name})
	return err
}
