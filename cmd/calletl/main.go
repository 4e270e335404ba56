// Command calletl runs the scheduled call-log ETL pipeline: pull call
// records from the telephony provider's paginated API, filter them against
// the warehouse watermark, bulk-append the remainder, archive the raw
// extract to a date-partitioned stage, and load the run log into the audit
// table.
//
// Secrets (API credentials, warehouse password) come from the environment,
// optionally seeded from a .env file in the working directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"calletl/internal/config"
	"calletl/internal/metrics"
	"calletl/internal/metrics/datadog"
	"calletl/internal/pipeline"
	"calletl/internal/runlog"
	"calletl/internal/warehouse"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(0)
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatalf("calletl: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("calletl", flag.ExitOnError)
	var (
		configPath     = fs.String("config", "configs/call_logs.json", "path to the pipeline config file")
		useDateRange   = fs.Bool("use-date-range", false, "extract the configured start/end dates instead of the rolling period")
		validateOnly   = fs.Bool("validate", false, "validate the config and exit")
		metricsBackend = fs.String("metrics-backend", "none", "metrics backend: none or datadog")
		metricsTags    = fs.String("metrics-tags", "", "extra metric tags, comma-separated key:value pairs")
		keepArtifacts  = fs.Bool("keep-artifacts", false, "keep the local raw extract and run log after a successful run")
		verbose        = fs.Bool("v", false, "mirror run log lines to stderr")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Read(*configPath)
	if err != nil {
		return err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		log.Printf("config %s: %s: %s", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("config: %s failed validation", *configPath)
	}
	if *validateOnly {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *metricsBackend {
	case "none":
	case "datadog":
		be, err := datadog.NewBackend(ctx, datadog.Options{
			JobName: cfg.Job,
			Tags:    datadog.ParseTagsCSV(*metricsTags),
		})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics.SetBackend(be)
		defer func() {
			if err := be.Close(); err != nil {
				log.Printf("metrics: final flush failed: %v", err)
			}
		}()
	default:
		return fmt.Errorf("unknown metrics backend %q (want none or datadog)", *metricsBackend)
	}

	rlog, err := runlog.New(cfg.Log.FilePath, cfg.Job, *verbose)
	if err != nil {
		return err
	}
	defer rlog.Close()

	w, err := warehouse.Open(ctx, cfg.Load, rlog)
	if err != nil {
		return err
	}
	defer w.Close()

	runErr := w.EnsureEnvironment(ctx)
	if runErr == nil {
		runErr = pipeline.Run(ctx, *cfg, rlog, w, pipeline.Options{
			UseDateRange: *useDateRange || cfg.UseDateRange(),
		})
	}
	if runErr != nil {
		rlog.Errorf("pipeline", "run failed: %v", runErr)
	} else {
		rlog.Infof("pipeline", "run complete")
	}

	// The audit trail is loaded for failed runs too; that is when someone
	// reads it.
	if err := rlog.Close(); err != nil {
		log.Printf("run log: %v", err)
	}
	if err := pipeline.ArchiveRunLog(ctx, cfg.Log, w); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			log.Printf("run log load failed: %v", err)
		}
	}

	if runErr == nil && !*keepArtifacts {
		for _, p := range []string{cfg.Extract.DownloadPath, cfg.Log.FilePath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Printf("cleanup %s: %v", p, err)
			}
		}
	}
	return runErr
}
