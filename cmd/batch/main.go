// Package main provides the batch orchestrator entry point for the SDK batch processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sdk-batch-processor/internal/app"
	"github.com/sdk-batch-processor/internal/config"
	"github.com/sdk-batch-processor/internal/job"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/ratelimit"
	"github.com/sdk-batch-processor/internal/report"
	"github.com/sdk-batch-processor/internal/types"
	"github.com/sdk-batch-processor/internal/worker"
)

func main() {
	var (
		trigger       = flag.String("trigger", string(types.TriggerManual), "Trigger source recorded on the run: cron, manual")
		interval      = flag.Duration("interval", 0, "Run repeatedly on this interval instead of once (e.g. 1h)")
		includeFailed = flag.Bool("include-failed", false, "Also re-drive failed rows that still have retry budget")
		limit         = flag.Int("limit", 0, "Maximum rows per run (0 = no limit)")
		history       = flag.Int("history", 0, "Print the N most recent runs and exit")
	)
	flag.Parse()

	source := types.TriggerSource(*trigger)
	if source != types.TriggerCron && source != types.TriggerManual {
		log.Fatalf("Invalid trigger %q: must be cron or manual", *trigger)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("batch-cmd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	deps, err := app.New(ctx, cfg, ratelimit.PriorityLow)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer deps.Close()

	if *history > 0 {
		runs, err := deps.Runs.ListRecent(ctx, *history)
		if err != nil {
			log.Fatalf("Failed to list batch runs: %v", err)
		}
		report.BatchRuns(os.Stdout, runs)
		return
	}

	processor := deps.BatchProcessor(*includeFailed, *limit)

	if *interval > 0 {
		runDaemon(ctx, processor, source, *interval)
		return
	}

	stats, err := processor.Run(ctx, source)
	report.RunSummary(os.Stdout, stats)
	if err != nil {
		log.Printf("Batch run failed: %v", err)
		deps.Close()
		os.Exit(1)
	}
}

// runDaemon repeats the batch on an interval until a signal arrives
func runDaemon(ctx context.Context, processor *job.BatchProcessor, source types.TriggerSource, interval time.Duration) {
	w, err := worker.NewBatchWorker(&worker.BatchWorkerConfig{
		Runner:   processor,
		Interval: interval,
		Trigger:  source,
		OnRun: func(stats *job.RunStatistics, err error) {
			report.RunSummary(os.Stdout, stats)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create batch worker: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		log.Fatalf("Failed to start batch worker: %v", err)
	}
	fmt.Printf("Batch worker running every %v, Ctrl+C to stop\n", interval)

	<-ctx.Done()
	log.Println("Shutdown signal received, waiting for the current run...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-w.Done():
	case <-shutdownCtx.Done():
		log.Println("Timed out waiting for the batch worker")
	}
	log.Println("Batch worker stopped")
}
