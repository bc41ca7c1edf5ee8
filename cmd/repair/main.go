// Package main provides the repair pass that replays best-effort persistence steps.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sdk-batch-processor/internal/app"
	"github.com/sdk-batch-processor/internal/config"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/ratelimit"
	"github.com/sdk-batch-processor/internal/report"
	"github.com/sdk-batch-processor/internal/service"
)

func main() {
	var (
		since       = flag.Duration("since", 24*time.Hour, "Replay records processed within this window")
		limit       = flag.Int("limit", 500, "Maximum records and rows to inspect per phase")
		skipRebuild = flag.Bool("skip-rebuild", false, "Do not re-read the chain for completed rows without records")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("repair-cmd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	deps, err := app.New(ctx, cfg, ratelimit.PriorityLow)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer deps.Close()

	result, err := deps.ReconcileService().Run(ctx, service.ReconcileOptions{
		Since:       time.Now().Add(-*since),
		Limit:       *limit,
		SkipRebuild: *skipRebuild,
	})
	if err != nil {
		log.Printf("Repair pass failed: %v", err)
		deps.Close()
		os.Exit(1)
	}

	report.Reconcile(os.Stdout, result)
	if result.Failed > 0 {
		deps.Close()
		os.Exit(2)
	}
}
