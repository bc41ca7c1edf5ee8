// Package main applies or inspects schema migrations for the queue store and the history store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sdk-batch-processor/internal/config"
	"github.com/sdk-batch-processor/internal/storage"
)

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version")
		target  = flag.String("db", "postgres", "Target store: postgres, clickhouse")
		timeout = flag.Duration("timeout", 5*time.Minute, "Upper bound for the whole migration run")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := migrate(ctx, cfg, *target, *action); err != nil {
		log.Printf("%s %s failed: %v", *target, *action, err)
		cancel()
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *config.Config, target, action string) error {
	switch target {
	case "postgres":
		return migratePostgres(&cfg.Database.Postgres, action)
	case "clickhouse":
		return migrateClickHouse(ctx, &cfg.Database.ClickHouse, action)
	default:
		return fmt.Errorf("unknown target %q", target)
	}
}

func migratePostgres(cfg *config.PostgresConfig, action string) error {
	switch action {
	case "up":
		if err := storage.RunMigrations(cfg); err != nil {
			return err
		}
		log.Println("queue store schema is up to date")
	case "down":
		if err := storage.RollbackMigrations(cfg); err != nil {
			return err
		}
		log.Println("rolled back one queue store migration")
	case "version":
		version, dirty, err := storage.MigrationVersion(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

// migrateClickHouse is forward-only; history tables are append-only.
func migrateClickHouse(ctx context.Context, cfg *config.ClickHouseConfig, action string) error {
	if action != "up" {
		return fmt.Errorf("history store supports only the up action")
	}
	if !cfg.Enabled() {
		return fmt.Errorf("CLICKHOUSE_HOST is not set")
	}
	if _, err := os.Stat(cfg.MigrationsPath); err != nil {
		return fmt.Errorf("migrations directory %s: %w", cfg.MigrationsPath, err)
	}

	db, err := storage.NewClickHouseDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ran, err := storage.RunClickHouseMigrations(ctx, db, cfg.MigrationsPath)
	for _, name := range ran {
		log.Printf("applied %s", name)
	}
	if err != nil {
		return err
	}
	log.Printf("history store schema is up to date (%d new)", len(ran))
	return nil
}
