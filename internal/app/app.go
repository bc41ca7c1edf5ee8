// Package app wires the stores, the ledger client and the services for the command binaries.
package app

import (
	"context"
	"fmt"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/api"
	"github.com/sdk-batch-processor/internal/config"
	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/job"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/ratelimit"
	"github.com/sdk-batch-processor/internal/retry"
	"github.com/sdk-batch-processor/internal/service"
	"github.com/sdk-batch-processor/internal/storage"
)

// App holds every long-lived dependency of one process
type App struct {
	Config *config.Config

	Postgres   *storage.PostgresDB
	ClickHouse *storage.ClickHouseDB
	Redis      *storage.RedisCache

	Pool    *adapter.RPCPool
	Tracker *ratelimit.BudgetTracker
	Ledger  *adapter.ContractLedger

	Queue     *storage.PendingTransactionRepository
	Runs      *storage.BatchRunRepository
	Records   *storage.TransactionRecordRepository
	Users     *storage.UserStatsRepository
	Campaigns *storage.CampaignRepository
	History   *storage.HistoryRepository

	Inspector *service.ChainInspector
	Validator *service.EligibilityValidator
	Mutator   *service.LedgerMutator
	Writer    *service.PersistenceWriter
	Processor *service.RecordProcessor
}

// New connects to the stores and the RPC endpoints. priority selects the RPC budget pool
// the process draws from.
func New(ctx context.Context, cfg *config.Config, priority ratelimit.Priority) (*App, error) {
	logger := logging.FromContext(ctx).WithComponent("app")
	a := &App{Config: cfg}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.Postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	a.Redis, err = storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.Database.ClickHouse.Enabled() {
		a.ClickHouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		a.History = storage.NewHistoryRepository(a.ClickHouse)
	} else {
		logger.Info("clickhouse not configured, history sink disabled")
	}

	if err := a.connectLedger(ctx, priority); err != nil {
		return nil, err
	}

	a.Queue = storage.NewPendingTransactionRepository(a.Postgres)
	a.Runs = storage.NewBatchRunRepository(a.Postgres)
	a.Records = storage.NewTransactionRecordRepository(a.Postgres)
	a.Users = storage.NewUserStatsRepository(a.Postgres)
	a.Campaigns = storage.NewCampaignRepository(a.Postgres)

	a.buildServices()

	logger.WithFields(map[string]interface{}{
		"network":   cfg.Ledger.Network,
		"endpoints": len(cfg.Ledger.RPCURLs),
		"priority":  priority.String(),
		"verifier":  a.Ledger.VerifierAddress().Hex(),
	}).Info("dependencies initialized")

	ok = true
	return a, nil
}

// connectLedger builds RPCPool -> RateLimitedClient -> ContractLedger
func (a *App) connectLedger(ctx context.Context, priority ratelimit.Priority) error {
	cfg := a.Config

	var err error
	a.Pool, err = adapter.NewRPCPool(ctx, &adapter.RPCPoolConfig{Endpoints: cfg.Ledger.RPCURLs})
	if err != nil {
		return err
	}

	a.Tracker, err = ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          a.Redis.Client(),
		TotalBudget:    cfg.RateLimit.RPCTotalCU,
		ReservedBudget: cfg.RateLimit.RPCReservedCU,
		WindowSize:     cfg.RateLimit.RPCWindow,
		KeyTTL:         2 * cfg.RateLimit.RPCWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create rpc budget tracker: %w", err)
	}

	client, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
		Client:       a.Pool,
		Tracker:      a.Tracker,
		CostRegistry: ratelimit.NewCostRegistry(ratelimit.DefaultCUCost, nil),
		Priority:     priority,
		MaxWait:      cfg.RateLimit.RPCMaxWait,
	})
	if err != nil {
		return fmt.Errorf("failed to create rate-limited client: %w", err)
	}

	a.Ledger, err = adapter.NewContractLedger(ctx, &adapter.ContractLedgerConfig{
		Client:              client,
		ContractAddress:     cfg.Ledger.ContractAddress,
		VerifierPrivateKey:  cfg.Ledger.VerifierPrivateKey,
		ChainID:             cfg.Ledger.ChainID,
		ConfirmationTimeout: cfg.Ledger.ConfirmationTimeout,
		ReceiptPollInterval: cfg.Ledger.ReceiptPollInterval,
		CallTimeout:         cfg.Ledger.CallTimeout,
		GasLimitMultiplier:  cfg.Ledger.GasLimitMultiplier,
		BreakerMaxFailures:  cfg.Ledger.BreakerMaxFailures,
		BreakerResetTimeout: cfg.Ledger.BreakerResetTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}
	return nil
}

func (a *App) buildServices() {
	cfg := a.Config

	readRetry := &retry.RetryConfig{
		MaxAttempts:  cfg.Ledger.ReadRetryAttempts,
		InitialDelay: cfg.Ledger.ReadRetryInitialWait,
		MaxDelay:     10 * cfg.Ledger.ReadRetryInitialWait,
		Multiplier:   2,
		ShouldRetry:  errors.IsRetryable,
	}

	// a nil *HistoryRepository must not reach the interface
	var history service.HistorySink
	if a.History != nil {
		history = a.History
	}

	a.Inspector = service.NewChainInspector(a.Ledger, a.Ledger, a.Redis, readRetry)
	a.Validator = service.NewEligibilityValidator(a.Ledger)
	a.Mutator = service.NewLedgerMutator(a.Ledger)
	a.Writer = service.NewPersistenceWriter(&service.PersistenceWriterConfig{
		Queue:     a.Queue,
		Records:   a.Records,
		Users:     a.Users,
		Campaigns: a.Campaigns,
		History:   history,
		Cache:     a.Redis,
	})
	a.Processor = service.NewRecordProcessor(&service.RecordProcessorConfig{
		Queue:      a.Queue,
		Inspector:  a.Inspector,
		Validator:  a.Validator,
		Mutator:    a.Mutator,
		Writer:     a.Writer,
		MinReward:  cfg.Batch.MinRewardWei,
		StaleAfter: cfg.Batch.ProcessingTimeout,
	})
}

// BatchProcessor returns an orchestrator paced by the batch settings. limit caps rows per run; zero means no cap.
func (a *App) BatchProcessor(includeFailed bool, limit int) *job.BatchProcessor {
	b := a.Config.Batch
	return job.NewBatchProcessor(a.Queue, a.Runs, a.Processor, &job.BatchConfig{
		BatchSize:      b.Size,
		RecordDelayMin: b.RecordDelayMin,
		RecordDelayMax: b.RecordDelayMax,
		BatchDelay:     b.BatchDelay,
		IncludeFailed:  includeFailed || b.IncludeFailed,
		StaleAfter:     b.ProcessingTimeout,
		Limit:          limit,
	})
}

// SubmitService returns the on-demand submission service
func (a *App) SubmitService() *service.SubmitService {
	return service.NewSubmitService(a.Queue, a.Processor, a.Inspector, a.Config.Ledger.Network, a.Config.Batch.MaxRetries)
}

// ReconcileService returns the repair service
func (a *App) ReconcileService() *service.ReconcileService {
	return service.NewReconcileService(a.Records, a.Writer, a.Inspector, a.Validator, a.Config.Batch.MinRewardWei)
}

// HealthProbes reports store connectivity, queue depth, RPC budget, breaker and pool state
func (a *App) HealthProbes() map[string]api.HealthProbe {
	probes := map[string]api.HealthProbe{
		"postgres": func(ctx context.Context) (interface{}, error) {
			return nil, a.Postgres.Ping(ctx)
		},
		"redis": func(ctx context.Context) (interface{}, error) {
			return nil, a.Redis.Ping(ctx)
		},
		"queue": func(ctx context.Context) (interface{}, error) {
			return a.Queue.CountByStatus(ctx)
		},
		"rpcBudget": func(ctx context.Context) (interface{}, error) {
			return a.Tracker.GetUsage(ctx)
		},
		"ledgerBreaker": func(ctx context.Context) (interface{}, error) {
			return a.Ledger.BreakerStats(), nil
		},
		"rpcPool": func(ctx context.Context) (interface{}, error) {
			return a.Pool.Status(), nil
		},
	}
	if a.ClickHouse != nil {
		probes["clickhouse"] = func(ctx context.Context) (interface{}, error) {
			return nil, a.ClickHouse.Ping(ctx)
		}
	}
	return probes
}

// Close releases every connection opened by New
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			logging.WithError(err).Warn("failed to close clickhouse")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("failed to close redis")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
