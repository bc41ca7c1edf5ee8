package job

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/service"
	"github.com/sdk-batch-processor/internal/storage"
	"github.com/sdk-batch-processor/internal/types"
)

// SummaryInterrupted is the error summary of a run stopped by cancellation
const SummaryInterrupted = "interrupted"

// finalizeTimeout bounds the final run write after the run context is cancelled
const finalizeTimeout = 10 * time.Second

// QueueReader fetches the rows a run should process
type QueueReader interface {
	FetchEligible(ctx context.Context, opts storage.FetchOptions) ([]*models.PendingTransaction, error)
}

// RunStore persists batch run progress
type RunStore interface {
	Create(ctx context.Context, trigger types.TriggerSource) (*models.BatchRun, error)
	UpdateProgress(ctx context.Context, id string, p models.BatchRunProgress) error
	Finalize(ctx context.Context, id string, status types.BatchRunStatus, p models.BatchRunProgress, errorSummary *string) error
}

// RecordProcessor handles one queue row
type RecordProcessor interface {
	Process(ctx context.Context, row *models.PendingTransaction, runID string) (*service.RecordResult, error)
}

// BatchConfig controls pacing and selection for a run
type BatchConfig struct {
	BatchSize      int
	RecordDelayMin time.Duration
	RecordDelayMax time.Duration
	BatchDelay     time.Duration
	IncludeFailed  bool
	StaleAfter     time.Duration
	// Limit caps the rows fetched per run; zero means no cap
	Limit int
}

// DefaultBatchConfig returns 50-row sub-batches, 1-2s between records and 5s between sub-batches
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		BatchSize:      50,
		RecordDelayMin: time.Second,
		RecordDelayMax: 2 * time.Second,
		BatchDelay:     5 * time.Second,
		StaleAfter:     15 * time.Minute,
	}
}

// RecordFailure is a record that did not succeed in a run
type RecordFailure struct {
	Hash    string        `json:"transactionHash"`
	Outcome types.Outcome `json:"outcome"`
	Kind    errors.Kind   `json:"kind"`
	Message string        `json:"message"`
}

// RunStatistics accumulates the results of one run
type RunStatistics struct {
	RunID        string               `json:"runId"`
	Trigger      types.TriggerSource  `json:"trigger"`
	Status       types.BatchRunStatus `json:"status"`
	Total        int                  `json:"total"`
	Successful   int                  `json:"successful"`
	Failed       int                  `json:"failed"`
	Skipped      int                  `json:"skipped"`
	Retried      int                  `json:"retried"`
	TotalGasUsed *big.Int             `json:"totalGasUsed"`
	TotalFees    *big.Int             `json:"totalFees"`
	TotalRewards *big.Int             `json:"totalRewards"`
	Failures     []RecordFailure      `json:"failures,omitempty"`
	Interrupted  bool                 `json:"interrupted"`
	ErrorSummary string               `json:"errorSummary,omitempty"`
	StartedAt    time.Time            `json:"startedAt"`
	CompletedAt  time.Time            `json:"completedAt"`
}

func newRunStatistics(runID string, trigger types.TriggerSource, total int) *RunStatistics {
	return &RunStatistics{
		RunID:        runID,
		Trigger:      trigger,
		Status:       types.BatchRunStatusRunning,
		Total:        total,
		TotalGasUsed: new(big.Int),
		TotalFees:    new(big.Int),
		TotalRewards: new(big.Int),
		StartedAt:    time.Now().UTC(),
	}
}

// Add folds one record result into the statistics
func (s *RunStatistics) Add(r *service.RecordResult) {
	switch r.Outcome {
	case types.OutcomeSuccess:
		s.Successful++
		if r.Metrics != nil {
			s.TotalGasUsed.Add(s.TotalGasUsed, r.Metrics.GasUsed)
			s.TotalFees.Add(s.TotalFees, r.Metrics.FeeGenerated)
			s.TotalRewards.Add(s.TotalRewards, r.Metrics.EstimatedReward)
		}
		return
	case types.OutcomeSkipped:
		s.Skipped++
		return
	case types.OutcomeInterrupted:
		// released to pending; the next run picks the row up again
		return
	case types.OutcomeRetry:
		s.Retried++
	default:
		s.Failed++
	}

	failure := RecordFailure{Hash: r.Hash, Outcome: r.Outcome}
	if pe := errors.As(r.Err); pe != nil {
		failure.Kind = pe.Kind
		failure.Message = pe.Error()
	}
	s.Failures = append(s.Failures, failure)
}

// Unsuccessful counts records whose attempt failed in this run, retried or not
func (s *RunStatistics) Unsuccessful() int {
	return s.Failed + s.Retried
}

// Progress converts the statistics to the persisted counter snapshot
func (s *RunStatistics) Progress() models.BatchRunProgress {
	return models.BatchRunProgress{
		TotalTransactions: s.Total,
		SuccessfulCount:   s.Successful,
		FailedCount:       s.Failed,
		SkippedCount:      s.Skipped,
		RetriedCount:      s.Retried,
		TotalGasUsed:      s.TotalGasUsed.String(),
		TotalFees:         s.TotalFees.String(),
		TotalRewards:      s.TotalRewards.String(),
	}
}

// TerminalStatus applies the run terminal rule
func TerminalStatus(successes, failures int) types.BatchRunStatus {
	switch {
	case failures == 0:
		return types.BatchRunStatusCompleted
	case successes > 0:
		return types.BatchRunStatusPartial
	default:
		return types.BatchRunStatusFailed
	}
}

// BatchProcessor drains the pending queue sequentially, one run at a time
type BatchProcessor struct {
	queue     QueueReader
	runs      RunStore
	processor RecordProcessor
	config    *BatchConfig

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration
}

// NewBatchProcessor creates a batch processor
func NewBatchProcessor(queue QueueReader, runs RunStore, processor RecordProcessor, cfg *BatchConfig) *BatchProcessor {
	if cfg == nil {
		cfg = DefaultBatchConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &BatchProcessor{
		queue:     queue,
		runs:      runs,
		processor: processor,
		config:    cfg,
		sleep:     sleepContext,
		jitter:    randomDelay,
	}
}

// Run executes one batch run. The returned statistics are always non-nil once the run
// row exists; the error is set for fetch and bookkeeping failures.
func (b *BatchProcessor) Run(ctx context.Context, trigger types.TriggerSource) (*RunStatistics, error) {
	run, err := b.runs.Create(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch run: %w", err)
	}

	logger := logging.FromContext(ctx).WithComponent("batch").WithRunID(run.ID)
	ctx = logging.WithLogger(ctx, logger)

	rows, err := b.queue.FetchEligible(ctx, storage.FetchOptions{
		IncludeFailed: b.config.IncludeFailed,
		StaleAfter:    b.config.StaleAfter,
		Limit:         b.config.Limit,
	})
	if err != nil {
		stats := newRunStatistics(run.ID, trigger, 0)
		return stats, b.abort(ctx, stats, fmt.Errorf("failed to fetch pending transactions: %w", err))
	}

	stats := newRunStatistics(run.ID, trigger, len(rows))
	logger.WithFields(map[string]interface{}{
		"trigger": string(trigger),
		"pending": len(rows),
	}).Info("batch run started")

	if err := b.runs.UpdateProgress(ctx, run.ID, stats.Progress()); err != nil {
		logger.WithError(err).Warn("failed to persist run progress")
	}

	for start := 0; start < len(rows); start += b.config.BatchSize {
		end := min(start+b.config.BatchSize, len(rows))

		if start > 0 {
			if err := b.sleep(ctx, b.config.BatchDelay); err != nil {
				stats.Interrupted = true
				break
			}
		}

		if err := b.processChunk(ctx, rows[start:end], stats); err != nil {
			return stats, b.abort(ctx, stats, err)
		}
		if stats.Interrupted {
			break
		}
	}

	return stats, b.finish(ctx, stats)
}

// processChunk handles one sub-batch, pausing between records
func (b *BatchProcessor) processChunk(ctx context.Context, rows []*models.PendingTransaction, stats *RunStatistics) error {
	logger := logging.FromContext(ctx)

	for i, row := range rows {
		if ctx.Err() != nil {
			stats.Interrupted = true
			return nil
		}
		if i > 0 {
			if err := b.sleep(ctx, b.jitter(b.config.RecordDelayMin, b.config.RecordDelayMax)); err != nil {
				stats.Interrupted = true
				return nil
			}
		}

		result, err := b.processor.Process(ctx, row, stats.RunID)
		if err != nil {
			if ctx.Err() != nil {
				logger.WithTxHash(row.TransactionHash).WithError(err).Warn("record interrupted before its state was written")
				stats.Interrupted = true
				return nil
			}
			return fmt.Errorf("bookkeeping failed for %s: %w", row.TransactionHash, err)
		}
		if result.Outcome == types.OutcomeInterrupted {
			stats.Interrupted = true
			return nil
		}
		stats.Add(result)

		if err := b.runs.UpdateProgress(ctx, stats.RunID, stats.Progress()); err != nil {
			logger.WithError(err).Warn("failed to persist run progress")
		}
	}
	return nil
}

// finish finalizes the run with the terminal rule
func (b *BatchProcessor) finish(ctx context.Context, stats *RunStatistics) error {
	stats.Status = TerminalStatus(stats.Successful, stats.Unsuccessful())
	if stats.Interrupted {
		stats.ErrorSummary = SummaryInterrupted
	}
	return b.finalize(ctx, stats)
}

// abort finalizes the run as failed and returns cause
func (b *BatchProcessor) abort(ctx context.Context, stats *RunStatistics, cause error) error {
	stats.Status = types.BatchRunStatusFailed
	stats.ErrorSummary = cause.Error()
	logging.FromContext(ctx).WithError(cause).Error("batch run aborted")

	if err := b.finalize(ctx, stats); err != nil {
		return fmt.Errorf("%w (finalize also failed: %v)", cause, err)
	}
	return cause
}

func (b *BatchProcessor) finalize(ctx context.Context, stats *RunStatistics) error {
	stats.CompletedAt = time.Now().UTC()

	var summary *string
	if stats.ErrorSummary != "" {
		summary = &stats.ErrorSummary
	}

	// the final write must land even when the run was cancelled
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := b.runs.Finalize(writeCtx, stats.RunID, stats.Status, stats.Progress(), summary); err != nil {
		return fmt.Errorf("failed to finalize batch run: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"status":      string(stats.Status),
		"total":       stats.Total,
		"successful":  stats.Successful,
		"failed":      stats.Failed,
		"retried":     stats.Retried,
		"skipped":     stats.Skipped,
		"interrupted": stats.Interrupted,
	}).Info("batch run finished")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomDelay returns a uniform duration in [lo, hi]
func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
