package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/types"
)

const batchRunColumns = `
	id::text, run_date, status, trigger_source, total_transactions, successful_count,
	failed_count, skipped_count, retried_count, total_gas_used::text, total_fees::text,
	total_rewards::text, started_at, completed_at, error_summary`

// BatchRunRepository handles sdk_batch_runs persistence
type BatchRunRepository struct {
	db *PostgresDB
}

// NewBatchRunRepository creates a new batch run repository
func NewBatchRunRepository(db *PostgresDB) *BatchRunRepository {
	return &BatchRunRepository{db: db}
}

func scanBatchRun(row pgx.Row) (*models.BatchRun, error) {
	var run models.BatchRun
	var status, trigger string
	err := row.Scan(
		&run.ID,
		&run.RunDate,
		&status,
		&trigger,
		&run.TotalTransactions,
		&run.SuccessfulCount,
		&run.FailedCount,
		&run.SkippedCount,
		&run.RetriedCount,
		&run.TotalGasUsed,
		&run.TotalFees,
		&run.TotalRewards,
		&run.StartedAt,
		&run.CompletedAt,
		&run.ErrorSummary,
	)
	if err != nil {
		return nil, err
	}
	run.Status = types.BatchRunStatus(status)
	run.TriggerSource = types.TriggerSource(trigger)
	return &run, nil
}

// Create inserts a running batch run and returns it
func (r *BatchRunRepository) Create(ctx context.Context, trigger types.TriggerSource) (*models.BatchRun, error) {
	query := `
		INSERT INTO sdk_batch_runs (id, run_date, status, trigger_source, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + batchRunColumns

	now := time.Now().UTC()
	run, err := scanBatchRun(r.db.Pool().QueryRow(ctx, query,
		uuid.New().String(),
		now.Truncate(24*time.Hour),
		string(types.BatchRunStatusRunning),
		string(trigger),
		now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch run: %w", err)
	}
	return run, nil
}

// UpdateProgress rewrites the run counters
func (r *BatchRunRepository) UpdateProgress(ctx context.Context, id string, p models.BatchRunProgress) error {
	query := `
		UPDATE sdk_batch_runs
		SET total_transactions = $2,
		    successful_count = $3,
		    failed_count = $4,
		    skipped_count = $5,
		    retried_count = $6,
		    total_gas_used = $7::numeric,
		    total_fees = $8::numeric,
		    total_rewards = $9::numeric
		WHERE id = $1::uuid
	`
	_, err := r.db.Pool().Exec(ctx, query, id,
		p.TotalTransactions, p.SuccessfulCount, p.FailedCount, p.SkippedCount, p.RetriedCount,
		zeroIfEmpty(p.TotalGasUsed), zeroIfEmpty(p.TotalFees), zeroIfEmpty(p.TotalRewards),
	)
	if err != nil {
		return fmt.Errorf("failed to update batch run progress: %w", err)
	}
	return nil
}

// Finalize freezes the counters and sets the terminal status
func (r *BatchRunRepository) Finalize(ctx context.Context, id string, status types.BatchRunStatus, p models.BatchRunProgress, errorSummary *string) error {
	query := `
		UPDATE sdk_batch_runs
		SET status = $2,
		    total_transactions = $3,
		    successful_count = $4,
		    failed_count = $5,
		    skipped_count = $6,
		    retried_count = $7,
		    total_gas_used = $8::numeric,
		    total_fees = $9::numeric,
		    total_rewards = $10::numeric,
		    error_summary = $11,
		    completed_at = NOW()
		WHERE id = $1::uuid
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, string(status),
		p.TotalTransactions, p.SuccessfulCount, p.FailedCount, p.SkippedCount, p.RetriedCount,
		zeroIfEmpty(p.TotalGasUsed), zeroIfEmpty(p.TotalFees), zeroIfEmpty(p.TotalRewards),
		errorSummary,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize batch run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a batch run
func (r *BatchRunRepository) GetByID(ctx context.Context, id string) (*models.BatchRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + batchRunColumns + ` FROM sdk_batch_runs WHERE id = $1::uuid`
	run, err := scanBatchRun(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch run: %w", err)
	}
	return run, nil
}

// ListRecent returns the most recent runs, newest first
func (r *BatchRunRepository) ListRecent(ctx context.Context, limit int) ([]*models.BatchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + batchRunColumns + ` FROM sdk_batch_runs ORDER BY started_at DESC LIMIT $1`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.BatchRun, 0, limit)
	for rows.Next() {
		run, err := scanBatchRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch runs: %w", err)
	}
	return runs, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
