package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/types"
)

const pendingColumns = `
	id::text, transaction_hash, app_id, project_id, network, status, retry_count, max_retries,
	last_error, submitted_at, processed_at, batch_run_id::text, processing_started_at,
	process_tx_hash, updated_at, permanent`

// FetchOptions selects which queue rows are eligible for a run
type FetchOptions struct {
	// IncludeFailed also returns failed rows that still have retry budget and are not permanent
	IncludeFailed bool
	// StaleAfter reclaims processing rows whose claim is older than this; zero disables it
	StaleAfter time.Duration
	// Limit caps the result; zero means no cap
	Limit int
}

// EnqueueOptions describes a newly submitted hash
type EnqueueOptions struct {
	AppID      *string
	ProjectID  *string
	Network    string
	MaxRetries int
}

// PendingTransactionRepository handles the sdk_pending_transactions queue
type PendingTransactionRepository struct {
	db *PostgresDB
}

// NewPendingTransactionRepository creates a new queue repository
func NewPendingTransactionRepository(db *PostgresDB) *PendingTransactionRepository {
	return &PendingTransactionRepository{db: db}
}

func scanPending(row pgx.Row) (*models.PendingTransaction, error) {
	var p models.PendingTransaction
	var status string
	err := row.Scan(
		&p.ID,
		&p.TransactionHash,
		&p.AppID,
		&p.ProjectID,
		&p.Network,
		&status,
		&p.RetryCount,
		&p.MaxRetries,
		&p.LastError,
		&p.SubmittedAt,
		&p.ProcessedAt,
		&p.BatchRunID,
		&p.ProcessingStartedAt,
		&p.ProcessTxHash,
		&p.UpdatedAt,
		&p.Permanent,
	)
	if err != nil {
		return nil, err
	}
	p.Status = types.PendingStatus(status)
	return &p, nil
}

// FetchEligible returns the rows a run should process, oldest first within each network.
// It has no side effects.
func (r *PendingTransactionRepository) FetchEligible(ctx context.Context, opts FetchOptions) ([]*models.PendingTransaction, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM sdk_pending_transactions
		WHERE status = 'pending'
		   OR ($1::boolean AND status = 'failed' AND NOT permanent AND retry_count < max_retries)
		   OR ($2::float8 > 0 AND status = 'processing'
		       AND COALESCE(processing_started_at, updated_at) < NOW() - make_interval(secs => $2::float8))
		ORDER BY network ASC, submitted_at ASC, id ASC
		LIMIT NULLIF($3::int, 0)
	`

	rows, err := r.db.Pool().Query(ctx, query, opts.IncludeFailed, opts.StaleAfter.Seconds(), opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch eligible transactions: %w", err)
	}
	defer rows.Close()

	result := make([]*models.PendingTransaction, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending transaction: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending transactions: %w", err)
	}

	return result, nil
}

// GetByHash retrieves a queue row by transaction hash
func (r *PendingTransactionRepository) GetByHash(ctx context.Context, hash string) (*models.PendingTransaction, error) {
	query := `SELECT ` + pendingColumns + ` FROM sdk_pending_transactions WHERE transaction_hash = $1`

	p, err := scanPending(r.db.Pool().QueryRow(ctx, query, strings.ToLower(hash)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending transaction: %w", err)
	}
	return p, nil
}

// Enqueue inserts a hash as pending. An existing row is returned unchanged with created=false.
func (r *PendingTransactionRepository) Enqueue(ctx context.Context, hash string, opts EnqueueOptions) (*models.PendingTransaction, bool, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	network := opts.Network
	if network == "" {
		network = "mainnet"
	}

	query := `
		INSERT INTO sdk_pending_transactions (transaction_hash, app_id, project_id, network, max_retries)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_hash) DO NOTHING
		RETURNING ` + pendingColumns

	p, err := scanPending(r.db.Pool().QueryRow(ctx, query, strings.ToLower(hash), opts.AppID, opts.ProjectID, network, maxRetries))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to enqueue transaction: %w", err)
	}

	existing, err := r.GetByHash(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Claim moves a row to processing for runID. It returns false when the row is
// terminal, permanently failed, out of retry budget, or held by another run whose
// claim is not yet stale.
// An empty runID keeps the row's previous run reference.
func (r *PendingTransactionRepository) Claim(ctx context.Context, id, runID string, staleAfter time.Duration) (bool, error) {
	query := `
		UPDATE sdk_pending_transactions
		SET status = 'processing',
		    processing_started_at = NOW(),
		    batch_run_id = COALESCE(NULLIF($2::text, '')::uuid, batch_run_id),
		    updated_at = NOW()
		WHERE id = $1::uuid
		  AND (
		        status = 'pending'
		     OR (status = 'failed' AND NOT permanent AND retry_count < max_retries)
		     OR ($3::float8 > 0 AND status = 'processing'
		         AND COALESCE(processing_started_at, updated_at) < NOW() - make_interval(secs => $3::float8))
		  )
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, runID, staleAfter.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordSubmission stores the ledger confirmation hash as soon as it is broadcast
func (r *PendingTransactionRepository) RecordSubmission(ctx context.Context, id, processTxHash string) error {
	query := `
		UPDATE sdk_pending_transactions
		SET process_tx_hash = $2, updated_at = NOW()
		WHERE id = $1::uuid
	`
	if _, err := r.db.Pool().Exec(ctx, query, id, processTxHash); err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a row the ledger recorded
func (r *PendingTransactionRepository) MarkCompleted(ctx context.Context, id, processTxHash, appID string) error {
	query := `
		UPDATE sdk_pending_transactions
		SET status = 'completed',
		    process_tx_hash = $2,
		    app_id = COALESCE(app_id, NULLIF($3::text, '')),
		    processed_at = NOW(),
		    last_error = NULL,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1::uuid
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, processTxHash, appID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSkipped finalizes a row the ledger had already processed. Any broadcast hash
// is cleared, since a skipped row's own submission never landed.
func (r *PendingTransactionRepository) MarkSkipped(ctx context.Context, id, reason string) error {
	query := `
		UPDATE sdk_pending_transactions
		SET status = 'skipped',
		    last_error = $2,
		    process_tx_hash = NULL,
		    processed_at = NOW(),
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1::uuid
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark transaction skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailure writes the state chosen for a failed attempt. A permanent failure is
// never claimed again, whatever its retry count.
func (r *PendingTransactionRepository) MarkFailure(ctx context.Context, id string, f models.FailureUpdate) error {
	query := `
		UPDATE sdk_pending_transactions
		SET status = $2,
		    retry_count = $3,
		    last_error = $4,
		    permanent = $5,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $1::uuid
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, string(f.Status), f.RetryCount, f.LastError, f.Permanent)
	if err != nil {
		return fmt.Errorf("failed to mark transaction failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of rows per status
func (r *PendingTransactionRepository) CountByStatus(ctx context.Context) (map[types.PendingStatus]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM sdk_pending_transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.PendingStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.PendingStatus(status)] = n
	}
	return counts, rows.Err()
}
