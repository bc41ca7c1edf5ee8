package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sdk-batch-processor/internal/models"
)

const recordColumns = `
	transaction_hash, app_id, project_id, campaign_id, from_address, to_address, value::text,
	gas_used::text, gas_price::text, fee_generated::text, block_number, processed_at,
	process_tx_hash, is_unique_user, estimated_reward::text, ledger_reward::text, network`

// TransactionRecordRepository handles the per-campaign transactions ledger table
type TransactionRecordRepository struct {
	db *PostgresDB
}

// NewTransactionRecordRepository creates a new transaction record repository
func NewTransactionRecordRepository(db *PostgresDB) *TransactionRecordRepository {
	return &TransactionRecordRepository{db: db}
}

func scanRecord(row pgx.Row) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	var blockNumber int64
	err := row.Scan(
		&rec.TransactionHash,
		&rec.AppID,
		&rec.ProjectID,
		&rec.CampaignID,
		&rec.FromAddress,
		&rec.ToAddress,
		&rec.Value,
		&rec.GasUsed,
		&rec.GasPrice,
		&rec.FeeGenerated,
		&blockNumber,
		&rec.ProcessedAt,
		&rec.ProcessTxHash,
		&rec.IsUniqueUser,
		&rec.EstimatedReward,
		&rec.LedgerReward,
		&rec.Network,
	)
	if err != nil {
		return nil, err
	}
	rec.BlockNumber = uint64(blockNumber) // #nosec G115 - block numbers are stored from uint64
	return &rec, nil
}

// InsertRecords writes one row per campaign in a single batch. Rows that already
// exist for (transaction_hash, campaign_id) are left untouched. Returns the number inserted.
func (r *TransactionRecordRepository) InsertRecords(ctx context.Context, records []*models.TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO transactions (
			transaction_hash, app_id, project_id, campaign_id, from_address, to_address, value,
			gas_used, gas_price, fee_generated, block_number, processed_at, process_tx_hash,
			is_unique_user, estimated_reward, ledger_reward, network
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric,
		        $11, $12, $13, $14, $15::numeric, $16::numeric, $17)
		ON CONFLICT (transaction_hash, campaign_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query,
			strings.ToLower(rec.TransactionHash),
			rec.AppID,
			rec.ProjectID,
			rec.CampaignID,
			strings.ToLower(rec.FromAddress),
			rec.ToAddress,
			zeroIfEmpty(rec.Value),
			rec.GasUsed,
			rec.GasPrice,
			rec.FeeGenerated,
			int64(rec.BlockNumber), // #nosec G115 - block numbers fit in int64
			rec.ProcessedAt,
			rec.ProcessTxHash,
			rec.IsUniqueUser,
			rec.EstimatedReward,
			rec.LedgerReward,
			rec.Network,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert transaction record: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListByHash returns the records written for a user transaction
func (r *TransactionRecordRepository) ListByHash(ctx context.Context, hash string) ([]*models.TransactionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM transactions WHERE transaction_hash = $1 ORDER BY campaign_id`
	return r.list(ctx, query, strings.ToLower(hash))
}

// ListProcessedSince returns records processed at or after since, oldest first
func (r *TransactionRecordRepository) ListProcessedSince(ctx context.Context, since time.Time, limit int) ([]*models.TransactionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT ` + recordColumns + `
		FROM transactions
		WHERE processed_at >= $1
		ORDER BY processed_at ASC, transaction_hash ASC, campaign_id ASC
		LIMIT $2
	`
	return r.list(ctx, query, since, limit)
}

// CompletedWithoutRecords returns rows that have no ledger records although the ledger holds
// them: completed rows, and skipped rows still carrying a broadcast hash from an earlier attempt
func (r *TransactionRecordRepository) CompletedWithoutRecords(ctx context.Context, limit int) ([]*models.PendingTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + qualify("p", pendingColumns) + `
		FROM sdk_pending_transactions p
		WHERE (p.status = 'completed' OR (p.status = 'skipped' AND p.process_tx_hash IS NOT NULL))
		  AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.transaction_hash = p.transaction_hash)
		ORDER BY p.processed_at ASC NULLS LAST
		LIMIT $1
	`
	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed rows without records: %w", err)
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
	return result, rows.Err()
}

func (r *TransactionRecordRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.TransactionRecord, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction records: %w", err)
	}
	return records, nil
}

// qualify prefixes each column of a select list with a table alias
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
