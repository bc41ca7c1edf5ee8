package storage

import (
	"context"
	"fmt"

	"github.com/sdk-batch-processor/internal/models"
)

// CampaignRepository maintains the off-chain campaign counters
type CampaignRepository struct {
	db *PostgresDB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *PostgresDB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// RefreshCounters recomputes a campaign's counters from the transactions table.
// Rewards prefer the ledger-reported amount over the estimate.
func (r *CampaignRepository) RefreshCounters(ctx context.Context, campaignID string) error {
	query := `
		INSERT INTO campaigns (
			campaign_id, total_transactions, total_fees, total_volume, total_rewards, unique_users, updated_at
		)
		SELECT $1::text,
		       COUNT(*),
		       COALESCE(SUM(fee_generated), 0),
		       COALESCE(SUM(value), 0),
		       COALESCE(SUM(COALESCE(ledger_reward, estimated_reward)), 0),
		       COUNT(DISTINCT from_address),
		       NOW()
		FROM transactions
		WHERE campaign_id = $1::text
		ON CONFLICT (campaign_id) DO UPDATE SET
			total_transactions = EXCLUDED.total_transactions,
			total_fees         = EXCLUDED.total_fees,
			total_volume       = EXCLUDED.total_volume,
			total_rewards      = EXCLUDED.total_rewards,
			unique_users       = EXCLUDED.unique_users,
			updated_at         = EXCLUDED.updated_at
	`
	if _, err := r.db.Pool().Exec(ctx, query, campaignID); err != nil {
		return fmt.Errorf("failed to refresh campaign counters: %w", err)
	}
	return nil
}

// GetCounters returns a campaign's counters
func (r *CampaignRepository) GetCounters(ctx context.Context, campaignID string) (*models.CampaignCounters, error) {
	query := `
		SELECT campaign_id, total_transactions, total_fees::text, total_volume::text,
		       total_rewards::text, unique_users, updated_at
		FROM campaigns
		WHERE campaign_id = $1
	`
	var c models.CampaignCounters
	err := r.db.Pool().QueryRow(ctx, query, campaignID).Scan(
		&c.CampaignID, &c.TotalTransactions, &c.TotalFees, &c.TotalVolume,
		&c.TotalRewards, &c.UniqueUsers, &c.UpdatedAt,
	)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get campaign counters: %w", err)
	}
	return &c, nil
}
