package models

import "time"

// CampaignCounters are the off-chain campaign aggregates recomputed from transactions
type CampaignCounters struct {
	CampaignID        string    `json:"campaignId" db:"campaign_id"`
	TotalTransactions int64     `json:"totalTransactions" db:"total_transactions"`
	TotalFees         string    `json:"totalFees" db:"total_fees"`
	TotalVolume       string    `json:"totalVolume" db:"total_volume"`
	TotalRewards      string    `json:"totalRewards" db:"total_rewards"`
	UniqueUsers       int64     `json:"uniqueUsers" db:"unique_users"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}
