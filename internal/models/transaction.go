package models

import (
	"time"
)

// TransactionRecord is the per-campaign ledger entry written after a successful mutation.
// Amounts are decimal strings in wei. The ch tags map the ClickHouse history sink.
type TransactionRecord struct {
	TransactionHash string    `json:"transactionHash" db:"transaction_hash" ch:"transaction_hash"`
	AppID           string    `json:"appId" db:"app_id" ch:"app_id"`
	ProjectID       string    `json:"projectId" db:"project_id" ch:"project_id"`
	CampaignID      string    `json:"campaignId" db:"campaign_id" ch:"campaign_id"`
	FromAddress     string    `json:"fromAddress" db:"from_address" ch:"from_address"`
	ToAddress       *string   `json:"toAddress,omitempty" db:"to_address" ch:"to_address"`
	Value           string    `json:"value" db:"value" ch:"value"`
	GasUsed         string    `json:"gasUsed" db:"gas_used" ch:"gas_used"`
	GasPrice        string    `json:"gasPrice" db:"gas_price" ch:"gas_price"`
	FeeGenerated    string    `json:"feeGenerated" db:"fee_generated" ch:"fee_generated"`
	BlockNumber     uint64    `json:"blockNumber" db:"block_number" ch:"block_number"`
	ProcessedAt     time.Time `json:"processedAt" db:"processed_at" ch:"processed_at"`
	ProcessTxHash   string    `json:"processTxHash" db:"process_tx_hash" ch:"process_tx_hash"`
	IsUniqueUser    bool      `json:"isUniqueUser" db:"is_unique_user" ch:"is_unique_user"`
	EstimatedReward string    `json:"estimatedReward" db:"estimated_reward" ch:"estimated_reward"`
	LedgerReward    *string   `json:"ledgerReward,omitempty" db:"ledger_reward" ch:"ledger_reward"`
	Network         string    `json:"network" db:"network" ch:"network"`
}
