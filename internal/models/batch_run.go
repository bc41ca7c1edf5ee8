package models

import (
	"time"

	"github.com/sdk-batch-processor/internal/types"
)

// BatchRun is one execution of the batch orchestrator
type BatchRun struct {
	ID                string               `json:"id" db:"id"`
	RunDate           time.Time            `json:"runDate" db:"run_date"`
	Status            types.BatchRunStatus `json:"status" db:"status"`
	TriggerSource     types.TriggerSource  `json:"triggerSource" db:"trigger_source"`
	TotalTransactions int                  `json:"totalTransactions" db:"total_transactions"`
	SuccessfulCount   int                  `json:"successfulCount" db:"successful_count"`
	FailedCount       int                  `json:"failedCount" db:"failed_count"`
	SkippedCount      int                  `json:"skippedCount" db:"skipped_count"`
	RetriedCount      int                  `json:"retriedCount" db:"retried_count"`
	TotalGasUsed      string               `json:"totalGasUsed" db:"total_gas_used"`
	TotalFees         string               `json:"totalFees" db:"total_fees"`
	TotalRewards      string               `json:"totalRewards" db:"total_rewards"`
	StartedAt         time.Time            `json:"startedAt" db:"started_at"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty" db:"completed_at"`
	ErrorSummary      *string              `json:"errorSummary,omitempty" db:"error_summary"`
}

// BatchRunProgress is the counter snapshot rewritten after every record
type BatchRunProgress struct {
	TotalTransactions int
	SuccessfulCount   int
	FailedCount       int
	SkippedCount      int
	RetriedCount      int
	TotalGasUsed      string
	TotalFees         string
	TotalRewards      string
}
