package models

import (
	"time"

	"github.com/sdk-batch-processor/internal/types"
)

// DefaultMaxRetries is the retry budget given to newly queued rows
const DefaultMaxRetries = 3

// PendingTransaction is a queued SDK transaction awaiting ledger processing
type PendingTransaction struct {
	ID                  string              `json:"id" db:"id"`
	TransactionHash     string              `json:"transactionHash" db:"transaction_hash"`
	AppID               *string             `json:"appId,omitempty" db:"app_id"`
	ProjectID           *string             `json:"projectId,omitempty" db:"project_id"`
	Network             string              `json:"network" db:"network"`
	Status              types.PendingStatus `json:"status" db:"status"`
	RetryCount          int                 `json:"retryCount" db:"retry_count"`
	MaxRetries          int                 `json:"maxRetries" db:"max_retries"`
	LastError           *string             `json:"lastError,omitempty" db:"last_error"`
	SubmittedAt         time.Time           `json:"submittedAt" db:"submitted_at"`
	ProcessedAt         *time.Time          `json:"processedAt,omitempty" db:"processed_at"`
	BatchRunID          *string             `json:"batchRunId,omitempty" db:"batch_run_id"`
	ProcessingStartedAt *time.Time          `json:"processingStartedAt,omitempty" db:"processing_started_at"`
	ProcessTxHash       *string             `json:"processTxHash,omitempty" db:"process_tx_hash"`
	UpdatedAt           time.Time           `json:"updatedAt" db:"updated_at"`

	// Permanent is set when the row failed with a non-retryable kind; no claim takes it again
	Permanent bool `json:"permanent" db:"permanent"`
}

// FailureUpdate is the queue state written for a failed attempt
type FailureUpdate struct {
	Status     types.PendingStatus
	RetryCount int
	LastError  string
	Permanent  bool
}

// ProjectRef returns the project the row's unique-user stats accrue to.
// Rows submitted without a project fall back to the app id.
func (p *PendingTransaction) ProjectRef(appID string) string {
	if p.ProjectID != nil && *p.ProjectID != "" {
		return *p.ProjectID
	}
	return appID
}

// RetryBudgetLeft reports whether a failed row may still be claimed
func (p *PendingTransaction) RetryBudgetLeft() bool {
	return !p.Permanent && p.RetryCount < p.MaxRetries
}

// PriorSubmission returns the confirmation hash an earlier attempt broadcast, if any
func (p *PendingTransaction) PriorSubmission() (string, bool) {
	if p.ProcessTxHash == nil || *p.ProcessTxHash == "" {
		return "", false
	}
	return *p.ProcessTxHash, true
}
