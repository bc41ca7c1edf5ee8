// Package types provides common type definitions for the SDK batch processor.
package types

// PendingStatus represents the lifecycle state of a queued transaction
type PendingStatus string

const (
	// PendingStatusPending represents a row waiting to be processed
	PendingStatusPending PendingStatus = "pending"
	// PendingStatusProcessing represents a row claimed by a batch run
	PendingStatusProcessing PendingStatus = "processing"
	// PendingStatusCompleted represents a row recorded on the ledger by this system
	PendingStatusCompleted PendingStatus = "completed"
	// PendingStatusFailed represents a row that exhausted its retries or hit a permanent error
	PendingStatusFailed PendingStatus = "failed"
	// PendingStatusSkipped represents a row the ledger had already processed
	PendingStatusSkipped PendingStatus = "skipped"
)

// IsTerminal reports whether a row in this status must never be processed again.
func (s PendingStatus) IsTerminal() bool {
	return s == PendingStatusCompleted || s == PendingStatusSkipped
}

// BatchRunStatus represents the state of one orchestrator execution
type BatchRunStatus string

const (
	// BatchRunStatusRunning represents a run still iterating the queue
	BatchRunStatusRunning BatchRunStatus = "running"
	// BatchRunStatusCompleted represents a run with zero failures
	BatchRunStatusCompleted BatchRunStatus = "completed"
	// BatchRunStatusPartial represents a run with both successes and failures
	BatchRunStatusPartial BatchRunStatus = "partial"
	// BatchRunStatusFailed represents a run with failures only, or a fatal error
	BatchRunStatusFailed BatchRunStatus = "failed"
)

// TriggerSource identifies what started a batch run
type TriggerSource string

const (
	// TriggerCron represents a scheduled run
	TriggerCron TriggerSource = "cron"
	// TriggerManual represents an operator-started run
	TriggerManual TriggerSource = "manual"
	// TriggerAPI represents processing started by POST /api/submit
	TriggerAPI TriggerSource = "api"
)

// Outcome is the result of processing a single queue row
type Outcome string

const (
	// OutcomeSuccess means the ledger recorded the transaction
	OutcomeSuccess Outcome = "success"
	// OutcomeSkipped means the ledger already had it, or another run owns the row
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the row is now permanently failed
	OutcomeFailed Outcome = "failed"
	// OutcomeRetry means the row went back to pending with one more retry consumed
	OutcomeRetry Outcome = "retry"
	// OutcomeInterrupted means cancellation stopped the attempt and the row was released as it was
	OutcomeInterrupted Outcome = "interrupted"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
