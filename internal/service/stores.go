package service

import (
	"context"
	"time"

	"github.com/sdk-batch-processor/internal/models"
)

// QueueStore is the part of the pending queue a record lifecycle writes to
type QueueStore interface {
	Claim(ctx context.Context, id, runID string, staleAfter time.Duration) (bool, error)
	RecordSubmission(ctx context.Context, id, processTxHash string) error
	MarkCompleted(ctx context.Context, id, processTxHash, appID string) error
	MarkSkipped(ctx context.Context, id, reason string) error
	MarkFailure(ctx context.Context, id string, f models.FailureUpdate) error
}

// RecordStore persists per-campaign ledger records
type RecordStore interface {
	InsertRecords(ctx context.Context, records []*models.TransactionRecord) (int, error)
}

// UserStatsStore maintains unique-user aggregates
type UserStatsStore interface {
	Exists(ctx context.Context, projectID, userAddress string) (bool, error)
	Increment(ctx context.Context, delta *models.UserStatDelta) (*models.UserStatResult, error)
}

// CampaignStore maintains campaign counters
type CampaignStore interface {
	RefreshCounters(ctx context.Context, campaignID string) error
}

// HistorySink receives an append-only copy of the records
type HistorySink interface {
	Append(ctx context.Context, records []*models.TransactionRecord) error
}

// ProcessedCache remembers hashes the ledger reported as processed
type ProcessedCache interface {
	IsProcessed(ctx context.Context, hash string) (bool, error)
	MarkProcessed(ctx context.Context, hash, processTxHash string) error
}
