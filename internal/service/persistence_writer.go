package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/types"
)

// Side-effect step names used in PersistenceReport
const (
	StepUniqueUserCheck = "unique_user_check"
	StepInsertRecords   = "insert_records"
	StepUserStats       = "user_stats"
	StepCampaignCounter = "campaign_counters"
	StepHistory         = "history"
	StepProcessedCache  = "processed_cache"
)

// PersistenceReport lists what the best-effort steps did. A failed step never undoes the completed status.
type PersistenceReport struct {
	RecordsInserted  int              `json:"recordsInserted"`
	UniqueUser       bool             `json:"uniqueUser"`
	UserStatsApplied bool             `json:"userStatsApplied"`
	Failures         map[string]error `json:"-"`
}

// OK reports whether every step succeeded
func (r *PersistenceReport) OK() bool {
	return len(r.Failures) == 0
}

// FailedSteps returns the names of the failed steps, sorted
func (r *PersistenceReport) FailedSteps() []string {
	steps := make([]string, 0, len(r.Failures))
	for step := range r.Failures {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

func (r *PersistenceReport) fail(ctx context.Context, step string, err error) {
	if r.Failures == nil {
		r.Failures = make(map[string]error)
	}
	r.Failures[step] = err
	logging.FromContext(ctx).WithError(err).WithField("step", step).Warn("persistence step failed")
}

// SuccessInput is everything known about a transaction once the ledger confirmed it
type SuccessInput struct {
	Eligibility *Eligibility
	Inspection  *Inspection
	Metrics     *TransactionMetrics
	Mutation    *Mutation
}

// PersistenceWriter applies queue state and the off-chain side effects of a processed record
type PersistenceWriter struct {
	queue     QueueStore
	records   RecordStore
	users     UserStatsStore
	campaigns CampaignStore
	history   HistorySink
	cache     ProcessedCache
	now       func() time.Time
}

// PersistenceWriterConfig wires the writer. History and Cache are optional.
type PersistenceWriterConfig struct {
	Queue     QueueStore
	Records   RecordStore
	Users     UserStatsStore
	Campaigns CampaignStore
	History   HistorySink
	Cache     ProcessedCache
}

// NewPersistenceWriter creates a persistence writer
func NewPersistenceWriter(cfg *PersistenceWriterConfig) *PersistenceWriter {
	return &PersistenceWriter{
		queue:     cfg.Queue,
		records:   cfg.Records,
		users:     cfg.Users,
		campaigns: cfg.Campaigns,
		history:   cfg.History,
		cache:     cfg.Cache,
		now:       time.Now,
	}
}

// persistTimeout bounds the queue and mirror writes that follow an attempt.
// They run detached from the caller's cancellation.
const persistTimeout = 30 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// NextState decides where a failed attempt leaves the row
func NextState(row *models.PendingTransaction, kind errors.Kind) (types.PendingStatus, int) {
	switch {
	case kind == errors.KindAlreadyProcessed:
		return types.PendingStatusSkipped, row.RetryCount
	case kind == errors.KindCanceled:
		return types.PendingStatusPending, row.RetryCount
	case kind.Retryable():
		next := row.RetryCount + 1
		if next >= row.MaxRetries {
			return types.PendingStatusFailed, next
		}
		return types.PendingStatusPending, next
	default:
		return types.PendingStatusFailed, row.RetryCount
	}
}

// RecordFailure writes the state for a failed attempt and returns the outcome it represents.
// A non-retryable failure is stored as permanent.
func (w *PersistenceWriter) RecordFailure(ctx context.Context, row *models.PendingTransaction, cause error) (types.Outcome, error) {
	pe := errors.As(cause)
	status, retryCount := NextState(row, pe.Kind)

	ctx, cancel := detached(ctx)
	defer cancel()

	if status == types.PendingStatusSkipped {
		if err := w.queue.MarkSkipped(ctx, row.ID, pe.Message); err != nil {
			return types.OutcomeSkipped, fmt.Errorf("failed to mark %s skipped: %w", row.TransactionHash, err)
		}
		if w.cache != nil {
			if err := w.cache.MarkProcessed(ctx, row.TransactionHash, ""); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("processed cache write failed")
			}
		}
		return types.OutcomeSkipped, nil
	}

	update := models.FailureUpdate{
		Status:     status,
		RetryCount: retryCount,
		LastError:  pe.Error(),
		Permanent:  status == types.PendingStatusFailed && !pe.Kind.Retryable(),
	}
	if err := w.queue.MarkFailure(ctx, row.ID, update); err != nil {
		return types.OutcomeFailed, fmt.Errorf("failed to record failure for %s: %w", row.TransactionHash, err)
	}

	switch {
	case pe.Kind == errors.KindCanceled:
		return types.OutcomeInterrupted, nil
	case status == types.PendingStatusPending:
		return types.OutcomeRetry, nil
	default:
		return types.OutcomeFailed, nil
	}
}

// RecordSuccess marks the row completed, then writes the mirrors.
// Only the completion write is reported as an error.
func (w *PersistenceWriter) RecordSuccess(ctx context.Context, row *models.PendingTransaction, in *SuccessInput) (*PersistenceReport, error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if err := w.queue.MarkCompleted(ctx, row.ID, in.Mutation.ProcessTxHash.Hex(), in.Eligibility.AppID); err != nil {
		return nil, fmt.Errorf("failed to mark %s completed: %w", row.TransactionHash, err)
	}
	return w.WriteMirrors(ctx, row, in), nil
}

// MarkCompleted finalizes the row without writing mirrors
func (w *PersistenceWriter) MarkCompleted(ctx context.Context, row *models.PendingTransaction, processTxHash, appID string) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	if err := w.queue.MarkCompleted(ctx, row.ID, processTxHash, appID); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", row.TransactionHash, err)
	}
	return nil
}

// WriteMirrors derives the per-campaign records of a transaction the ledger holds and
// applies every side effect. The queue row is not touched.
func (w *PersistenceWriter) WriteMirrors(ctx context.Context, row *models.PendingTransaction, in *SuccessInput) *PersistenceReport {
	report := &PersistenceReport{}
	report.UniqueUser = w.applyUserStats(ctx, userDelta(row, in), report)

	records := BuildRecords(row, in, report.UniqueUser, w.now().UTC())
	w.applyRecords(ctx, records, in.Mutation.ProcessTxHash.Hex(), report)
	return report
}

func userDelta(row *models.PendingTransaction, in *SuccessInput) *models.UserStatDelta {
	return &models.UserStatDelta{
		ProjectID:       row.ProjectRef(in.Eligibility.AppID),
		UserAddress:     strings.ToLower(in.Inspection.From.Hex()),
		TransactionHash: strings.ToLower(row.TransactionHash),
		Volume:          in.Metrics.Value.String(),
		Fees:            in.Metrics.FeeGenerated.String(),
		Rewards:         in.Metrics.EstimatedReward.String(),
	}
}

// ApplySideEffects runs the replayable steps: user stats, records, campaign counters,
// history and the processed cache. Every step is idempotent.
func (w *PersistenceWriter) ApplySideEffects(
	ctx context.Context,
	records []*models.TransactionRecord,
	delta *models.UserStatDelta,
	processTxHash string,
	report *PersistenceReport,
) {
	if delta != nil {
		w.applyUserStats(ctx, delta, report)
	}
	w.applyRecords(ctx, records, processTxHash, report)
}

// applyUserStats applies the delta and returns whether its transaction is the user's first
// in the project. When the increment fails the answer falls back to an existence check.
func (w *PersistenceWriter) applyUserStats(ctx context.Context, delta *models.UserStatDelta, report *PersistenceReport) bool {
	res, err := w.users.Increment(ctx, delta)
	if err == nil {
		report.UserStatsApplied = res.Applied
		return res.FirstTransaction
	}
	report.fail(ctx, StepUserStats, err)

	exists, err := w.users.Exists(ctx, delta.ProjectID, delta.UserAddress)
	if err != nil {
		report.fail(ctx, StepUniqueUserCheck, err)
		return false
	}
	return !exists
}

func (w *PersistenceWriter) applyRecords(ctx context.Context, records []*models.TransactionRecord, processTxHash string, report *PersistenceReport) {
	n, err := w.records.InsertRecords(ctx, records)
	report.RecordsInserted = n
	if err != nil {
		report.fail(ctx, StepInsertRecords, err)
	}

	for _, rec := range records {
		if err := w.campaigns.RefreshCounters(ctx, rec.CampaignID); err != nil {
			report.fail(ctx, StepCampaignCounter+":"+rec.CampaignID, err)
		}
	}

	if w.history != nil {
		if err := w.history.Append(ctx, records); err != nil {
			report.fail(ctx, StepHistory, err)
		}
	}

	if w.cache != nil && len(records) > 0 {
		if err := w.cache.MarkProcessed(ctx, records[0].TransactionHash, processTxHash); err != nil {
			report.fail(ctx, StepProcessedCache, err)
		}
	}
}

// BuildRecords fans a processed transaction out to one record per campaign.
// Every record shares the same confirmation hash.
func BuildRecords(row *models.PendingTransaction, in *SuccessInput, uniqueUser bool, processedAt time.Time) []*models.TransactionRecord {
	var to *string
	if addr := in.Inspection.Transaction.To(); addr != nil {
		s := strings.ToLower(addr.Hex())
		to = &s
	}

	records := make([]*models.TransactionRecord, 0, len(in.Eligibility.Campaigns))
	for _, campaign := range in.Eligibility.Campaigns {
		id := campaign.String()
		rec := &models.TransactionRecord{
			TransactionHash: strings.ToLower(row.TransactionHash),
			AppID:           in.Eligibility.AppID,
			ProjectID:       row.ProjectRef(in.Eligibility.AppID),
			CampaignID:      id,
			FromAddress:     strings.ToLower(in.Inspection.From.Hex()),
			ToAddress:       to,
			Value:           in.Metrics.Value.String(),
			GasUsed:         in.Metrics.GasUsed.String(),
			GasPrice:        in.Metrics.GasPrice.String(),
			FeeGenerated:    in.Metrics.FeeGenerated.String(),
			BlockNumber:     blockNumber(in),
			ProcessedAt:     processedAt,
			ProcessTxHash:   in.Mutation.ProcessTxHash.Hex(),
			IsUniqueUser:    uniqueUser,
			EstimatedReward: in.Metrics.EstimatedReward.String(),
			Network:         row.Network,
		}
		if reward, ok := in.Mutation.LedgerRewards[id]; ok {
			s := reward.String()
			rec.LedgerReward = &s
		}
		records = append(records, rec)
	}
	return records
}

func blockNumber(in *SuccessInput) uint64 {
	if in.Inspection.Receipt != nil && in.Inspection.Receipt.BlockNumber != nil {
		return in.Inspection.Receipt.BlockNumber.Uint64()
	}
	return 0
}

// hashOf parses a stored hash
func hashOf(s string) common.Hash {
	return common.HexToHash(s)
}
