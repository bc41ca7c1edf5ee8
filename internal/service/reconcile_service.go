package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/types"
)

// ReconcileSource lists the rows a repair pass walks
type ReconcileSource interface {
	ListProcessedSince(ctx context.Context, since time.Time, limit int) ([]*models.TransactionRecord, error)
	CompletedWithoutRecords(ctx context.Context, limit int) ([]*models.PendingTransaction, error)
}

// ReconcileOptions bounds a repair pass
type ReconcileOptions struct {
	Since time.Time
	Limit int
	// SkipRebuild disables re-reading the chain for confirmed rows without records
	SkipRebuild bool
}

// ReconcileItem is the result for one transaction hash
type ReconcileItem struct {
	Hash        string
	Action      string
	Records     int
	FailedSteps []string
	Err         error
}

// ReconcileReport summarizes a repair pass
type ReconcileReport struct {
	Items    []ReconcileItem
	Replayed int
	Rebuilt  int
	Failed   int
}

var (
	errMissingConfirmation = stderrors.New("completed row has no confirmation hash")
	errSubmissionNotLanded = stderrors.New("earlier submission did not land")
)

// Reconcile actions
const (
	ActionReplay  = "replay"
	ActionRebuild = "rebuild"
)

// ReconcileService repairs gaps left by best-effort persistence steps
type ReconcileService struct {
	source    ReconcileSource
	writer    *PersistenceWriter
	inspector *ChainInspector
	validator *EligibilityValidator
	minReward *big.Int
}

// NewReconcileService creates a repair service. inspector and validator are only used to rebuild records.
func NewReconcileService(
	source ReconcileSource,
	writer *PersistenceWriter,
	inspector *ChainInspector,
	validator *EligibilityValidator,
	minReward *big.Int,
) *ReconcileService {
	return &ReconcileService{
		source:    source,
		writer:    writer,
		inspector: inspector,
		validator: validator,
		minReward: minReward,
	}
}

// Run replays side effects for stored records, then rebuilds records for confirmed rows that have none
func (s *ReconcileService) Run(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	logger := logging.FromContext(ctx).WithComponent("reconcile")
	report := &ReconcileReport{}

	records, err := s.source.ListProcessedSince(ctx, opts.Since, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	for _, group := range groupByHash(records) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := s.replay(ctx, group)
		report.add(item)
	}

	if !opts.SkipRebuild && s.inspector != nil && s.validator != nil {
		rows, err := s.source.CompletedWithoutRecords(ctx, opts.Limit)
		if err != nil {
			return report, fmt.Errorf("failed to list confirmed rows without records: %w", err)
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			item := s.rebuild(ctx, row)
			report.add(item)
		}
	}

	logger.WithFields(map[string]interface{}{
		"replayed": report.Replayed,
		"rebuilt":  report.Rebuilt,
		"failed":   report.Failed,
	}).Info("reconcile pass finished")
	return report, nil
}

func (r *ReconcileReport) add(item ReconcileItem) {
	r.Items = append(r.Items, item)
	switch {
	case item.Err != nil || len(item.FailedSteps) > 0:
		r.Failed++
	case item.Action == ActionReplay:
		r.Replayed++
	case item.Action == ActionRebuild:
		r.Rebuilt++
	}
}

// replay re-applies every idempotent step for records already in the store
func (s *ReconcileService) replay(ctx context.Context, records []*models.TransactionRecord) ReconcileItem {
	first := records[0]
	delta := &models.UserStatDelta{
		ProjectID:       first.ProjectID,
		UserAddress:     first.FromAddress,
		TransactionHash: first.TransactionHash,
		Volume:          first.Value,
		Fees:            first.FeeGenerated,
		Rewards:         first.EstimatedReward,
	}

	persistence := &PersistenceReport{}
	s.writer.ApplySideEffects(ctx, records, delta, first.ProcessTxHash, persistence)
	return ReconcileItem{
		Hash:        first.TransactionHash,
		Action:      ActionReplay,
		Records:     len(records),
		FailedSteps: persistence.FailedSteps(),
	}
}

// rebuild re-reads the chain for a row whose confirmed submission has no records.
// The ledger already holds the transaction, so no processed check or mutation runs.
// A skipped row is adopted only when its own submission landed.
func (s *ReconcileService) rebuild(ctx context.Context, row *models.PendingTransaction) ReconcileItem {
	item := ReconcileItem{Hash: row.TransactionHash, Action: ActionRebuild}
	processTxHash, ok := row.PriorSubmission()
	if !ok {
		item.Err = errMissingConfirmation
		return item
	}

	if row.Status == types.PendingStatusSkipped {
		landed, err := s.inspector.SubmissionLanded(ctx, hashOf(processTxHash))
		if err != nil {
			item.Err = err
			return item
		}
		if !landed {
			item.Err = errSubmissionNotLanded
			if err := s.writer.queue.MarkSkipped(ctx, row.ID, errSubmissionNotLanded.Error()); err != nil {
				item.Err = fmt.Errorf("%w: %v", errSubmissionNotLanded, err)
			}
			return item
		}
	}

	in, err := ConfirmedInput(ctx, s.inspector, s.validator, s.minReward, row, processTxHash)
	if err != nil {
		item.Err = err
		return item
	}

	var persistence *PersistenceReport
	if row.Status == types.PendingStatusSkipped {
		persistence, err = s.writer.RecordSuccess(ctx, row, in)
		if err != nil {
			item.Err = err
			return item
		}
	} else {
		persistence = s.writer.WriteMirrors(ctx, row, in)
	}

	item.Records = len(in.Eligibility.Campaigns)
	item.FailedSteps = persistence.FailedSteps()
	return item
}

func groupByHash(records []*models.TransactionRecord) [][]*models.TransactionRecord {
	index := make(map[string]int)
	var groups [][]*models.TransactionRecord
	for _, rec := range records {
		i, ok := index[rec.TransactionHash]
		if !ok {
			i = len(groups)
			index[rec.TransactionHash] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}
