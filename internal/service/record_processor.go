package service

import (
	"context"
	stderrors "errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/types"
)

// ErrNotClaimed is reported when another run holds the row or it is no longer eligible
var ErrNotClaimed = stderrors.New("transaction is not claimable")

// RecordResult describes one record lifecycle
type RecordResult struct {
	Outcome         types.Outcome
	Hash            string
	AppID           string
	Metrics         *TransactionMetrics
	ProcessTxHash   string
	Campaigns       []string
	CampaignMetrics map[string]*adapter.CampaignMetrics
	// Err is the cause of a skipped, retried or failed outcome
	Err         error
	Persistence *PersistenceReport
}

// RecordProcessorConfig wires a RecordProcessor
type RecordProcessorConfig struct {
	Queue      QueueStore
	Inspector  *ChainInspector
	Validator  *EligibilityValidator
	Mutator    *LedgerMutator
	Writer     *PersistenceWriter
	MinReward  *big.Int
	StaleAfter time.Duration
}

// RecordProcessor runs claim, inspection, validation, metrics, mutation and persistence for one row.
// The batch orchestrator and the submit API share it.
type RecordProcessor struct {
	queue      QueueStore
	inspector  *ChainInspector
	validator  *EligibilityValidator
	mutator    *LedgerMutator
	writer     *PersistenceWriter
	minReward  *big.Int
	staleAfter time.Duration
}

// NewRecordProcessor creates a record processor
func NewRecordProcessor(cfg *RecordProcessorConfig) *RecordProcessor {
	return &RecordProcessor{
		queue:      cfg.Queue,
		inspector:  cfg.Inspector,
		validator:  cfg.Validator,
		mutator:    cfg.Mutator,
		writer:     cfg.Writer,
		minReward:  cfg.MinReward,
		staleAfter: cfg.StaleAfter,
	}
}

// Process handles one queue row. The returned error is a bookkeeping failure
// (claim or state write); processing failures are carried in RecordResult.Err.
func (p *RecordProcessor) Process(ctx context.Context, row *models.PendingTransaction, runID string) (*RecordResult, error) {
	logger := logging.FromContext(ctx).WithTxHash(row.TransactionHash).WithField(logging.FieldRowID, row.ID)
	ctx = logging.WithLogger(ctx, logger)
	result := &RecordResult{Hash: row.TransactionHash}

	claimed, err := p.queue.Claim(ctx, row.ID, runID, p.staleAfter)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logger.Info("row not claimable, skipping")
		result.Outcome = types.OutcomeSkipped
		result.Err = ErrNotClaimed
		return result, nil
	}

	hash := hashOf(row.TransactionHash)

	inspection, err := p.inspector.Inspect(ctx, hash)
	if err != nil {
		return p.fail(ctx, row, result, err)
	}

	eligibility, err := p.validator.Validate(ctx, inspection.Transaction.Data())
	if err != nil {
		return p.fail(ctx, row, result, err)
	}
	result.AppID = eligibility.AppID
	result.Campaigns = campaignIDs(eligibility)

	metrics := CalculateMetrics(inspection.Transaction, inspection.Receipt, p.minReward)
	result.Metrics = metrics

	mutation, err := p.mutator.Mutate(ctx, eligibility, hash, metrics, func(ctx context.Context, processTxHash common.Hash) {
		ctx, cancel := detached(ctx)
		defer cancel()
		if err := p.queue.RecordSubmission(ctx, row.ID, processTxHash.Hex()); err != nil {
			logger.WithError(err).Warn("failed to record broadcast hash")
		}
	})
	if err != nil {
		return p.fail(ctx, row, result, err)
	}
	result.ProcessTxHash = mutation.ProcessTxHash.Hex()
	result.CampaignMetrics = mutation.CampaignMetrics

	report, err := p.writer.RecordSuccess(ctx, row, &SuccessInput{
		Eligibility: eligibility,
		Inspection:  inspection,
		Metrics:     metrics,
		Mutation:    mutation,
	})
	if err != nil {
		return nil, err
	}
	result.Outcome = types.OutcomeSuccess
	result.Persistence = report

	if !report.OK() {
		logger.WithField("steps", report.FailedSteps()).Warn("transaction completed with persistence gaps")
	}
	return result, nil
}

func (p *RecordProcessor) fail(ctx context.Context, row *models.PendingTransaction, result *RecordResult, cause error) (*RecordResult, error) {
	switch errors.KindOf(cause) {
	case errors.KindAlreadyProcessed, errors.KindCanceled:
	default:
		if stderrors.Is(ctx.Err(), context.Canceled) {
			cause = errors.NewCanceledError("process", cause).WithHash(row.TransactionHash)
		}
	}
	if errors.KindOf(cause) == errors.KindAlreadyProcessed {
		if prior, ok := row.PriorSubmission(); ok {
			return p.adopt(ctx, row, result, cause, prior)
		}
	}

	outcome, err := p.writer.RecordFailure(ctx, row, cause)
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome
	result.Err = cause

	logging.FromContext(ctx).WithError(cause).WithField("outcome", string(outcome)).Info("transaction not processed")
	return result, nil
}

// adopt completes a row whose earlier attempt broadcast the mutation the ledger now reports,
// typically after the receipt wait timed out. A prior submission that did not land leaves
// the row to the usual already-processed handling.
func (p *RecordProcessor) adopt(
	ctx context.Context,
	row *models.PendingTransaction,
	result *RecordResult,
	cause error,
	processTxHash string,
) (*RecordResult, error) {
	logger := logging.FromContext(ctx).WithField("process_tx_hash", processTxHash)

	landed, err := p.inspector.SubmissionLanded(ctx, hashOf(processTxHash))
	if err != nil {
		return p.fail(ctx, row, result, err)
	}
	if !landed {
		logger.Info("earlier submission did not land")
		row.ProcessTxHash = nil
		return p.fail(ctx, row, result, cause)
	}

	in, err := ConfirmedInput(ctx, p.inspector, p.validator, p.minReward, row, processTxHash)
	if err != nil {
		// the ledger holds the transaction; the repair pass rebuilds the mirrors
		logger.WithError(err).Warn("confirmed submission could not be re-read, completing without records")
		if err := p.writer.MarkCompleted(ctx, row, processTxHash, ""); err != nil {
			return nil, err
		}
		result.Outcome = types.OutcomeSuccess
		result.ProcessTxHash = processTxHash
		result.Persistence = &PersistenceReport{Failures: map[string]error{StepInsertRecords: err}}
		return result, nil
	}

	report, err := p.writer.RecordSuccess(ctx, row, in)
	if err != nil {
		return nil, err
	}
	logger.Info("adopted earlier confirmed submission")

	result.Outcome = types.OutcomeSuccess
	result.AppID = in.Eligibility.AppID
	result.Campaigns = campaignIDs(in.Eligibility)
	result.Metrics = in.Metrics
	result.ProcessTxHash = processTxHash
	result.Persistence = report
	return result, nil
}

// ConfirmedInput re-reads a transaction the ledger already holds and derives what its
// mirrors need. No processed check or mutation runs.
func ConfirmedInput(
	ctx context.Context,
	inspector *ChainInspector,
	validator *EligibilityValidator,
	minReward *big.Int,
	row *models.PendingTransaction,
	processTxHash string,
) (*SuccessInput, error) {
	inspection, err := inspector.Load(ctx, hashOf(row.TransactionHash))
	if err != nil {
		return nil, err
	}
	eligibility, err := validator.Validate(ctx, inspection.Transaction.Data())
	if err != nil {
		return nil, err
	}
	return &SuccessInput{
		Eligibility: eligibility,
		Inspection:  inspection,
		Metrics:     CalculateMetrics(inspection.Transaction, inspection.Receipt, minReward),
		Mutation:    &Mutation{ProcessTxHash: hashOf(processTxHash)},
	}, nil
}

func campaignIDs(e *Eligibility) []string {
	ids := make([]string, 0, len(e.Campaigns))
	for _, c := range e.Campaigns {
		ids = append(ids, c.String())
	}
	return ids
}
