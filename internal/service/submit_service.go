package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/storage"
	"github.com/sdk-batch-processor/internal/types"
)

// StatusNotSubmitted is reported for hashes that were never queued
const StatusNotSubmitted = "not_submitted"

// nativeDecimals is the exponent between wei and the native unit
const nativeDecimals = 18

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// SubmitQueue is the part of the queue the submit path uses
type SubmitQueue interface {
	GetByHash(ctx context.Context, hash string) (*models.PendingTransaction, error)
	Enqueue(ctx context.Context, hash string, opts storage.EnqueueOptions) (*models.PendingTransaction, bool, error)
}

// MetricsView renders metrics with both wei strings and native units
type MetricsView struct {
	GasUsed               string `json:"gasUsed"`
	GasPrice              string `json:"gasPrice"`
	FeeGenerated          string `json:"feeGenerated"`
	FeeGeneratedNative    string `json:"feeGeneratedNative"`
	TransactionValue      string `json:"transactionValue"`
	EstimatedReward       string `json:"estimatedReward"`
	EstimatedRewardNative string `json:"estimatedRewardNative"`
}

// CampaignMetricsView is the ledger's running totals for one campaign
type CampaignMetricsView struct {
	TotalFees       string `json:"totalFees"`
	TotalVolume     string `json:"totalVolume"`
	TxCount         string `json:"txCount"`
	EstimatedReward string `json:"estimatedReward"`
}

// SubmitResult is the body returned for a processed submission
type SubmitResult struct {
	TransactionHash string                          `json:"transactionHash"`
	AppID           string                          `json:"appId"`
	ProcessTxHash   string                          `json:"processTxHash"`
	Metrics         *MetricsView                    `json:"metrics"`
	CampaignMetrics map[string]*CampaignMetricsView `json:"campaignMetrics"`
}

// SubmissionStatus answers a status lookup
type SubmissionStatus struct {
	IsProcessed bool   `json:"isProcessed"`
	Status      string `json:"status"`
}

// SubmitService enqueues hashes submitted through the API and processes them immediately
type SubmitService struct {
	queue      SubmitQueue
	processor  *RecordProcessor
	inspector  *ChainInspector
	network    string
	maxRetries int
}

// NewSubmitService creates a submit service
func NewSubmitService(queue SubmitQueue, processor *RecordProcessor, inspector *ChainInspector, network string, maxRetries int) *SubmitService {
	return &SubmitService{
		queue:      queue,
		processor:  processor,
		inspector:  inspector,
		network:    network,
		maxRetries: maxRetries,
	}
}

// NormalizeHash validates a 0x-prefixed 32-byte hash and lowercases it
func NormalizeHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if !txHashPattern.MatchString(hash) {
		return "", errors.New(errors.KindDecode, "validate", "transaction_hash must be 0x followed by 64 hex characters", nil)
	}
	return strings.ToLower(hash), nil
}

// Submit queues the hash when unknown and runs the record lifecycle for it.
// Terminal rows and rows without retry budget are rejected before any claim.
func (s *SubmitService) Submit(ctx context.Context, rawHash string) (*SubmitResult, error) {
	hash, err := NormalizeHash(rawHash)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).WithTxHash(hash).WithField("trigger", string(types.TriggerAPI))

	existing, err := s.queue.GetByHash(ctx, hash)
	switch {
	case err == nil:
		if err := rejectExisting(existing); err != nil {
			return nil, err
		}
	case stderrors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.NewInternalError("queue.GetByHash", err)
	}

	row, created, err := s.queue.Enqueue(ctx, hash, storage.EnqueueOptions{
		Network:    s.network,
		MaxRetries: s.maxRetries,
	})
	if err != nil {
		return nil, errors.NewInternalError("queue.Enqueue", err)
	}
	if created {
		logger.Info("transaction queued from api")
	}

	result, err := s.processor.Process(logging.WithLogger(ctx, logger), row, "")
	if err != nil {
		return nil, errors.NewInternalError("process", err)
	}
	if result.Outcome != types.OutcomeSuccess {
		return nil, result.Err
	}

	return &SubmitResult{
		TransactionHash: hash,
		AppID:           result.AppID,
		ProcessTxHash:   result.ProcessTxHash,
		Metrics:         NewMetricsView(result.Metrics),
		CampaignMetrics: campaignViews(result.CampaignMetrics),
	}, nil
}

// Status reports the ledger flag and the queue status for a hash
func (s *SubmitService) Status(ctx context.Context, rawHash string) (*SubmissionStatus, error) {
	hash, err := NormalizeHash(rawHash)
	if err != nil {
		return nil, err
	}

	processed, err := s.inspector.isProcessed(ctx, hashOf(hash))
	if err != nil {
		return nil, err
	}

	status := StatusNotSubmitted
	row, err := s.queue.GetByHash(ctx, hash)
	switch {
	case err == nil:
		status = string(row.Status)
	case stderrors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.NewInternalError("queue.GetByHash", err)
	}

	return &SubmissionStatus{IsProcessed: processed, Status: status}, nil
}

// rejectExisting refuses rows the claim would refuse, with a reason the caller can act on
func rejectExisting(row *models.PendingTransaction) error {
	switch {
	case row.Status.IsTerminal():
		return errors.NewAlreadyProcessedError(row.TransactionHash)
	case row.Status == types.PendingStatusFailed && row.Permanent:
		reason := "non-retryable error"
		if row.LastError != nil {
			reason = *row.LastError
		}
		return fmt.Errorf("%w: failed permanently: %s", ErrNotClaimed, reason)
	case row.Status == types.PendingStatusFailed && !row.RetryBudgetLeft():
		return fmt.Errorf("%w: retries exhausted after %d attempts", ErrNotClaimed, row.RetryCount)
	}
	return nil
}

// NewMetricsView renders metrics for API responses
func NewMetricsView(m *TransactionMetrics) *MetricsView {
	if m == nil {
		return nil
	}
	return &MetricsView{
		GasUsed:               m.GasUsed.String(),
		GasPrice:              m.GasPrice.String(),
		FeeGenerated:          m.FeeGenerated.String(),
		FeeGeneratedNative:    FormatNative(m.FeeGenerated),
		TransactionValue:      m.Value.String(),
		EstimatedReward:       m.EstimatedReward.String(),
		EstimatedRewardNative: FormatNative(m.EstimatedReward),
	}
}

// FormatNative renders a wei amount in the native unit
func FormatNative(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals).String()
}

// FormatNativeString renders a decimal wei string in the native unit. Unparseable input is returned as is.
func FormatNativeString(wei string) string {
	d, err := decimal.NewFromString(wei)
	if err != nil {
		return wei
	}
	return d.Shift(-nativeDecimals).String()
}

func campaignViews(in map[string]*adapter.CampaignMetrics) map[string]*CampaignMetricsView {
	out := make(map[string]*CampaignMetricsView, len(in))
	for id, m := range in {
		out[id] = &CampaignMetricsView{
			TotalFees:       bigString(m.TotalFees),
			TotalVolume:     bigString(m.TotalVolume),
			TxCount:         bigString(m.TxCount),
			EstimatedReward: bigString(m.EstimatedReward),
		}
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
