package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/logging"
)

// Mutation is the outcome of a mined processTransaction call
type Mutation struct {
	ProcessTxHash common.Hash
	BlockNumber   uint64
	// LedgerRewards maps campaign id to the estimatedReward the ledger credited for this call.
	// A campaign is missing when its metrics could not be read before and after.
	LedgerRewards map[string]*big.Int
	// CampaignMetrics is the ledger's view after the mutation
	CampaignMetrics map[string]*adapter.CampaignMetrics
}

// MutationLedger is what the mutator needs: the write plus the metrics view
type MutationLedger interface {
	adapter.LedgerReader
	adapter.LedgerWriter
}

// LedgerMutator submits the verifier-signed processTransaction call
type LedgerMutator struct {
	ledger MutationLedger
}

// NewLedgerMutator creates a ledger mutator
func NewLedgerMutator(ledger MutationLedger) *LedgerMutator {
	return &LedgerMutator{ledger: ledger}
}

// Mutate records the transaction on the ledger. onBroadcast receives the verifier
// transaction hash before the receipt wait. The call is never retried here.
func (m *LedgerMutator) Mutate(
	ctx context.Context,
	eligibility *Eligibility,
	hash common.Hash,
	metrics *TransactionMetrics,
	onBroadcast func(ctx context.Context, processTxHash common.Hash),
) (*Mutation, error) {
	logger := logging.FromContext(ctx).WithTxHash(hash.Hex()).WithField(logging.FieldAppID, eligibility.AppID)

	before := m.snapshot(ctx, eligibility)

	result, err := m.ledger.ProcessTransaction(ctx, &adapter.ProcessRequest{
		AppID:       eligibility.AppID,
		TxHash:      hash,
		GasUsed:     metrics.GasUsed,
		GasPrice:    metrics.GasPrice,
		Value:       metrics.Value,
		OnBroadcast: onBroadcast,
	})
	if err != nil {
		return nil, adapter.ClassifyRPCError(adapter.FnProcessTransaction, err)
	}

	after := m.snapshot(ctx, eligibility)

	mutation := &Mutation{
		ProcessTxHash:   result.TxHash,
		BlockNumber:     result.BlockNumber,
		LedgerRewards:   make(map[string]*big.Int),
		CampaignMetrics: after,
	}
	for id, post := range after {
		pre, ok := before[id]
		if !ok || pre.EstimatedReward == nil || post.EstimatedReward == nil {
			continue
		}
		delta := new(big.Int).Sub(post.EstimatedReward, pre.EstimatedReward)
		mutation.LedgerRewards[id] = delta
		if delta.Cmp(metrics.EstimatedReward) != 0 {
			logger.WithFields(map[string]interface{}{
				"campaign":        id,
				"ledgerReward":    delta.String(),
				"estimatedReward": metrics.EstimatedReward.String(),
			}).Warn("ledger reward differs from off-chain estimate")
		}
	}

	logger.WithFields(map[string]interface{}{
		"processTxHash": result.TxHash.Hex(),
		"block":         result.BlockNumber,
	}).Info("ledger mutation confirmed")

	return mutation, nil
}

// snapshot reads getAppCampaignMetrics for each campaign. Failed reads are logged and omitted.
func (m *LedgerMutator) snapshot(ctx context.Context, eligibility *Eligibility) map[string]*adapter.CampaignMetrics {
	out := make(map[string]*adapter.CampaignMetrics, len(eligibility.Campaigns))
	for _, id := range eligibility.Campaigns {
		metrics, err := m.ledger.GetAppCampaignMetrics(ctx, eligibility.AppID, id)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("campaign", id.String()).
				Warn("failed to read campaign metrics")
			continue
		}
		out[id.String()] = metrics
	}
	return out
}
