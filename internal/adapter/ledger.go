package adapter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// CampaignMetrics is the ledger's per-(app, campaign) accounting
type CampaignMetrics struct {
	TotalFees       *big.Int `json:"totalFees"`
	TotalVolume     *big.Int `json:"totalVolume"`
	TxCount         *big.Int `json:"txCount"`
	EstimatedReward *big.Int `json:"estimatedReward"`
}

// CampaignInfo is the ledger's view of a campaign
type CampaignInfo struct {
	TotalPool          *big.Int `json:"totalPool"`
	DistributedRewards *big.Int `json:"distributedRewards"`
	StartDate          *big.Int `json:"startDate"`
	EndDate            *big.Int `json:"endDate"`
	Active             bool     `json:"active"`
}

// ProcessRequest carries the arguments of processTransaction
type ProcessRequest struct {
	AppID    string
	TxHash   common.Hash
	GasUsed  *big.Int
	GasPrice *big.Int
	Value    *big.Int
	// OnBroadcast, when set, is called with the verifier transaction hash
	// after the node accepted it and before waiting for the receipt.
	OnBroadcast func(ctx context.Context, hash common.Hash)
}

// ProcessResult describes the mined verifier transaction
type ProcessResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// ChainReader looks up user transactions on the network
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// LedgerReader covers the contract's view functions
type LedgerReader interface {
	IsTransactionProcessed(ctx context.Context, hash common.Hash) (bool, error)
	IsAppRegistered(ctx context.Context, appID string) (bool, error)
	GetAppRegisteredCampaigns(ctx context.Context, appID string) ([]*big.Int, error)
	GetAppCampaignMetrics(ctx context.Context, appID string, campaignID *big.Int) (*CampaignMetrics, error)
	GetCampaign(ctx context.Context, campaignID *big.Int) (*CampaignInfo, error)
}

// LedgerWriter submits the verifier-signed mutation
type LedgerWriter interface {
	ProcessTransaction(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
}

// Ledger is everything the batch processor needs from the chain
type Ledger interface {
	ChainReader
	LedgerReader
	LedgerWriter
}
