package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sdk-batch-processor/internal/logging"
)

// DefaultMaxWait bounds how long a call waits for budget.
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient is the subset of the JSON-RPC client the ledger needs.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ EthClient = (*ethclient.Client)(nil)

// RateLimitedClient charges every outgoing call against the shared budget
// before forwarding it.
type RateLimitedClient struct {
	underlying EthClient
	tracker    *BudgetTracker
	costs      *CostRegistry
	priority   Priority
	maxWait    time.Duration
	logger     *logging.Logger
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	Client       EthClient
	Tracker      *BudgetTracker
	CostRegistry *CostRegistry
	Priority     Priority
	MaxWait      time.Duration
	Logger       *logging.Logger
}

// NewRateLimitedClient creates a rate-limited RPC client.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("underlying client is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	if cfg.CostRegistry == nil {
		return nil, errors.New("cost registry is required")
	}

	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RateLimitedClient{
		underlying: cfg.Client,
		tracker:    cfg.Tracker,
		costs:      cfg.CostRegistry,
		priority:   cfg.Priority,
		maxWait:    maxWait,
		logger:     logger.WithComponent("ratelimit").WithField("priority", cfg.Priority.String()),
	}, nil
}

// waitForBudget blocks until the method's cost is granted, ctx ends, or maxWait passes.
func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string) error {
	cu := c.costs.GetCost(method)
	start := time.Now()
	deadline := start.Add(c.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := c.tracker.TryConsume(ctx, cu, c.priority)
		if allowed {
			if err := c.tracker.RecordMethodUsage(ctx, method, cu); err != nil {
				c.logger.WithError(err).Debugf("%s: failed to record method usage", method)
			}
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			c.logger.WithFields(map[string]interface{}{
				"method": method,
				"cu":     cu,
				"waited": time.Since(start).String(),
			}).Warn("budget wait exceeded")
			return ErrMaxWaitExceeded
		}

		c.logger.Debugf("%s: waiting %v for budget (cu=%d)", method, wait, cu)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func budgetErr(err error) error {
	return fmt.Errorf("rate limit: %w", err)
}

// ChainID wraps eth_chainId.
func (c *RateLimitedClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.waitForBudget(ctx, MethodEthChainID); err != nil {
		return nil, budgetErr(err)
	}
	return c.underlying.ChainID(ctx)
}

// CallContract wraps eth_call.
func (c *RateLimitedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, MethodEthCall); err != nil {
		return nil, budgetErr(err)
	}
	return c.underlying.CallContract(ctx, msg, blockNumber)
}

// EstimateGas wraps eth_estimateGas.
func (c *RateLimitedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthEstimateGas); err != nil {
		return 0, budgetErr(err)
	}
	return c.underlying.EstimateGas(ctx, msg)
}

// SuggestGasPrice wraps eth_gasPrice.
func (c *RateLimitedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.waitForBudget(ctx, MethodEthGasPrice); err != nil {
		return nil, budgetErr(err)
	}
	return c.underlying.SuggestGasPrice(ctx)
}

// SuggestGasTipCap wraps eth_maxPriorityFeePerGas.
func (c *RateLimitedClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := c.waitForBudget(ctx, MethodEthMaxPriorityFeePerGas); err != nil {
		return nil, budgetErr(err)
	}
	return c.underlying.SuggestGasTipCap(ctx)
}

// HeaderByNumber wraps eth_getBlockByNumber.
func (c *RateLimitedClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.waitForBudget(ctx, MethodEthGetBlockByNumber); err != nil {
		return nil, budgetErr(err)
	}
	return c.underlying.HeaderByNumber(ctx, number)
}

// PendingNonceAt wraps eth_getTransactionCount.
func (c *RateLimitedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthGetTransactionCount); err != nil {
		return 0, budgetErr(err)
	}
	return c.underlying.PendingNonceAt(ctx, account)
}

// TransactionByHash wraps eth_getTransactionByHash.
func (c *RateLimitedClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := c.waitForBudget(ctx, MethodEthGetTransactionByHash); err != nil {
		return nil, false, budgetErr(err)
	}
	return c.underlying.TransactionByHash(ctx, hash)
}

// TransactionReceipt wraps eth_getTransactionReceipt.
func (c *RateLimitedClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.waitForBudget(ctx, MethodEthGetTransactionReceipt); err != nil {
		return nil, budgetErr(err)
	}
	return c.underlying.TransactionReceipt(ctx, hash)
}

// SendTransaction wraps eth_sendRawTransaction.
func (c *RateLimitedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.waitForBudget(ctx, MethodEthSendRawTransaction); err != nil {
		return budgetErr(err)
	}
	return c.underlying.SendTransaction(ctx, tx)
}

// Priority returns the pool this client draws from.
func (c *RateLimitedClient) Priority() Priority {
	return c.priority
}
