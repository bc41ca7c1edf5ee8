package adapter

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sdk-batch-processor/internal/circuitbreaker"
	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/ratelimit"
)

// Defaults for ContractLedgerConfig
const (
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultCallTimeout         = 15 * time.Second
	DefaultGasLimitMultiplier  = 1.2
)

// ContractLedger talks to the reward contract over JSON-RPC. Reads are eth_calls;
// the mutation is a verifier-signed transaction.
type ContractLedger struct {
	client  ratelimit.EthClient
	abi     abi.ABI
	address common.Address
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	breaker *circuitbreaker.CircuitBreaker
	cfg     ContractLedgerConfig
	logger  *logging.Logger
}

// ContractLedgerConfig holds configuration for the ledger client
type ContractLedgerConfig struct {
	Client          ratelimit.EthClient
	ContractAddress string
	// VerifierPrivateKey is hex, with or without 0x
	VerifierPrivateKey string
	// ChainID of zero is resolved with eth_chainId
	ChainID             int64
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	CallTimeout         time.Duration
	GasLimitMultiplier  float64
	// BreakerMaxFailures and BreakerResetTimeout tune the default breaker; zero keeps its defaults
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	Breaker             *circuitbreaker.CircuitBreaker
}

var _ Ledger = (*ContractLedger)(nil)

// NewContractLedger validates the configuration and parses the verifier key
func NewContractLedger(ctx context.Context, cfg *ContractLedgerConfig) (*ContractLedger, error) {
	if cfg == nil {
		return nil, stderrors.New("configuration is required")
	}
	if cfg.Client == nil {
		return nil, stderrors.New("rpc client cannot be nil")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address: %q", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.VerifierPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid verifier private key: %w", err)
	}

	parsed, err := ParseLedgerABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger ABI: %w", err)
	}

	c := *cfg
	if c.ConfirmationTimeout == 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.ReceiptPollInterval == 0 {
		c.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.GasLimitMultiplier < 1 {
		c.GasLimitMultiplier = DefaultGasLimitMultiplier
	}

	breaker := c.Breaker
	if breaker == nil {
		bc := circuitbreaker.DefaultConfig("ledger-rpc")
		bc.IsFailure = isEndpointFailure
		if c.BreakerMaxFailures > 0 {
			bc.MaxFailures = c.BreakerMaxFailures
		}
		if c.BreakerResetTimeout > 0 {
			bc.Timeout = c.BreakerResetTimeout
		}
		breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	l := &ContractLedger{
		client:  c.Client,
		abi:     parsed,
		address: common.HexToAddress(c.ContractAddress),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		breaker: breaker,
		cfg:     c,
		logger:  logging.GetGlobalLogger().WithComponent("ledger"),
	}

	if c.ChainID > 0 {
		l.chainID = big.NewInt(c.ChainID)
	} else {
		err := l.rpc(ctx, "eth_chainId", func(ctx context.Context) error {
			id, err := l.client.ChainID(ctx)
			l.chainID = id
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve chain id: %w", err)
		}
	}

	return l, nil
}

// VerifierAddress returns the account that signs ledger mutations
func (l *ContractLedger) VerifierAddress() common.Address {
	return l.from
}

// BreakerStats exposes the endpoint breaker for health reporting
func (l *ContractLedger) BreakerStats() *circuitbreaker.Stats {
	return l.breaker.GetStats()
}

// rpc runs one node call under the breaker and the per-call timeout, and tags its error.
func (l *ContractLedger) rpc(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := l.breaker.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
		return ClassifyRPCError(op, fn(callCtx))
	})
	return ClassifyRPCError(op, err)
}

// call performs an eth_call against the contract and unpacks the outputs
func (l *ContractLedger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.NewInternalError(method, fmt.Errorf("failed to pack call: %w", err))
	}

	var out []byte
	err = l.rpc(ctx, method, func(ctx context.Context) error {
		var callErr error
		out, callErr = l.client.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &l.address, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	values, err := l.abi.Unpack(method, out)
	if err != nil {
		return nil, errors.NewInternalError(method, fmt.Errorf("failed to unpack result: %w", err))
	}
	return values, nil
}

// IsTransactionProcessed reads processedTransactions(hash)
func (l *ContractLedger) IsTransactionProcessed(ctx context.Context, hash common.Hash) (bool, error) {
	values, err := l.call(ctx, FnProcessedTransactions, [32]byte(hash))
	if err != nil {
		return false, err
	}
	return unpackBool(FnProcessedTransactions, values, 0)
}

// IsAppRegistered reads registeredApps(appId)
func (l *ContractLedger) IsAppRegistered(ctx context.Context, appID string) (bool, error) {
	values, err := l.call(ctx, FnRegisteredApps, appID)
	if err != nil {
		return false, err
	}
	return unpackBool(FnRegisteredApps, values, 0)
}

// GetAppRegisteredCampaigns reads getAppRegisteredCampaigns(appId)
func (l *ContractLedger) GetAppRegisteredCampaigns(ctx context.Context, appID string) ([]*big.Int, error) {
	values, err := l.call(ctx, FnGetAppRegisteredCampaigns, appID)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errors.NewInternalError(FnGetAppRegisteredCampaigns, fmt.Errorf("unexpected output count %d", len(values)))
	}
	ids, ok := values[0].([]*big.Int)
	if !ok {
		return nil, errors.NewInternalError(FnGetAppRegisteredCampaigns, fmt.Errorf("unexpected output type %T", values[0]))
	}
	return ids, nil
}

// GetAppCampaignMetrics reads getAppCampaignMetrics(appId, campaignId)
func (l *ContractLedger) GetAppCampaignMetrics(ctx context.Context, appID string, campaignID *big.Int) (*CampaignMetrics, error) {
	values, err := l.call(ctx, FnGetAppCampaignMetrics, appID, campaignID)
	if err != nil {
		return nil, err
	}
	nums, err := unpackBigInts(FnGetAppCampaignMetrics, values, 4)
	if err != nil {
		return nil, err
	}
	return &CampaignMetrics{
		TotalFees:       nums[0],
		TotalVolume:     nums[1],
		TxCount:         nums[2],
		EstimatedReward: nums[3],
	}, nil
}

// GetCampaign reads getCampaign(campaignId)
func (l *ContractLedger) GetCampaign(ctx context.Context, campaignID *big.Int) (*CampaignInfo, error) {
	values, err := l.call(ctx, FnGetCampaign, campaignID)
	if err != nil {
		return nil, err
	}
	nums, err := unpackBigInts(FnGetCampaign, values, 4)
	if err != nil {
		return nil, err
	}
	active, err := unpackBool(FnGetCampaign, values, 4)
	if err != nil {
		return nil, err
	}
	return &CampaignInfo{
		TotalPool:          nums[0],
		DistributedRewards: nums[1],
		StartDate:          nums[2],
		EndDate:            nums[3],
		Active:             active,
	}, nil
}

// TransactionByHash looks up a user transaction. ethereum.NotFound is passed through.
func (l *ContractLedger) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	var (
		tx        *ethtypes.Transaction
		isPending bool
	)
	err := l.rpc(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, isPending, err = l.client.TransactionByHash(ctx, hash)
		return err
	})
	return tx, isPending, err
}

// TransactionReceipt looks up a receipt. ethereum.NotFound is passed through.
func (l *ContractLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := l.rpc(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = l.client.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

// ProcessTransaction signs and sends processTransaction, then waits for it to be mined.
// It is not retried here: a second send for the same hash is the caller's decision.
func (l *ContractLedger) ProcessTransaction(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	data, err := l.abi.Pack(FnProcessTransaction, req.AppID, [32]byte(req.TxHash), req.GasUsed, req.GasPrice, req.Value)
	if err != nil {
		return nil, errors.NewInternalError(FnProcessTransaction, fmt.Errorf("failed to pack call: %w", err))
	}

	tx, err := l.buildTransaction(ctx, data)
	if err != nil {
		return nil, err
	}

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, errors.NewInternalError(FnProcessTransaction, fmt.Errorf("failed to sign transaction: %w", err))
	}

	err = l.rpc(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		sendErr := l.client.SendTransaction(ctx, signed)
		if sendErr != nil && strings.Contains(strings.ToLower(sendErr.Error()), "already known") {
			return nil
		}
		return sendErr
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(map[string]interface{}{
		logging.FieldAppID:  req.AppID,
		logging.FieldTxHash: req.TxHash.Hex(),
		"verifier_tx":       signed.Hash().Hex(),
		"nonce":             signed.Nonce(),
	}).Info("ledger mutation broadcast")

	if req.OnBroadcast != nil {
		req.OnBroadcast(ctx, signed.Hash())
	}

	receipt, err := l.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		processed, checkErr := l.IsTransactionProcessed(ctx, req.TxHash)
		if checkErr == nil && processed {
			return nil, errors.New(errors.KindAlreadyProcessed, FnProcessTransaction, "already processed on-chain", nil)
		}
		return nil, errors.NewLedgerRevertError(FnProcessTransaction,
			fmt.Sprintf("verifier transaction %s reverted in block %d", signed.Hash().Hex(), receipt.BlockNumber.Uint64()), nil)
	}

	return &ProcessResult{
		TxHash:      signed.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// buildTransaction estimates gas (which surfaces reverts with their reason) and
// prices the transaction as EIP-1559 when the head block carries a base fee.
func (l *ContractLedger) buildTransaction(ctx context.Context, data []byte) (*ethtypes.Transaction, error) {
	msg := ethereum.CallMsg{From: l.from, To: &l.address, Data: data}

	var gas uint64
	if err := l.rpc(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = l.client.EstimateGas(ctx, msg)
		return err
	}); err != nil {
		return nil, err
	}
	gasLimit := uint64(float64(gas) * l.cfg.GasLimitMultiplier)

	var nonce uint64
	if err := l.rpc(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		nonce, err = l.client.PendingNonceAt(ctx, l.from)
		return err
	}); err != nil {
		return nil, err
	}

	var head *ethtypes.Header
	if err := l.rpc(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		head, err = l.client.HeaderByNumber(ctx, nil)
		return err
	}); err != nil {
		return nil, err
	}

	if head.BaseFee == nil {
		var gasPrice *big.Int
		if err := l.rpc(ctx, "eth_gasPrice", func(ctx context.Context) error {
			var err error
			gasPrice, err = l.client.SuggestGasPrice(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &l.address,
			Data:     data,
		}), nil
	}

	var tip *big.Int
	if err := l.rpc(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) error {
		var err error
		tip, err = l.client.SuggestGasTipCap(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &l.address,
		Data:      data,
	}), nil
}

// waitMined polls for the receipt until it appears or the confirmation timeout passes
func (l *ContractLedger) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stderrors.Is(err, ethereum.NotFound) {
			l.logger.WithError(err).WithField("verifier_tx", hash.Hex()).Debug("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, errors.NewTimeoutError("waitMined", fmt.Errorf("verifier transaction %s not mined: %w", hash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

func unpackBool(method string, values []interface{}, idx int) (bool, error) {
	if idx >= len(values) {
		return false, errors.NewInternalError(method, fmt.Errorf("missing output %d", idx))
	}
	v, ok := values[idx].(bool)
	if !ok {
		return false, errors.NewInternalError(method, fmt.Errorf("unexpected output type %T", values[idx]))
	}
	return v, nil
}

func unpackBigInts(method string, values []interface{}, n int) ([]*big.Int, error) {
	if len(values) < n {
		return nil, errors.NewInternalError(method, fmt.Errorf("expected %d outputs, got %d", n, len(values)))
	}
	out := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		v, ok := values[i].(*big.Int)
		if !ok {
			return nil, errors.NewInternalError(method, fmt.Errorf("unexpected output type %T at %d", values[i], i))
		}
		out[i] = v
	}
	return out, nil
}
