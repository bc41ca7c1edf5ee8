package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/retry"
)

// Inspection is a confirmed user transaction ready for validation
type Inspection struct {
	Transaction *ethtypes.Transaction
	Receipt     *ethtypes.Receipt
	From        common.Address
}

// ChainInspector checks the ledger's processed flag, then loads the transaction and its receipt
type ChainInspector struct {
	chain  adapter.ChainReader
	ledger adapter.LedgerReader
	cache  ProcessedCache
	retry  *retry.RetryConfig
}

// NewChainInspector creates a chain inspector. cache may be nil.
func NewChainInspector(chain adapter.ChainReader, ledger adapter.LedgerReader, cache ProcessedCache, retryCfg *retry.RetryConfig) *ChainInspector {
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}
	cfg := *retryCfg
	cfg.ShouldRetry = isTransientRead
	return &ChainInspector{chain: chain, ledger: ledger, cache: cache, retry: &cfg}
}

// isTransientRead retries only infrastructure failures; everything else is an answer
func isTransientRead(err error) bool {
	return errors.KindOf(err) == errors.KindRetryableInfra
}

// Inspect runs the three inspection steps in order
func (c *ChainInspector) Inspect(ctx context.Context, hash common.Hash) (*Inspection, error) {
	processed, err := c.isProcessed(ctx, hash)
	if err != nil {
		return nil, err
	}
	if processed {
		return nil, errors.NewAlreadyProcessedError(hash.Hex())
	}
	return c.Load(ctx, hash)
}

// Load fetches the mined transaction, its receipt and sender without consulting the ledger
func (c *ChainInspector) Load(ctx context.Context, hash common.Hash) (*Inspection, error) {
	logger := logging.FromContext(ctx).WithTxHash(hash.Hex())

	var (
		tx        *ethtypes.Transaction
		isPending bool
	)
	err := retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		var lookupErr error
		tx, isPending, lookupErr = c.chain.TransactionByHash(ctx, hash)
		return lookupErr
	})
	if stderrors.Is(err, ethereum.NotFound) {
		return nil, errors.NewNotFoundError(hash.Hex())
	}
	if err != nil {
		return nil, tagged(err, "eth_getTransactionByHash", hash)
	}
	if isPending {
		return nil, errors.NewUnconfirmedError(hash.Hex())
	}

	var receipt *ethtypes.Receipt
	err = retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		var lookupErr error
		receipt, lookupErr = c.chain.TransactionReceipt(ctx, hash)
		return lookupErr
	})
	if stderrors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, errors.NewUnconfirmedError(hash.Hex())
	}
	if err != nil {
		return nil, tagged(err, "eth_getTransactionReceipt", hash)
	}

	from, err := senderOf(tx)
	if err != nil {
		return nil, errors.NewInternalError("recoverSender", err).WithHash(hash.Hex())
	}

	logger.WithFields(map[string]interface{}{
		"from":  from.Hex(),
		"block": receipt.BlockNumber,
	}).Debug("transaction inspected")

	return &Inspection{Transaction: tx, Receipt: receipt, From: from}, nil
}

// SubmissionLanded reports whether a verifier transaction broadcast earlier was mined successfully.
// A receipt that is missing or reverted means the submission did not land.
func (c *ChainInspector) SubmissionLanded(ctx context.Context, processTxHash common.Hash) (bool, error) {
	var receipt *ethtypes.Receipt
	err := retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		var lookupErr error
		receipt, lookupErr = c.chain.TransactionReceipt(ctx, processTxHash)
		return lookupErr
	})
	if stderrors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, tagged(err, "eth_getTransactionReceipt", processTxHash)
	}
	return receipt != nil && receipt.Status == ethtypes.ReceiptStatusSuccessful, nil
}

// isProcessed serves positives from the cache; negatives always come from the ledger
func (c *ChainInspector) isProcessed(ctx context.Context, hash common.Hash) (bool, error) {
	logger := logging.FromContext(ctx).WithTxHash(hash.Hex())

	if c.cache != nil {
		cached, err := c.cache.IsProcessed(ctx, hash.Hex())
		if err != nil {
			logger.WithError(err).Warn("processed cache read failed")
		} else if cached {
			return true, nil
		}
	}

	var processed bool
	err := retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		var callErr error
		processed, callErr = c.ledger.IsTransactionProcessed(ctx, hash)
		return callErr
	})
	if err != nil {
		return false, tagged(err, adapter.FnProcessedTransactions, hash)
	}

	if processed && c.cache != nil {
		if err := c.cache.MarkProcessed(ctx, hash.Hex(), ""); err != nil {
			logger.WithError(err).Warn("processed cache write failed")
		}
	}
	return processed, nil
}

// senderOf recovers the signer, using the pre-EIP-155 rules for unprotected transactions
func senderOf(tx *ethtypes.Transaction) (common.Address, error) {
	var signer ethtypes.Signer = ethtypes.HomesteadSigner{}
	if tx.Protected() {
		signer = ethtypes.LatestSignerForChainID(tx.ChainId())
	}
	from, err := ethtypes.Sender(signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover sender: %w", err)
	}
	return from, nil
}

// tagged makes sure an error leaving the service carries a kind and the hash
func tagged(err error, op string, hash common.Hash) error {
	pe := errors.As(adapter.ClassifyRPCError(op, err))
	return pe.WithHash(hash.Hex())
}
