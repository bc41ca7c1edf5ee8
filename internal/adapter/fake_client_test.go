package adapter

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// viewFn answers one contract view call with its decoded arguments
type viewFn func(args []interface{}) ([]interface{}, error)

// fakeEthClient is an in-memory node that understands the ledger ABI
type fakeEthClient struct {
	mu sync.Mutex

	abi        abi.ABI
	chainID    *big.Int
	chainIDErr error
	views      map[string]viewFn

	gas         uint64
	estimateErr error
	nonce       uint64
	baseFee     *big.Int
	tip         *big.Int
	gasPrice    *big.Int

	sendErr        error
	sent           []*ethtypes.Transaction
	receiptStatus  uint64
	withholdMining bool

	txs      map[common.Hash]*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
}

func newFakeEthClient() *fakeEthClient {
	parsed, err := ParseLedgerABI()
	if err != nil {
		panic(err)
	}
	return &fakeEthClient{
		abi:           parsed,
		chainID:       big.NewInt(31337),
		views:         make(map[string]viewFn),
		gas:           100000,
		tip:           big.NewInt(1e9),
		gasPrice:      big.NewInt(20e9),
		receiptStatus: ethtypes.ReceiptStatusSuccessful,
		txs:           make(map[common.Hash]*ethtypes.Transaction),
		receipts:      make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeEthClient) ChainID(ctx context.Context) (*big.Int, error) {
	if f.chainIDErr != nil {
		return nil, f.chainIDErr
	}
	return f.chainID, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	view, ok := f.views[method.Name]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no view registered for %s", method.Name)
	}
	out, err := view(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gas, f.estimateErr
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeEthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if !f.withholdMining {
		f.receipts[tx.Hash()] = &ethtypes.Receipt{
			Status:      f.receiptStatus,
			TxHash:      tx.Hash(),
			BlockNumber: big.NewInt(101),
			GasUsed:     84000,
		}
	}
	return f.sendErr
}

func (f *fakeEthClient) setView(name string, fn viewFn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views[name] = fn
}

func (f *fakeEthClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
