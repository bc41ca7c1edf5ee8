package service

import (
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// rewardDivisor makes the reward a tenth of the fee
var rewardDivisor = big.NewInt(10)

// TransactionMetrics are the off-chain figures reported to the ledger for one transaction
type TransactionMetrics struct {
	GasUsed         *big.Int `json:"gasUsed"`
	GasPrice        *big.Int `json:"gasPrice"`
	FeeGenerated    *big.Int `json:"feeGenerated"`
	Value           *big.Int `json:"transactionValue"`
	EstimatedReward *big.Int `json:"estimatedReward"`
}

// CalculateMetrics derives fee and reward from a mined transaction.
// The reward is max(fee/10, minReward).
func CalculateMetrics(tx *ethtypes.Transaction, receipt *ethtypes.Receipt, minReward *big.Int) *TransactionMetrics {
	gasUsed := new(big.Int).SetUint64(receipt.GasUsed)

	gasPrice := receipt.EffectiveGasPrice
	if gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice = tx.GasPrice()
	}
	gasPrice = new(big.Int).Set(gasPrice)

	fee := new(big.Int).Mul(gasUsed, gasPrice)
	reward := new(big.Int).Quo(fee, rewardDivisor)
	if minReward != nil && reward.Cmp(minReward) < 0 {
		reward = new(big.Int).Set(minReward)
	}

	value := new(big.Int)
	if tx.Value() != nil {
		value.Set(tx.Value())
	}

	return &TransactionMetrics{
		GasUsed:         gasUsed,
		GasPrice:        gasPrice,
		FeeGenerated:    fee,
		Value:           value,
		EstimatedReward: reward,
	}
}
