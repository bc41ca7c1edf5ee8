package ratelimit

import (
	"sync"
)

// DefaultCUCost applies to methods the registry does not know.
const DefaultCUCost = 20

// RPC method names issued by the ledger client.
const (
	MethodEthCall                  = "eth_call"
	MethodEthChainID               = "eth_chainId"
	MethodEthEstimateGas           = "eth_estimateGas"
	MethodEthGasPrice              = "eth_gasPrice"
	MethodEthMaxPriorityFeePerGas  = "eth_maxPriorityFeePerGas"
	MethodEthGetBlockByNumber      = "eth_getBlockByNumber"
	MethodEthGetTransactionCount   = "eth_getTransactionCount"
	MethodEthGetTransactionByHash  = "eth_getTransactionByHash"
	MethodEthGetTransactionReceipt = "eth_getTransactionReceipt"
	MethodEthSendRawTransaction    = "eth_sendRawTransaction"
)

var defaultCosts = map[string]int{
	MethodEthCall:                  26,
	MethodEthChainID:               0,
	MethodEthEstimateGas:           87,
	MethodEthGasPrice:              19,
	MethodEthMaxPriorityFeePerGas:  10,
	MethodEthGetBlockByNumber:      16,
	MethodEthGetTransactionCount:   26,
	MethodEthGetTransactionByHash:  17,
	MethodEthGetTransactionReceipt: 15,
	MethodEthSendRawTransaction:    250,
}

// CostRegistry maps RPC methods to their compute-unit costs. Safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// NewCostRegistry creates a registry with the built-in costs plus overrides.
// Non-positive overrides are ignored, except that zero marks a method free.
func NewCostRegistry(defaultCost int, overrides map[string]int) *CostRegistry {
	costs := make(map[string]int, len(defaultCosts)+len(overrides))
	for m, c := range defaultCosts {
		costs[m] = c
	}
	for m, c := range overrides {
		if c >= 0 {
			costs[m] = c
		}
	}
	if defaultCost <= 0 {
		defaultCost = DefaultCUCost
	}
	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// GetCost returns the cost for method, or the default cost.
func (r *CostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates a method cost at runtime. Negative values are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost < 0 {
		return
	}
	r.mu.Lock()
	r.costs[method] = cost
	r.mu.Unlock()
}
