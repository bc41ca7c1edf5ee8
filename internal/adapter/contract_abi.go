package adapter

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract function names
const (
	FnProcessedTransactions     = "processedTransactions"
	FnRegisteredApps            = "registeredApps"
	FnGetAppRegisteredCampaigns = "getAppRegisteredCampaigns"
	FnGetAppCampaignMetrics     = "getAppCampaignMetrics"
	FnGetCampaign               = "getCampaign"
	FnProcessTransaction        = "processTransaction"
)

// RewardLedgerABI is the slice of the reward contract interface this service calls
const RewardLedgerABI = `[
  {"type":"function","name":"processedTransactions","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"registeredApps","stateMutability":"view",
   "inputs":[{"name":"","type":"string"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getAppRegisteredCampaigns","stateMutability":"view",
   "inputs":[{"name":"appId","type":"string"}],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getAppCampaignMetrics","stateMutability":"view",
   "inputs":[{"name":"appId","type":"string"},{"name":"campaignId","type":"uint256"}],
   "outputs":[{"name":"totalFees","type":"uint256"},{"name":"totalVolume","type":"uint256"},
              {"name":"txCount","type":"uint256"},{"name":"estimatedReward","type":"uint256"}]},
  {"type":"function","name":"getCampaign","stateMutability":"view",
   "inputs":[{"name":"campaignId","type":"uint256"}],
   "outputs":[{"name":"totalPool","type":"uint256"},{"name":"distributedRewards","type":"uint256"},
              {"name":"startDate","type":"uint256"},{"name":"endDate","type":"uint256"},
              {"name":"active","type":"bool"}]},
  {"type":"function","name":"processTransaction","stateMutability":"nonpayable",
   "inputs":[{"name":"appId","type":"string"},{"name":"txHash","type":"bytes32"},
             {"name":"gasUsed","type":"uint256"},{"name":"gasPrice","type":"uint256"},
             {"name":"value","type":"uint256"}],
   "outputs":[]}
]`

// ParseLedgerABI parses RewardLedgerABI
func ParseLedgerABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(RewardLedgerABI))
}
