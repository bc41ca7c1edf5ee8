package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/ratelimit"
)

// DefaultCooldown is how long a throttled endpoint is skipped
const DefaultCooldown = 60 * time.Second

// Dialer opens a client for one endpoint URL
type Dialer func(ctx context.Context, url string) (ratelimit.EthClient, error)

// DialEthClient is the default Dialer
func DialEthClient(ctx context.Context, url string) (ratelimit.EthClient, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCPool manages multiple RPC endpoints with failover on throttling.
// It sticks to the current endpoint until it is rate limited, then moves to the next.
type RPCPool struct {
	endpoints    []string
	clients      []ratelimit.EthClient
	dial         Dialer
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints []string
	// CooldownTime defaults to DefaultCooldown
	CooldownTime time.Duration
	// Dialer defaults to DialEthClient
	Dialer Dialer
}

var _ ratelimit.EthClient = (*RPCPool)(nil)

// NewRPCPool connects to the primary endpoint; the others are dialed on first failover
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = DefaultCooldown
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = DialEthClient
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		clients:      make([]ratelimit.EthClient, len(cfg.Endpoints)),
		dial:         dial,
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		now:          time.Now,
		logger:       logging.GetGlobalLogger().WithComponent("rpc-pool"),
	}

	client, err := dial(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	pool.logger.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized")
	return pool, nil
}

// SplitEndpoints parses a comma-separated URL list, dropping blanks
func SplitEndpoints(urls string) []string {
	var endpoints []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

func (p *RPCPool) current() (int, ratelimit.EthClient) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex, p.clients[p.currentIndex]
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// OnRateLimited puts endpoint idx in cooldown and switches to the next one that is not.
// It is a no-op when another caller already moved off idx.
func (p *RPCPool) OnRateLimited(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx != p.currentIndex {
		return nil
	}
	p.cooldowns[idx] = p.now()
	p.logger.WithField("endpoint", idx).Warn("endpoint rate limited, entering cooldown")

	for i := 1; i < len(p.endpoints); i++ {
		next := (idx + i) % len(p.endpoints)
		if at, ok := p.cooldowns[next]; ok {
			if p.now().Sub(at) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, next)
		}
		if err := p.switchToEndpoint(next); err != nil {
			p.logger.WithError(err).WithField("endpoint", next).Warn("failed to switch endpoint")
			continue
		}
		p.logger.WithFields(map[string]interface{}{"from": idx, "to": next}).Info("switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are rate limited", len(p.endpoints))
}

// switchToEndpoint must be called with mu held
func (p *RPCPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		// Dial outside any request context; the connection outlives the call that triggered it.
		client, err := p.dial(context.Background(), p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary moves back to endpoint 0 once its cooldown has expired
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if at, ok := p.cooldowns[0]; ok {
		if p.now().Sub(at) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.switchToEndpoint(0); err != nil {
		p.logger.WithError(err).Warn("failed to reset to primary endpoint")
		return false
	}
	p.logger.Info("reset to primary endpoint")
	return true
}

// do runs fn on the current client and fails over once when the endpoint throttles
func do[T any](p *RPCPool, fn func(c ratelimit.EthClient) (T, error)) (T, error) {
	idx, client := p.current()
	v, err := fn(client)
	if err == nil || !IsRateLimitError(err) || len(p.endpoints) == 1 {
		return v, err
	}
	if failErr := p.OnRateLimited(idx); failErr != nil {
		return v, err
	}
	_, client = p.current()
	return fn(client)
}

func (p *RPCPool) ChainID(ctx context.Context) (*big.Int, error) {
	return do(p, func(c ratelimit.EthClient) (*big.Int, error) { return c.ChainID(ctx) })
}

func (p *RPCPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return do(p, func(c ratelimit.EthClient) ([]byte, error) { return c.CallContract(ctx, msg, blockNumber) })
}

func (p *RPCPool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return do(p, func(c ratelimit.EthClient) (uint64, error) { return c.EstimateGas(ctx, msg) })
}

func (p *RPCPool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return do(p, func(c ratelimit.EthClient) (*big.Int, error) { return c.SuggestGasPrice(ctx) })
}

func (p *RPCPool) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return do(p, func(c ratelimit.EthClient) (*big.Int, error) { return c.SuggestGasTipCap(ctx) })
}

func (p *RPCPool) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return do(p, func(c ratelimit.EthClient) (*ethtypes.Header, error) { return c.HeaderByNumber(ctx, number) })
}

func (p *RPCPool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return do(p, func(c ratelimit.EthClient) (uint64, error) { return c.PendingNonceAt(ctx, account) })
}

func (p *RPCPool) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	type result struct {
		tx      *ethtypes.Transaction
		pending bool
	}
	r, err := do(p, func(c ratelimit.EthClient) (result, error) {
		tx, pending, err := c.TransactionByHash(ctx, hash)
		return result{tx, pending}, err
	})
	return r.tx, r.pending, err
}

func (p *RPCPool) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	return do(p, func(c ratelimit.EthClient) (*ethtypes.Receipt, error) { return c.TransactionReceipt(ctx, hash) })
}

func (p *RPCPool) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	_, err := do(p, func(c ratelimit.EthClient) (struct{}, error) { return struct{}{}, c.SendTransaction(ctx, tx) })
	return err
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		p.clients[i] = nil
	}
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}
	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}
		if at, ok := p.cooldowns[i]; ok {
			if remaining := p.cooldownTime - p.now().Sub(at); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}
		status.EndpointStatus[i] = es
	}
	return status
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int              `json:"totalEndpoints"`
	CurrentIndex   int              `json:"currentIndex"`
	EndpointStatus []EndpointStatus `json:"endpoints"`
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int           `json:"index"`
	Connected         bool          `json:"connected"`
	IsCurrent         bool          `json:"isCurrent"`
	InCooldown        bool          `json:"inCooldown"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}
