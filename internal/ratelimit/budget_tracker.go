// Package ratelimit meters ledger RPC traffic against a compute-unit budget shared through Redis,
// so overlapping batch runs and the submit API draw from one allowance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 300
	DefaultReservedBudget = 100
	DefaultWindowSize     = time.Second
	DefaultKeyTTL         = 2 * time.Second
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixTotal    = "ledger:cu:total:"
	KeyPrefixReserved = "ledger:cu:reserved:"
	KeyPrefixShared   = "ledger:cu:shared:"
	KeyPrefixMethod   = "ledger:cu:method:"
)

// Priority selects the budget pool a caller draws from.
type Priority int

const (
	// PriorityHigh is for POST /api/submit (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for batch runs and repair passes (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and pool counters and increments them atomically.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cu = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cu > totalBudget or poolUsed + cu > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cu)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cu)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cu, poolUsed + cu}
`)

// BudgetTracker implements a fixed-window limiter with a reserved pool for
// high-priority callers and a shared pool for everyone else.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	TotalBudget    int
	ReservedBudget int
	WindowSize     time.Duration
	// KeyTTL should be at least WindowSize.
	KeyTTL time.Duration
}

// Usage contains consumption for the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Utilization returns total usage as a percentage of the total budget.
func (u *Usage) Utilization() float64 {
	if u.TotalBudget == 0 {
		return 100
	}
	return float64(u.TotalUsed) * 100 / float64(u.TotalBudget)
}

// NewBudgetTracker creates a tracker, applying defaults for zero values.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.TotalBudget < 0 || cfg.ReservedBudget < 0 {
		return nil, errors.New("budgets cannot be negative")
	}

	total := cfg.TotalBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	reserved := cfg.ReservedBudget
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	if reserved > total {
		return nil, fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}

	window := cfg.WindowSize
	if window == 0 {
		window = DefaultWindowSize
	}
	ttl := cfg.KeyTTL
	if ttl == 0 {
		ttl = DefaultKeyTTL
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     window,
		keyTTL:         ttl,
	}, nil
}

func (t *BudgetTracker) windowTimestamp() int64 {
	return time.Now().Truncate(t.windowSize).UnixMilli()
}

func (t *BudgetTracker) keys(windowTS int64) (total, reserved, shared string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume attempts to take cu units from the pool matching priority.
// When denied it returns how long until the next window opens. A Redis
// failure denies the request.
func (t *BudgetTracker) TryConsume(ctx context.Context, cu int, priority Priority) (bool, time.Duration) {
	if cu <= 0 {
		return true, 0
	}

	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cu, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		return false, t.untilNextWindow(windowTS)
	}
	return true, 0
}

func (t *BudgetTracker) untilNextWindow(windowTS int64) time.Duration {
	wait := time.Until(time.UnixMilli(windowTS).Add(t.windowSize))
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns consumption for the current window. Missing keys count as zero.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*Usage, error) {
	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

// RecordMethodUsage records per-method consumption for monitoring only.
func (t *BudgetTracker) RecordMethodUsage(ctx context.Context, method string, cu int) error {
	if cu <= 0 || method == "" {
		return nil
	}

	key := fmt.Sprintf("%s%s:%d", KeyPrefixMethod, method, t.windowTimestamp())
	pipe := t.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(cu))
	pipe.Expire(ctx, key, t.keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}
