package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sdk-batch-processor/internal/config"
)

// processedKeyPrefix namespaces the ledger processed flags
const processedKeyPrefix = "ledger:processed:"

// DefaultProcessedTTL bounds how long a processed flag is cached
const DefaultProcessedTTL = 24 * time.Hour

// RedisCache wraps the Redis client and holds the processed-hash cache.
// The ledger's processed flag never flips back, so only positive answers are cached.
type RedisCache struct {
	client       redis.UniversalClient
	processedTTL time.Duration
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheFromClient(client, cfg.ProcessedTTL), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client redis.UniversalClient, processedTTL time.Duration) *RedisCache {
	if processedTTL <= 0 {
		processedTTL = DefaultProcessedTTL
	}
	return &RedisCache{client: client, processedTTL: processedTTL}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() redis.UniversalClient {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func processedKey(hash string) string {
	return processedKeyPrefix + strings.ToLower(hash)
}

// MarkProcessed records that the ledger has processed hash, with the ledger confirmation as value
func (r *RedisCache) MarkProcessed(ctx context.Context, hash, processTxHash string) error {
	if err := r.client.Set(ctx, processedKey(hash), processTxHash, r.processedTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache processed flag: %w", err)
	}
	return nil
}

// IsProcessed reports whether hash is cached as processed. A miss means unknown, not unprocessed.
func (r *RedisCache) IsProcessed(ctx context.Context, hash string) (bool, error) {
	err := r.client.Get(ctx, processedKey(hash)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read processed flag: %w", err)
	}
	return true, nil
}
