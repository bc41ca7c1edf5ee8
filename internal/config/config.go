// Package config provides configuration management for the SDK batch processor.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Batch     BatchConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds the primary store connection
type PostgresConfig struct {
	// URL is the store connection URL (STORE_URL)
	URL string
	// ServiceKey is the service credential used as the connection password (STORE_SERVICE_KEY)
	ServiceKey     string
	MaxConnections int
	MigrationsPath string
}

// ClickHouseConfig holds the history sink connection. An empty Host disables the sink.
type ClickHouseConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MigrationsPath string
}

// Enabled reports whether the history sink is configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	ProcessedTTL   time.Duration
}

// LedgerConfig holds the contract and verifier settings
type LedgerConfig struct {
	// RPCURLs is RPC_URL split on commas; the first entry is primary
	RPCURLs              []string
	ContractAddress      string
	VerifierPrivateKey   string
	Network              string
	ChainID              int64
	ConfirmationTimeout  time.Duration
	ReceiptPollInterval  time.Duration
	CallTimeout          time.Duration
	GasLimitMultiplier   float64
	BreakerMaxFailures   int
	BreakerResetTimeout  time.Duration
	ReadRetryAttempts    int
	ReadRetryInitialWait time.Duration
}

// BatchConfig holds orchestrator settings
type BatchConfig struct {
	Size              int
	RecordDelayMin    time.Duration
	RecordDelayMax    time.Duration
	BatchDelay        time.Duration
	MaxRetries        int
	IncludeFailed     bool
	ProcessingTimeout time.Duration
	// MinRewardWei is the reward floor in minor units
	MinRewardWei *big.Int
}

// RateLimitConfig holds the HTTP limiter and the shared RPC budget
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	RPCTotalCU        int
	RPCReservedCU     int
	RPCWindow         time.Duration
	RPCMaxWait        time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultMinRewardWei is 0.001 of the native unit
var DefaultMinRewardWei = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)

// LoadConfig loads configuration from .env file and environment variables,
// then validates that every required setting is present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 3*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				URL:            getEnv("STORE_URL", ""),
				ServiceKey:     getEnv("STORE_SERVICE_KEY", ""),
				MaxConnections: getEnvAsInt("STORE_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("STORE_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Host:           getEnv("CLICKHOUSE_HOST", ""),
				Port:           getEnv("CLICKHOUSE_PORT", "9000"),
				Database:       getEnv("CLICKHOUSE_DB", "sdk_batch"),
				User:           getEnv("CLICKHOUSE_USER", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				MigrationsPath: getEnv("CLICKHOUSE_MIGRATIONS_PATH", "migrations/clickhouse"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				ProcessedTTL:   getEnvAsDuration("REDIS_PROCESSED_TTL", 24*time.Hour),
			},
		},
		Ledger: LedgerConfig{
			RPCURLs:              getEnvAsList("RPC_URL"),
			ContractAddress:      getEnv("LEDGER_CONTRACT_ADDRESS", ""),
			VerifierPrivateKey:   getEnv("VERIFIER_PRIVATE_KEY", ""),
			Network:              getEnv("NETWORK", "mainnet"),
			ChainID:              int64(getEnvAsInt("CHAIN_ID", 0)),
			ConfirmationTimeout:  getEnvAsDuration("LEDGER_CONFIRMATION_TIMEOUT", 2*time.Minute),
			ReceiptPollInterval:  getEnvAsDuration("LEDGER_RECEIPT_POLL_INTERVAL", 2*time.Second),
			CallTimeout:          getEnvAsDuration("LEDGER_CALL_TIMEOUT", 15*time.Second),
			GasLimitMultiplier:   getEnvAsFloat("LEDGER_GAS_LIMIT_MULTIPLIER", 1.2),
			BreakerMaxFailures:   getEnvAsInt("LEDGER_BREAKER_MAX_FAILURES", 5),
			BreakerResetTimeout:  getEnvAsDuration("LEDGER_BREAKER_RESET_TIMEOUT", 30*time.Second),
			ReadRetryAttempts:    getEnvAsInt("LEDGER_READ_RETRY_ATTEMPTS", 3),
			ReadRetryInitialWait: getEnvAsDuration("LEDGER_READ_RETRY_INITIAL_WAIT", 500*time.Millisecond),
		},
		Batch: BatchConfig{
			Size:              getEnvAsInt("BATCH_SIZE", 50),
			RecordDelayMin:    getEnvAsDuration("BATCH_RECORD_DELAY_MIN", time.Second),
			RecordDelayMax:    getEnvAsDuration("BATCH_RECORD_DELAY_MAX", 2*time.Second),
			BatchDelay:        getEnvAsDuration("BATCH_DELAY", 5*time.Second),
			MaxRetries:        getEnvAsInt("BATCH_MAX_RETRIES", 3),
			IncludeFailed:     getEnvAsBool("BATCH_INCLUDE_FAILED", false),
			ProcessingTimeout: getEnvAsDuration("BATCH_PROCESSING_TIMEOUT", 15*time.Minute),
			MinRewardWei:      getEnvAsBigInt("MIN_REWARD_WEI", DefaultMinRewardWei),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
			RPCTotalCU:        getEnvAsInt("RPC_CU_PER_SECOND", 300),
			RPCReservedCU:     getEnvAsInt("RPC_RESERVED_CU", 100),
			RPCWindow:         getEnvAsDuration("RPC_WINDOW", time.Second),
			RPCMaxWait:        getEnvAsDuration("RPC_MAX_WAIT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges. Every problem is reported at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Ledger.RPCURLs) == 0 {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if c.Ledger.ContractAddress == "" {
		errs = append(errs, errors.New("LEDGER_CONTRACT_ADDRESS is required"))
	}
	if c.Ledger.VerifierPrivateKey == "" {
		errs = append(errs, errors.New("VERIFIER_PRIVATE_KEY is required"))
	}
	if c.Database.Postgres.URL == "" {
		errs = append(errs, errors.New("STORE_URL is required"))
	}
	if c.Database.Postgres.ServiceKey == "" {
		errs = append(errs, errors.New("STORE_SERVICE_KEY is required"))
	}

	if c.Batch.Size <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Batch.Size))
	}
	if c.Batch.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_RETRIES must be positive, got %d", c.Batch.MaxRetries))
	}
	if c.Batch.RecordDelayMax < c.Batch.RecordDelayMin {
		errs = append(errs, errors.New("BATCH_RECORD_DELAY_MAX must not be below BATCH_RECORD_DELAY_MIN"))
	}
	if c.Batch.MinRewardWei == nil || c.Batch.MinRewardWei.Sign() < 0 {
		errs = append(errs, errors.New("MIN_REWARD_WEI must be a non-negative integer"))
	}
	if c.RateLimit.RPCReservedCU > c.RateLimit.RPCTotalCU {
		errs = append(errs, errors.New("RPC_RESERVED_CU cannot exceed RPC_CU_PER_SECOND"))
	}

	return errors.Join(errs...)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBigInt parses a base-10 integer; an unparsable value yields nil so Validate reports it.
func getEnvAsBigInt(key string, defaultValue *big.Int) *big.Int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return new(big.Int).Set(defaultValue)
	}
	value, ok := new(big.Int).SetString(valueStr, 10)
	if !ok {
		return nil
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
