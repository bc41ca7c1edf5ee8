package config

import (
	"math/big"
	"os"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "https://rpc-a.example, https://rpc-b.example")
	t.Setenv("LEDGER_CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("VERIFIER_PRIVATE_KEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("STORE_URL", "postgres://batch@localhost:5432/sdk_batch")
	t.Setenv("STORE_SERVICE_KEY", "service-key")
}

func TestLoadConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BATCH_DELAY", "7s")
	t.Setenv("BATCH_INCLUDE_FAILED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if got := len(cfg.Ledger.RPCURLs); got != 2 {
		t.Fatalf("len(Ledger.RPCURLs) = %v, want 2", got)
	}
	if cfg.Ledger.RPCURLs[1] != "https://rpc-b.example" {
		t.Errorf("Ledger.RPCURLs[1] = %v, want %v", cfg.Ledger.RPCURLs[1], "https://rpc-b.example")
	}
	if cfg.Batch.Size != 25 {
		t.Errorf("Batch.Size = %v, want %v", cfg.Batch.Size, 25)
	}
	if cfg.Batch.BatchDelay != 7*time.Second {
		t.Errorf("Batch.BatchDelay = %v, want %v", cfg.Batch.BatchDelay, 7*time.Second)
	}
	if !cfg.Batch.IncludeFailed {
		t.Errorf("Batch.IncludeFailed = false, want true")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Batch.Size != 50 {
		t.Errorf("Batch.Size = %v, want 50", cfg.Batch.Size)
	}
	if cfg.Batch.MaxRetries != 3 {
		t.Errorf("Batch.MaxRetries = %v, want 3", cfg.Batch.MaxRetries)
	}
	if cfg.Batch.RecordDelayMin != time.Second || cfg.Batch.RecordDelayMax != 2*time.Second {
		t.Errorf("record delay = [%v, %v], want [1s, 2s]", cfg.Batch.RecordDelayMin, cfg.Batch.RecordDelayMax)
	}
	if cfg.Batch.BatchDelay != 5*time.Second {
		t.Errorf("Batch.BatchDelay = %v, want 5s", cfg.Batch.BatchDelay)
	}
	if cfg.Batch.ProcessingTimeout != 15*time.Minute {
		t.Errorf("Batch.ProcessingTimeout = %v, want 15m", cfg.Batch.ProcessingTimeout)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)
	if cfg.Batch.MinRewardWei.Cmp(want) != 0 {
		t.Errorf("Batch.MinRewardWei = %v, want %v", cfg.Batch.MinRewardWei, want)
	}
	if cfg.Database.ClickHouse.Enabled() {
		t.Errorf("ClickHouse.Enabled() = true, want false without CLICKHOUSE_HOST")
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	required := []string{
		"RPC_URL",
		"LEDGER_CONTRACT_ADDRESS",
		"VERIFIER_PRIVATE_KEY",
		"STORE_URL",
		"STORE_SERVICE_KEY",
	}

	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "")

			_, err := LoadConfig()
			if err == nil {
				t.Fatalf("LoadConfig() error = nil, want error for missing %s", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("error %q does not mention %s", err.Error(), key)
			}
		})
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }, "BATCH_SIZE"},
		{"zero retries", func(c *Config) { c.Batch.MaxRetries = 0 }, "BATCH_MAX_RETRIES"},
		{"inverted delays", func(c *Config) { c.Batch.RecordDelayMax = 0 }, "BATCH_RECORD_DELAY_MAX"},
		{"bad reward", func(c *Config) { c.Batch.MinRewardWei = nil }, "MIN_REWARD_WEI"},
		{"reserved over total", func(c *Config) { c.RateLimit.RPCReservedCU = 1000 }, "RPC_RESERVED_CU"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantMsg)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBigInt(t *testing.T) {
	t.Setenv("TEST_BIG", "not-a-number")
	if got := getEnvAsBigInt("TEST_BIG", big.NewInt(1)); got != nil {
		t.Errorf("getEnvAsBigInt() = %v, want nil", got)
	}

	t.Setenv("TEST_BIG", "5000000000000000")
	if got := getEnvAsBigInt("TEST_BIG", big.NewInt(1)); got.String() != "5000000000000000" {
		t.Errorf("getEnvAsBigInt() = %v, want 5000000000000000", got)
	}
}
