package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/sdk-batch-processor/internal/config"
	"github.com/sdk-batch-processor/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// HistoryRepository appends ledger records to the transaction_history table
type HistoryRepository struct {
	db *ClickHouseDB
}

// NewHistoryRepository creates a new history sink
func NewHistoryRepository(db *ClickHouseDB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append writes records in one batch. Replays are collapsed by the ReplacingMergeTree.
func (r *HistoryRepository) Append(ctx context.Context, records []*models.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, "INSERT INTO transaction_history")
	if err != nil {
		return fmt.Errorf("failed to prepare history batch: %w", err)
	}

	for _, rec := range records {
		if err := batch.AppendStruct(rec); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append history record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send history batch: %w", err)
	}
	return nil
}

// CountByCampaign returns how many distinct transactions the history holds for a campaign
func (r *HistoryRepository) CountByCampaign(ctx context.Context, campaignID string) (uint64, error) {
	var count uint64
	row := r.db.conn.QueryRow(ctx,
		"SELECT uniqExact(transaction_hash) FROM transaction_history WHERE campaign_id = ?", campaignID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}
