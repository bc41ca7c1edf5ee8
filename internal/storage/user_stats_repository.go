package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sdk-batch-processor/internal/models"
)

// UserStatsRepository handles project_unique_users
type UserStatsRepository struct {
	db *PostgresDB
}

// NewUserStatsRepository creates a new unique-user stats repository
func NewUserStatsRepository(db *PostgresDB) *UserStatsRepository {
	return &UserStatsRepository{db: db}
}

// Exists reports whether the user has been seen for the project
func (r *UserStatsRepository) Exists(ctx context.Context, projectID, userAddress string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM project_unique_users WHERE project_id = $1 AND user_address = $2)`,
		projectID, strings.ToLower(userAddress),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unique user: %w", err)
	}
	return exists, nil
}

// Increment applies a delta through increment_project_user_stats. Applied is false when
// the delta for this transaction was already applied.
func (r *UserStatsRepository) Increment(ctx context.Context, d *models.UserStatDelta) (*models.UserStatResult, error) {
	var res models.UserStatResult
	err := r.db.Pool().QueryRow(ctx,
		`SELECT was_applied, is_first FROM increment_project_user_stats($1, $2, $3, $4::numeric, $5::numeric, $6::numeric)`,
		d.ProjectID,
		strings.ToLower(d.UserAddress),
		strings.ToLower(d.TransactionHash),
		zeroIfEmpty(d.Volume),
		zeroIfEmpty(d.Fees),
		zeroIfEmpty(d.Rewards),
	).Scan(&res.Applied, &res.FirstTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to increment user stats: %w", err)
	}
	return &res, nil
}

// Get returns the stats row for a project user
func (r *UserStatsRepository) Get(ctx context.Context, projectID, userAddress string) (*models.UniqueUserStat, error) {
	query := `
		SELECT project_id, user_address, transaction_count, total_volume::text, total_fees::text,
		       total_rewards::text, first_seen_at, last_seen_at
		FROM project_unique_users
		WHERE project_id = $1 AND user_address = $2
	`
	var s models.UniqueUserStat
	err := r.db.Pool().QueryRow(ctx, query, projectID, strings.ToLower(userAddress)).Scan(
		&s.ProjectID, &s.UserAddress, &s.TransactionCount, &s.TotalVolume, &s.TotalFees,
		&s.TotalRewards, &s.FirstSeenAt, &s.LastSeenAt,
	)
	if err != nil {
		if notFound(err) == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return &s, nil
}
