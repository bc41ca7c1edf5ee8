package models

import "time"

// UniqueUserStat is a (project, user) aggregate maintained by increment_project_user_stats
type UniqueUserStat struct {
	ProjectID        string    `json:"projectId" db:"project_id"`
	UserAddress      string    `json:"userAddress" db:"user_address"`
	TransactionCount int64     `json:"transactionCount" db:"transaction_count"`
	TotalVolume      string    `json:"totalVolume" db:"total_volume"`
	TotalFees        string    `json:"totalFees" db:"total_fees"`
	TotalRewards     string    `json:"totalRewards" db:"total_rewards"`
	FirstSeenAt      time.Time `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt       time.Time `json:"lastSeenAt" db:"last_seen_at"`
}

// UserStatDelta is one increment applied to a UniqueUserStat, keyed by the transaction that caused it
type UserStatDelta struct {
	ProjectID       string
	UserAddress     string
	TransactionHash string
	Volume          string
	Fees            string
	Rewards         string
}

// UserStatResult is what increment_project_user_stats reports for one delta
type UserStatResult struct {
	// Applied is false when the delta's transaction was already counted
	Applied bool
	// FirstTransaction is true when the delta's transaction is the user's earliest in the project
	FirstTransaction bool
}
