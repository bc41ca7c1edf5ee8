package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdk-batch-processor/internal/config"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/types"
)

const (
	hashA = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	hashB = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	hashC = "0x00000000000000000000000000000000000000000000000000000000000000cc"
)

func TestMigrationURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		key     string
		want    string
		wantErr bool
	}{
		{"service key replaces password", "postgres://svc:old@db:5432/app?sslmode=disable", "secret", "postgres://svc:secret@db:5432/app?sslmode=disable", false},
		{"default user", "postgres://db:5432/app", "secret", "postgres://postgres:secret@db:5432/app", false},
		{"no key keeps url", "postgresql://u:p@db/app", "", "postgresql://u:p@db/app", false},
		{"wrong scheme", "https://db/app", "k", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MigrationURL(&config.PostgresConfig{URL: tt.url, ServiceKey: tt.key})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPendingTransactionLifecycle(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	repo := NewPendingTransactionRepository(db)
	runs := NewBatchRunRepository(db)

	row, created, err := repo.Enqueue(ctx, hashA, EnqueueOptions{Network: "base"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.PendingStatusPending, row.Status)
	assert.Equal(t, models.DefaultMaxRetries, row.MaxRetries)

	again, created, err := repo.Enqueue(ctx, hashA, EnqueueOptions{Network: "base"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, row.ID, again.ID)

	run, err := runs.Create(ctx, types.TriggerManual)
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, row.ID, run.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.Claim(ctx, row.ID, run.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "a fresh processing claim must not be taken twice")

	require.NoError(t, repo.RecordSubmission(ctx, row.ID, "0xconfirm"))
	require.NoError(t, repo.MarkCompleted(ctx, row.ID, "0xconfirm", "demo1"))

	got, err := repo.GetByHash(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusCompleted, got.Status)
	require.NotNil(t, got.AppID)
	assert.Equal(t, "demo1", *got.AppID)
	require.NotNil(t, got.BatchRunID)
	assert.Equal(t, run.ID, *got.BatchRunID)

	claimed, err = repo.Claim(ctx, row.ID, "", 0)
	require.NoError(t, err)
	assert.False(t, claimed, "completed rows are never reclaimed")
}

func TestFetchEligible(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	repo := NewPendingTransactionRepository(db)

	a, _, err := repo.Enqueue(ctx, hashA, EnqueueOptions{Network: "base"})
	require.NoError(t, err)
	b, _, err := repo.Enqueue(ctx, hashB, EnqueueOptions{Network: "arbitrum"})
	require.NoError(t, err)
	c, _, err := repo.Enqueue(ctx, hashC, EnqueueOptions{Network: "base"})
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailure(ctx, c.ID, models.FailureUpdate{
		Status: types.PendingStatusFailed, RetryCount: 1, LastError: "boom",
	}))

	rows, err := repo.FetchEligible(ctx, FetchOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, b.ID, rows[0].ID, "ordered by network first")
	assert.Equal(t, a.ID, rows[1].ID)

	rows, err = repo.FetchEligible(ctx, FetchOptions{IncludeFailed: true})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = repo.FetchEligible(ctx, FetchOptions{IncludeFailed: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPermanentFailureIsNeverClaimed(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	repo := NewPendingTransactionRepository(db)

	row, _, err := repo.Enqueue(ctx, hashB, EnqueueOptions{Network: "base"})
	require.NoError(t, err)
	require.NoError(t, repo.RecordSubmission(ctx, row.ID, "0xreverted"))
	require.NoError(t, repo.MarkFailure(ctx, row.ID, models.FailureUpdate{
		Status: types.PendingStatusFailed, LastError: "ledger_revert: paused", Permanent: true,
	}))

	got, err := repo.GetByHash(ctx, hashB)
	require.NoError(t, err)
	assert.True(t, got.Permanent)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.RetryBudgetLeft())

	rows, err := repo.FetchEligible(ctx, FetchOptions{IncludeFailed: true})
	require.NoError(t, err)
	assert.Empty(t, rows)

	claimed, err := repo.Claim(ctx, row.ID, "", 0)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMarkSkippedClearsBroadcastHash(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	repo := NewPendingTransactionRepository(db)
	records := NewTransactionRecordRepository(db)

	row, _, err := repo.Enqueue(ctx, hashC, EnqueueOptions{Network: "base"})
	require.NoError(t, err)
	require.NoError(t, repo.RecordSubmission(ctx, row.ID, "0xreverted"))
	require.NoError(t, repo.MarkSkipped(ctx, row.ID, "already processed on-chain"))

	got, err := repo.GetByHash(ctx, hashC)
	require.NoError(t, err)
	assert.Nil(t, got.ProcessTxHash)

	missing, err := records.CompletedWithoutRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestUserStatsIncrementIsIdempotent(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	repo := NewUserStatsRepository(db)

	exists, err := repo.Exists(ctx, "proj", "0xUser")
	require.NoError(t, err)
	assert.False(t, exists)

	delta := &models.UserStatDelta{
		ProjectID: "proj", UserAddress: "0xUser", TransactionHash: hashA,
		Volume: "5", Fees: "2000000000000000", Rewards: "1000000000000000",
	}
	res, err := repo.Increment(ctx, delta)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.FirstTransaction)

	res, err = repo.Increment(ctx, delta)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.FirstTransaction, "a replay reports the same first-transaction answer")

	second := *delta
	second.TransactionHash = hashB
	res, err = repo.Increment(ctx, &second)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.FirstTransaction)

	stat, err := repo.Get(ctx, "proj", "0xuser")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.TransactionCount)
	assert.Equal(t, "4000000000000000", stat.TotalFees)
}

func TestTransactionRecordsFanOutAndCounters(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	records := NewTransactionRecordRepository(db)
	campaigns := NewCampaignRepository(db)

	newRecord := func(campaign string) *models.TransactionRecord {
		return &models.TransactionRecord{
			TransactionHash: hashA, AppID: "demo1", ProjectID: "demo1", CampaignID: campaign,
			FromAddress: "0xabc", Value: "0", GasUsed: "100000", GasPrice: "20000000000",
			FeeGenerated: "2000000000000000", BlockNumber: 42, ProcessedAt: time.Now().UTC(),
			ProcessTxHash: "0xconfirm", IsUniqueUser: true, EstimatedReward: "1000000000000000",
			Network: "base",
		}
	}

	n, err := records.InsertRecords(ctx, []*models.TransactionRecord{newRecord("7"), newRecord("9")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = records.InsertRecords(ctx, []*models.TransactionRecord{newRecord("7"), newRecord("9")})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := records.ListByHash(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].ProcessTxHash, got[1].ProcessTxHash)

	require.NoError(t, campaigns.RefreshCounters(ctx, "7"))
	require.NoError(t, campaigns.RefreshCounters(ctx, "7"))
	counters, err := campaigns.GetCounters(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.TotalTransactions)
	assert.Equal(t, "2000000000000000", counters.TotalFees)
	assert.Equal(t, int64(1), counters.UniqueUsers)
}

func TestBatchRunProgressAndFinalize(t *testing.T) {
	db := testPostgres(t)
	ctx := testContext(t)
	runs := NewBatchRunRepository(db)

	run, err := runs.Create(ctx, types.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, types.BatchRunStatusRunning, run.Status)

	progress := models.BatchRunProgress{TotalTransactions: 2, SuccessfulCount: 1, FailedCount: 1, TotalFees: "10"}
	require.NoError(t, runs.UpdateProgress(ctx, run.ID, progress))

	summary := "1 failed"
	require.NoError(t, runs.Finalize(ctx, run.ID, types.BatchRunStatusPartial, progress, &summary))

	got, err := runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchRunStatusPartial, got.Status)
	assert.Equal(t, "10", got.TotalFees)
	assert.NotNil(t, got.CompletedAt)

	_, err = runs.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	recent, err := runs.ListRecent(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
