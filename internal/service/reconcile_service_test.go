package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/types"
)

func TestReconcileReplaysMissedSteps(t *testing.T) {
	h := newHarness(t)
	h.ledger.registerApp("demo1", 7, 8)
	ctx := context.Background()
	row, hash := h.queueUserTx(t, 0, "demo1")

	h.history.err = errMockStore
	h.users.err = errMockStore
	result, err := h.processor.Process(ctx, row, "run")
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, result.Outcome)
	assert.False(t, result.Persistence.OK())
	assert.Empty(t, h.history.appended)

	h.history.err = nil
	h.users.err = nil
	svc := NewReconcileService(h.records, h.writer, h.inspector, h.validator, testMinReward)

	report, err := svc.Run(ctx, ReconcileOptions{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Items, 1)
	assert.Equal(t, 2, report.Items[0].Records)

	assert.Len(t, h.history.appended, 2)
	assert.Len(t, h.records.byHash(hash.Hex()), 2)
	assert.Len(t, h.users.stats, 1)

	// a second pass changes nothing
	_, err = svc.Run(ctx, ReconcileOptions{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	for _, stat := range h.users.stats {
		assert.Equal(t, int64(1), stat.TransactionCount)
	}
}

func TestReconcileRebuildsMissingRecords(t *testing.T) {
	h := newHarness(t)
	h.ledger.registerApp("demo1", 7)
	ctx := context.Background()
	row, hash := h.queueUserTx(t, 0, "demo1")

	h.records.insertErr = errMockStore
	result, err := h.processor.Process(ctx, row, "run")
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, result.Outcome)
	assert.Empty(t, h.records.byHash(hash.Hex()))

	h.records.insertErr = nil
	svc := NewReconcileService(h.records, h.writer, h.inspector, h.validator, testMinReward)

	report, err := svc.Run(ctx, ReconcileOptions{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rebuilt)

	records := h.records.byHash(hash.Hex())
	require.Len(t, records, 1)
	assert.Equal(t, result.ProcessTxHash, records[0].ProcessTxHash)
	assert.Equal(t, "1000000000000000", records[0].EstimatedReward)
	assert.Equal(t, 1, h.ledger.processCalls, "rebuild never mutates the ledger")
}

func TestReconcileSkipRebuild(t *testing.T) {
	h := newHarness(t)
	h.ledger.registerApp("demo1", 7)
	ctx := context.Background()
	row, hash := h.queueUserTx(t, 0, "demo1")

	h.records.insertErr = errMockStore
	_, err := h.processor.Process(ctx, row, "run")
	require.NoError(t, err)
	h.records.insertErr = nil

	svc := NewReconcileService(h.records, h.writer, h.inspector, h.validator, testMinReward)
	report, err := svc.Run(ctx, ReconcileOptions{SkipRebuild: true})
	require.NoError(t, err)
	assert.Empty(t, report.Items)
	assert.Empty(t, h.records.byHash(hash.Hex()))
}

func TestReconcileRebuildWithoutConfirmation(t *testing.T) {
	h := newHarness(t)
	row := h.queue.add("0x" + "ef" + "ef")
	h.queue.rows[row.ID].Status = types.PendingStatusCompleted

	svc := NewReconcileService(h.records, h.writer, h.inspector, h.validator, testMinReward)
	report, err := svc.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.Items[0].Err, errMissingConfirmation)
}

func TestReconcileAdoptsSkippedRowWithLandedSubmission(t *testing.T) {
	h := newHarness(t)
	h.ledger.registerApp("demo1", 7)
	ctx := context.Background()
	row, hash := h.queueUserTx(t, 0, "demo1")

	// an earlier attempt broadcast and landed, then the row was skipped without mirrors
	h.ledger.confirmErr = errors.NewTimeoutError("waitMined", context.DeadlineExceeded)
	_, err := h.processor.Process(ctx, row, "run")
	require.NoError(t, err)
	h.ledger.confirmErr = nil

	stored := h.queue.snapshot(row.ID)
	broadcast, ok := stored.PriorSubmission()
	require.True(t, ok)
	stored.Status = types.PendingStatusSkipped
	h.queue.set(stored)

	svc := NewReconcileService(h.records, h.writer, h.inspector, h.validator, testMinReward)
	report, err := svc.Run(ctx, ReconcileOptions{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rebuilt)
	assert.Equal(t, 0, report.Failed)

	records := h.records.byHash(hash.Hex())
	require.Len(t, records, 1)
	assert.Equal(t, broadcast, records[0].ProcessTxHash)
	assert.Equal(t, types.PendingStatusCompleted, h.queue.snapshot(row.ID).Status)
	assert.Equal(t, 1, h.ledger.processCalls)
}

func TestReconcileClearsSkippedRowWhoseSubmissionDidNotLand(t *testing.T) {
	h := newHarness(t)
	row := h.queue.add("0x" + strings.Repeat("ab", 32))
	lost := "0x" + strings.Repeat("0b", 32)
	h.queue.rows[row.ID].Status = types.PendingStatusSkipped
	h.queue.rows[row.ID].ProcessTxHash = &lost

	svc := NewReconcileService(h.records, h.writer, h.inspector, h.validator, testMinReward)
	report, err := svc.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.Items[0].Err, errSubmissionNotLanded)

	stored := h.queue.snapshot(row.ID)
	assert.Equal(t, types.PendingStatusSkipped, stored.Status)
	assert.Nil(t, stored.ProcessTxHash)

	// the row drops out of the next pass
	report, err = svc.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Items)
}
