package job

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/service"
	"github.com/sdk-batch-processor/internal/storage"
	"github.com/sdk-batch-processor/internal/types"
)

// Mock collaborators

type mockQueueReader struct {
	rows     []*models.PendingTransaction
	err      error
	lastOpts storage.FetchOptions
}

func (m *mockQueueReader) FetchEligible(ctx context.Context, opts storage.FetchOptions) ([]*models.PendingTransaction, error) {
	m.lastOpts = opts
	return m.rows, m.err
}

type mockRunStore struct {
	mu        sync.Mutex
	createErr error
	progress  []models.BatchRunProgress
	finalized bool
	status    types.BatchRunStatus
	final     models.BatchRunProgress
	summary   *string
	finalCtx  error
}

func (m *mockRunStore) Create(ctx context.Context, trigger types.TriggerSource) (*models.BatchRun, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &models.BatchRun{ID: "run-1", TriggerSource: trigger, Status: types.BatchRunStatusRunning}, nil
}

func (m *mockRunStore) UpdateProgress(ctx context.Context, id string, p models.BatchRunProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, p)
	return nil
}

func (m *mockRunStore) Finalize(ctx context.Context, id string, status types.BatchRunStatus, p models.BatchRunProgress, summary *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	m.status = status
	m.final = p
	m.summary = summary
	m.finalCtx = ctx.Err()
	return nil
}

type mockProcessor struct {
	outcomes map[string]types.Outcome
	errs     map[string]error
	bookErr  map[string]error
	calls    []string
	// onProcess runs after each call
	onProcess func(n int)
}

func (m *mockProcessor) Process(ctx context.Context, row *models.PendingTransaction, runID string) (*service.RecordResult, error) {
	m.calls = append(m.calls, row.TransactionHash)
	defer func() {
		if m.onProcess != nil {
			m.onProcess(len(m.calls))
		}
	}()
	if err := m.bookErr[row.TransactionHash]; err != nil {
		return nil, err
	}
	outcome, ok := m.outcomes[row.TransactionHash]
	if !ok {
		outcome = types.OutcomeSuccess
	}
	result := &service.RecordResult{Outcome: outcome, Hash: row.TransactionHash, Err: m.errs[row.TransactionHash]}
	if outcome == types.OutcomeSuccess {
		result.Metrics = &service.TransactionMetrics{
			GasUsed:         big.NewInt(100000),
			FeeGenerated:    big.NewInt(2e15),
			EstimatedReward: big.NewInt(1e15),
		}
	}
	return result, nil
}

func makeRows(n int) []*models.PendingTransaction {
	rows := make([]*models.PendingTransaction, n)
	for i := range rows {
		rows[i] = &models.PendingTransaction{
			ID:              fmt.Sprintf("row-%d", i),
			TransactionHash: fmt.Sprintf("0x%064x", i+1),
			Status:          types.PendingStatusPending,
			MaxRetries:      3,
		}
	}
	return rows
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestBatchProcessor(rows []*models.PendingTransaction, proc *mockProcessor, cfg *BatchConfig) (*BatchProcessor, *mockRunStore, *sleepRecorder) {
	runs := &mockRunStore{}
	b := NewBatchProcessor(&mockQueueReader{rows: rows}, runs, proc, cfg)
	recorder := &sleepRecorder{}
	b.sleep = recorder.sleep
	b.jitter = func(lo, hi time.Duration) time.Duration { return lo }
	return b, runs, recorder
}

func TestTerminalStatus(t *testing.T) {
	assert.Equal(t, types.BatchRunStatusCompleted, TerminalStatus(10, 0))
	assert.Equal(t, types.BatchRunStatusPartial, TerminalStatus(5, 5))
	assert.Equal(t, types.BatchRunStatusFailed, TerminalStatus(0, 1))
	assert.Equal(t, types.BatchRunStatusCompleted, TerminalStatus(0, 0))
}

func TestTerminalStatusProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("terminal status follows successes and failures", prop.ForAll(
		func(successes, failures int) bool {
			status := TerminalStatus(successes, failures)
			switch {
			case failures == 0:
				return status == types.BatchRunStatusCompleted
			case successes == 0:
				return status == types.BatchRunStatusFailed
			default:
				return status == types.BatchRunStatusPartial
			}
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestRunAllSucceed(t *testing.T) {
	b, runs, _ := newTestBatchProcessor(makeRows(10), &mockProcessor{}, nil)

	stats, err := b.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.BatchRunStatusCompleted, stats.Status)
	assert.Equal(t, 10, stats.Successful)
	assert.Equal(t, "1000000", stats.TotalGasUsed.String())
	assert.Equal(t, "20000000000000000", stats.TotalFees.String())
	assert.Equal(t, "10000000000000000", stats.TotalRewards.String())

	assert.True(t, runs.finalized)
	assert.Equal(t, types.BatchRunStatusCompleted, runs.status)
	assert.Nil(t, runs.summary)
	assert.Len(t, runs.progress, 11, "initial snapshot plus one per record")
	assert.Equal(t, 10, runs.final.SuccessfulCount)
}

func TestRunPartial(t *testing.T) {
	rows := makeRows(10)
	proc := &mockProcessor{outcomes: map[string]types.Outcome{}, errs: map[string]error{}}
	for _, row := range rows[5:] {
		proc.outcomes[row.TransactionHash] = types.OutcomeFailed
		proc.errs[row.TransactionHash] = errors.NewLedgerRevertError("processTransaction", "paused", nil)
	}
	b, runs, _ := newTestBatchProcessor(rows, proc, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.NoError(t, err)

	assert.Equal(t, types.BatchRunStatusPartial, stats.Status)
	assert.Equal(t, 5, stats.Successful)
	assert.Equal(t, 5, stats.Failed)
	require.Len(t, stats.Failures, 5)
	assert.Equal(t, errors.KindLedgerRevert, stats.Failures[0].Kind)
	assert.Equal(t, types.BatchRunStatusPartial, runs.status)
}

func TestRunAllFail(t *testing.T) {
	rows := makeRows(1)
	proc := &mockProcessor{outcomes: map[string]types.Outcome{rows[0].TransactionHash: types.OutcomeRetry}}
	b, _, _ := newTestBatchProcessor(rows, proc, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, types.BatchRunStatusFailed, stats.Status)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 0, stats.Failed)
}

func TestRunSkipsDoNotFail(t *testing.T) {
	rows := makeRows(3)
	proc := &mockProcessor{outcomes: map[string]types.Outcome{
		rows[0].TransactionHash: types.OutcomeSkipped,
		rows[1].TransactionHash: types.OutcomeSkipped,
	}}
	b, _, _ := newTestBatchProcessor(rows, proc, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, types.BatchRunStatusCompleted, stats.Status)
	assert.Equal(t, 2, stats.Skipped)
}

func TestRunEmptyQueue(t *testing.T) {
	b, runs, _ := newTestBatchProcessor(nil, &mockProcessor{}, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, types.BatchRunStatusCompleted, runs.status)
}

func TestRunFetchError(t *testing.T) {
	runs := &mockRunStore{}
	b := NewBatchProcessor(&mockQueueReader{err: stderrors.New("connection refused")}, runs, &mockProcessor{}, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.Error(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, types.BatchRunStatusFailed, runs.status)
	require.NotNil(t, runs.summary)
	assert.Contains(t, *runs.summary, "connection refused")
}

func TestRunBookkeepingError(t *testing.T) {
	rows := makeRows(3)
	proc := &mockProcessor{bookErr: map[string]error{rows[1].TransactionHash: stderrors.New("write failed")}}
	b, runs, _ := newTestBatchProcessor(rows, proc, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, types.BatchRunStatusFailed, runs.status)
	assert.Len(t, proc.calls, 2, "the run stops at the bookkeeping failure")
}

func TestRunCreateError(t *testing.T) {
	runs := &mockRunStore{createErr: stderrors.New("db down")}
	b := NewBatchProcessor(&mockQueueReader{}, runs, &mockProcessor{}, nil)

	stats, err := b.Run(context.Background(), types.TriggerCron)
	require.Error(t, err)
	assert.Nil(t, stats)
	assert.False(t, runs.finalized)
}

func TestRunPacing(t *testing.T) {
	cfg := &BatchConfig{
		BatchSize:      2,
		RecordDelayMin: time.Second,
		RecordDelayMax: 2 * time.Second,
		BatchDelay:     5 * time.Second,
	}
	b, _, recorder := newTestBatchProcessor(makeRows(5), &mockProcessor{}, cfg)

	_, err := b.Run(context.Background(), types.TriggerCron)
	require.NoError(t, err)

	// chunks [0 1] [2 3] [4]
	assert.Equal(t, []time.Duration{
		time.Second,
		5 * time.Second, time.Second,
		5 * time.Second,
	}, recorder.delays)
}

func TestRunInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &mockProcessor{onProcess: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	b, runs, _ := newTestBatchProcessor(makeRows(10), proc, nil)

	stats, err := b.Run(ctx, types.TriggerCron)
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 3, stats.Successful)
	assert.Len(t, proc.calls, 3)
	assert.Equal(t, types.BatchRunStatusCompleted, runs.status)
	require.NotNil(t, runs.summary)
	assert.Equal(t, SummaryInterrupted, *runs.summary)
	assert.NoError(t, runs.finalCtx, "finalize runs on a live context")
}

func TestRunInterruptedInsideRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rows := makeRows(5)
	proc := &mockProcessor{
		outcomes: map[string]types.Outcome{rows[2].TransactionHash: types.OutcomeInterrupted},
		errs:     map[string]error{rows[2].TransactionHash: errors.NewCanceledError("process", context.Canceled)},
		onProcess: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}
	b, runs, _ := newTestBatchProcessor(rows, proc, nil)

	stats, err := b.Run(ctx, types.TriggerCron)
	require.NoError(t, err, "cancellation is not a bookkeeping failure")

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.Retried)
	assert.Empty(t, stats.Failures)
	assert.Len(t, proc.calls, 3)
	assert.Equal(t, types.BatchRunStatusCompleted, runs.status)
	require.NotNil(t, runs.summary)
	assert.Equal(t, SummaryInterrupted, *runs.summary)
}

func TestRunBookkeepingErrorAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rows := makeRows(4)
	proc := &mockProcessor{
		bookErr: map[string]error{rows[1].TransactionHash: context.Canceled},
		onProcess: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	b, runs, _ := newTestBatchProcessor(rows, proc, nil)

	stats, err := b.Run(ctx, types.TriggerCron)
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, types.BatchRunStatusCompleted, runs.status)
	require.NotNil(t, runs.summary)
	assert.Equal(t, SummaryInterrupted, *runs.summary)
}

func TestRunPassesFetchOptions(t *testing.T) {
	queue := &mockQueueReader{}
	b := NewBatchProcessor(queue, &mockRunStore{}, &mockProcessor{}, &BatchConfig{
		BatchSize:     10,
		IncludeFailed: true,
		StaleAfter:    15 * time.Minute,
		Limit:         500,
	})

	_, err := b.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, storage.FetchOptions{IncludeFailed: true, StaleAfter: 15 * time.Minute, Limit: 500}, queue.lastOpts)
}

func TestRandomDelayBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := randomDelay(time.Second, 2*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
	assert.Equal(t, time.Second, randomDelay(time.Second, time.Second))
}
