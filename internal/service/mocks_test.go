package service

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/retry"
	"github.com/sdk-batch-processor/internal/storage"
	"github.com/sdk-batch-processor/internal/types"
)

var (
	testChainID   = big.NewInt(8453)
	testMinReward = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)
	errMockStore  = stderrors.New("store unavailable")
)

// Mock ledger and chain

type mockLedger struct {
	mu sync.Mutex

	txs        map[common.Hash]*ethtypes.Transaction
	pending    map[common.Hash]bool
	receipts   map[common.Hash]*ethtypes.Receipt
	processed  map[common.Hash]bool
	apps       map[string][]*big.Int
	metrics    map[string]*adapter.CampaignMetrics
	processErr error
	// confirmErr is returned after the call has landed, as a lost receipt wait would
	confirmErr error
	// onProcess runs when processTransaction is called, before anything else
	onProcess func()
	// lookupFailures makes the next n TransactionByHash calls fail with a transient error
	lookupFailures int

	processCalls int
	broadcasts   []common.Hash
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		txs:       make(map[common.Hash]*ethtypes.Transaction),
		pending:   make(map[common.Hash]bool),
		receipts:  make(map[common.Hash]*ethtypes.Receipt),
		processed: make(map[common.Hash]bool),
		apps:      make(map[string][]*big.Int),
		metrics:   make(map[string]*adapter.CampaignMetrics),
	}
}

func metricsKey(appID string, campaign *big.Int) string {
	return appID + "/" + campaign.String()
}

func (m *mockLedger) registerApp(appID string, campaigns ...int64) {
	ids := make([]*big.Int, 0, len(campaigns))
	for _, c := range campaigns {
		id := big.NewInt(c)
		ids = append(ids, id)
		m.metrics[metricsKey(appID, id)] = &adapter.CampaignMetrics{
			TotalFees:       new(big.Int),
			TotalVolume:     new(big.Int),
			TxCount:         new(big.Int),
			EstimatedReward: new(big.Int),
		}
	}
	m.apps[appID] = ids
}

func (m *mockLedger) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupFailures > 0 {
		m.lookupFailures--
		return nil, false, adapter.ClassifyRPCError("eth_getTransactionByHash", context.DeadlineExceeded)
	}
	tx, ok := m.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, m.pending[hash], nil
}

func (m *mockLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (m *mockLedger) IsTransactionProcessed(ctx context.Context, hash common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[hash], nil
}

func (m *mockLedger) IsAppRegistered(ctx context.Context, appID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.apps[appID]
	return ok, nil
}

func (m *mockLedger) GetAppRegisteredCampaigns(ctx context.Context, appID string) ([]*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apps[appID], nil
}

func (m *mockLedger) GetAppCampaignMetrics(ctx context.Context, appID string, campaignID *big.Int) (*adapter.CampaignMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.metrics[metricsKey(appID, campaignID)]
	if !ok {
		return nil, stderrors.New("no metrics")
	}
	copied := &adapter.CampaignMetrics{
		TotalFees:       new(big.Int).Set(cm.TotalFees),
		TotalVolume:     new(big.Int).Set(cm.TotalVolume),
		TxCount:         new(big.Int).Set(cm.TxCount),
		EstimatedReward: new(big.Int).Set(cm.EstimatedReward),
	}
	return copied, nil
}

func (m *mockLedger) GetCampaign(ctx context.Context, campaignID *big.Int) (*adapter.CampaignInfo, error) {
	return &adapter.CampaignInfo{Active: true}, nil
}

// ProcessTransaction credits every campaign of the app the way the contract does
func (m *mockLedger) ProcessTransaction(ctx context.Context, req *adapter.ProcessRequest) (*adapter.ProcessResult, error) {
	if m.onProcess != nil {
		m.onProcess()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.processCalls++
	if m.processErr != nil {
		err := m.processErr
		m.mu.Unlock()
		return nil, err
	}
	if m.processed[req.TxHash] {
		m.mu.Unlock()
		return nil, adapter.ClassifyRPCError("processTransaction", stderrors.New("execution reverted: Transaction already processed"))
	}

	confirmation := crypto.Keccak256Hash(req.TxHash.Bytes(), []byte("confirm"))
	m.broadcasts = append(m.broadcasts, confirmation)
	m.receipts[confirmation] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(200),
		TxHash:      confirmation,
	}

	fee := new(big.Int).Mul(req.GasUsed, req.GasPrice)
	reward := new(big.Int).Quo(fee, big.NewInt(10))
	if reward.Cmp(testMinReward) < 0 {
		reward = new(big.Int).Set(testMinReward)
	}
	for _, c := range m.apps[req.AppID] {
		cm, ok := m.metrics[metricsKey(req.AppID, c)]
		if !ok {
			continue
		}
		cm.TotalFees.Add(cm.TotalFees, fee)
		cm.TotalVolume.Add(cm.TotalVolume, req.Value)
		cm.TxCount.Add(cm.TxCount, big.NewInt(1))
		cm.EstimatedReward.Add(cm.EstimatedReward, reward)
	}
	m.processed[req.TxHash] = true
	m.mu.Unlock()

	if req.OnBroadcast != nil {
		req.OnBroadcast(ctx, confirmation)
	}
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return &adapter.ProcessResult{TxHash: confirmation, BlockNumber: 200, GasUsed: 90000}, nil
}

// addUserTx signs a legacy transaction carrying appID as calldata and mines it
func (m *mockLedger) addUserTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, appID string, gasUsed uint64, gasPrice int64) common.Hash {
	t.Helper()
	to := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(gasPrice),
		Gas:      gasUsed * 2,
		To:       &to,
		Value:    big.NewInt(5e17),
		Data:     []byte(appID),
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(testChainID), key)
	require.NoError(t, err)

	hash := signed.Hash()
	m.txs[hash] = signed
	m.receipts[hash] = &ethtypes.Receipt{
		Status:            ethtypes.ReceiptStatusSuccessful,
		GasUsed:           gasUsed,
		EffectiveGasPrice: big.NewInt(gasPrice),
		BlockNumber:       big.NewInt(100),
		TxHash:            hash,
	}
	return hash
}

// Mock queue

type mockQueue struct {
	mu   sync.Mutex
	rows map[string]*models.PendingTransaction

	claimErr    error
	completeErr error
	submissions map[string]string
}

func newMockQueue() *mockQueue {
	return &mockQueue{
		rows:        make(map[string]*models.PendingTransaction),
		submissions: make(map[string]string),
	}
}

func (q *mockQueue) add(hash string) *models.PendingTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	row := &models.PendingTransaction{
		ID:              uuid.NewString(),
		TransactionHash: strings.ToLower(hash),
		Network:         "base",
		Status:          types.PendingStatusPending,
		MaxRetries:      models.DefaultMaxRetries,
		SubmittedAt:     time.Now(),
		UpdatedAt:       time.Now(),
	}
	q.rows[row.ID] = row
	copied := *row
	return &copied
}

// snapshot returns a copy of a row as the store holds it
func (q *mockQueue) snapshot(id string) *models.PendingTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *q.rows[id]
	return &copied
}

func (q *mockQueue) Claim(ctx context.Context, id, runID string, staleAfter time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return false, q.claimErr
	}
	row, ok := q.rows[id]
	if !ok {
		return false, nil
	}
	eligible := row.Status == types.PendingStatusPending ||
		(row.Status == types.PendingStatusFailed && row.RetryBudgetLeft()) ||
		(staleAfter > 0 && row.Status == types.PendingStatusProcessing &&
			row.ProcessingStartedAt != nil && time.Since(*row.ProcessingStartedAt) > staleAfter)
	if !eligible {
		return false, nil
	}
	now := time.Now()
	row.Status = types.PendingStatusProcessing
	row.ProcessingStartedAt = &now
	if runID != "" {
		row.BatchRunID = &runID
	}
	return true, nil
}

func (q *mockQueue) RecordSubmission(ctx context.Context, id, processTxHash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submissions[id] = processTxHash
	q.rows[id].ProcessTxHash = &processTxHash
	return nil
}

func (q *mockQueue) MarkCompleted(ctx context.Context, id, processTxHash, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completeErr != nil {
		return q.completeErr
	}
	row := q.rows[id]
	now := time.Now()
	row.Status = types.PendingStatusCompleted
	row.ProcessTxHash = &processTxHash
	if row.AppID == nil {
		row.AppID = &appID
	}
	row.ProcessedAt = &now
	row.LastError = nil
	return nil
}

func (q *mockQueue) MarkSkipped(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	row := q.rows[id]
	row.Status = types.PendingStatusSkipped
	row.LastError = &reason
	row.ProcessTxHash = nil
	return nil
}

func (q *mockQueue) MarkFailure(ctx context.Context, id string, f models.FailureUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	row := q.rows[id]
	row.Status = f.Status
	row.RetryCount = f.RetryCount
	row.LastError = &f.LastError
	row.Permanent = f.Permanent
	row.ProcessingStartedAt = nil
	return nil
}

// set overwrites the stored row, for seeding state an earlier attempt left behind
func (q *mockQueue) set(row *models.PendingTransaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *row
	q.rows[row.ID] = &copied
}

func (q *mockQueue) GetByHash(ctx context.Context, hash string) (*models.PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, row := range q.rows {
		if row.TransactionHash == strings.ToLower(hash) {
			copied := *row
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (q *mockQueue) Enqueue(ctx context.Context, hash string, opts storage.EnqueueOptions) (*models.PendingTransaction, bool, error) {
	if row, err := q.GetByHash(ctx, hash); err == nil {
		return row, false, nil
	}
	return q.add(hash), true, nil
}

// Mock persistence stores

type mockRecords struct {
	mu        sync.Mutex
	records   map[string]*models.TransactionRecord
	insertErr error
	queue     *mockQueue
}

func newMockRecords(queue *mockQueue) *mockRecords {
	return &mockRecords{records: make(map[string]*models.TransactionRecord), queue: queue}
}

func (r *mockRecords) InsertRecords(ctx context.Context, records []*models.TransactionRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	inserted := 0
	for _, rec := range records {
		key := rec.TransactionHash + "/" + rec.CampaignID
		if _, ok := r.records[key]; ok {
			continue
		}
		r.records[key] = rec
		inserted++
	}
	return inserted, nil
}

func (r *mockRecords) byHash(hash string) []*models.TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TransactionRecord
	for _, rec := range r.records {
		if rec.TransactionHash == strings.ToLower(hash) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *mockRecords) ListProcessedSince(ctx context.Context, since time.Time, limit int) ([]*models.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TransactionRecord
	for _, rec := range r.records {
		if !rec.ProcessedAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *mockRecords) CompletedWithoutRecords(ctx context.Context, limit int) ([]*models.PendingTransaction, error) {
	var out []*models.PendingTransaction
	r.queue.mu.Lock()
	rows := make([]*models.PendingTransaction, 0, len(r.queue.rows))
	for _, row := range r.queue.rows {
		copied := *row
		rows = append(rows, &copied)
	}
	r.queue.mu.Unlock()

	for _, row := range rows {
		_, submitted := row.PriorSubmission()
		mirrored := row.Status == types.PendingStatusCompleted ||
			(row.Status == types.PendingStatusSkipped && submitted)
		if mirrored && len(r.byHash(row.TransactionHash)) == 0 {
			out = append(out, row)
		}
	}
	return out, nil
}

type mockUsers struct {
	mu     sync.Mutex
	stats  map[string]*models.UniqueUserStat
	events map[string]bool
	// first maps a project user to the transaction counted first
	first map[string]string
	err   error
	// incrementErr fails only the increment, existsErr only the existence check
	incrementErr error
	existsErr    error
}

func newMockUsers() *mockUsers {
	return &mockUsers{
		stats:  make(map[string]*models.UniqueUserStat),
		events: make(map[string]bool),
		first:  make(map[string]string),
	}
}

func (u *mockUsers) Exists(ctx context.Context, projectID, userAddress string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return false, u.err
	}
	if u.existsErr != nil {
		return false, u.existsErr
	}
	_, ok := u.stats[projectID+"/"+strings.ToLower(userAddress)]
	return ok, nil
}

func (u *mockUsers) Increment(ctx context.Context, d *models.UserStatDelta) (*models.UserStatResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	if u.incrementErr != nil {
		return nil, u.incrementErr
	}
	key := d.ProjectID + "/" + d.UserAddress
	eventKey := d.ProjectID + "/" + d.TransactionHash
	if u.events[eventKey] {
		return &models.UserStatResult{FirstTransaction: u.first[key] == d.TransactionHash}, nil
	}
	u.events[eventKey] = true
	if _, ok := u.first[key]; !ok {
		u.first[key] = d.TransactionHash
	}

	stat, ok := u.stats[key]
	if !ok {
		stat = &models.UniqueUserStat{ProjectID: d.ProjectID, UserAddress: d.UserAddress}
		u.stats[key] = stat
	}
	stat.TransactionCount++
	return &models.UserStatResult{Applied: true, FirstTransaction: u.first[key] == d.TransactionHash}, nil
}

type mockCampaigns struct {
	mu        sync.Mutex
	refreshes map[string]int
	err       error
}

func newMockCampaigns() *mockCampaigns {
	return &mockCampaigns{refreshes: make(map[string]int)}
}

func (c *mockCampaigns) RefreshCounters(ctx context.Context, campaignID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.refreshes[campaignID]++
	return nil
}

type mockHistory struct {
	mu       sync.Mutex
	appended []*models.TransactionRecord
	err      error
}

func (h *mockHistory) Append(ctx context.Context, records []*models.TransactionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.appended = append(h.appended, records...)
	return nil
}

// harness wires the full record lifecycle over mocks and a miniredis-backed cache

type harness struct {
	ledger    *mockLedger
	queue     *mockQueue
	records   *mockRecords
	users     *mockUsers
	campaigns *mockCampaigns
	history   *mockHistory
	cache     *storage.RedisCache
	redis     *miniredis.Miniredis

	inspector *ChainInspector
	validator *EligibilityValidator
	writer    *PersistenceWriter
	processor *RecordProcessor
	userKey   *ecdsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		ledger:    newMockLedger(),
		queue:     newMockQueue(),
		users:     newMockUsers(),
		campaigns: newMockCampaigns(),
		history:   &mockHistory{},
		cache:     storage.NewRedisCacheFromClient(client, time.Hour),
		redis:     mr,
		userKey:   key,
	}
	h.records = newMockRecords(h.queue)

	h.inspector = NewChainInspector(h.ledger, h.ledger, h.cache, &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	})
	h.validator = NewEligibilityValidator(h.ledger)
	h.writer = NewPersistenceWriter(&PersistenceWriterConfig{
		Queue:     h.queue,
		Records:   h.records,
		Users:     h.users,
		Campaigns: h.campaigns,
		History:   h.history,
		Cache:     h.cache,
	})
	h.processor = NewRecordProcessor(&RecordProcessorConfig{
		Queue:      h.queue,
		Inspector:  h.inspector,
		Validator:  h.validator,
		Mutator:    NewLedgerMutator(h.ledger),
		Writer:     h.writer,
		MinReward:  testMinReward,
		StaleAfter: 15 * time.Minute,
	})
	return h
}

// queueUserTx mines a demo transaction and queues it
func (h *harness) queueUserTx(t *testing.T, nonce uint64, appID string) (*models.PendingTransaction, common.Hash) {
	t.Helper()
	hash := h.ledger.addUserTx(t, h.userKey, nonce, appID, 100000, 20e9)
	return h.queue.add(hash.Hex()), hash
}
