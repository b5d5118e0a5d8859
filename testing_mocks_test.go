package txwatch

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockProvider implements ChainProvider for testing
type mockProvider struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	TransactionReceiptFn func(hash common.Hash) (*types.Receipt, error)
	TransactionByHashFn  func(hash common.Hash) (*types.Transaction, bool, error)
	NonceAtFn            func(account common.Address) (uint64, error)

	// Call tracking for assertions
	TransactionReceiptCalls []common.Hash
	TransactionByHashCalls  []common.Hash
	NonceAtCalls            []common.Address
}

func (m *mockProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	m.TransactionReceiptCalls = append(m.TransactionReceiptCalls, hash)
	m.mu.Unlock()
	if m.TransactionReceiptFn != nil {
		return m.TransactionReceiptFn(hash)
	}
	return nil, ethereum.NotFound
}

func (m *mockProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	m.TransactionByHashCalls = append(m.TransactionByHashCalls, hash)
	m.mu.Unlock()
	if m.TransactionByHashFn != nil {
		return m.TransactionByHashFn(hash)
	}
	return nil, true, nil
}

func (m *mockProvider) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	m.mu.Lock()
	m.NonceAtCalls = append(m.NonceAtCalls, account)
	m.mu.Unlock()
	if m.NonceAtFn != nil {
		return m.NonceAtFn(account)
	}
	return 0, nil
}

func (m *mockProvider) receiptCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TransactionReceiptCalls)
}

// mockSigner implements TransactionSigner for testing
type mockSigner struct {
	mu sync.Mutex

	SubmitCancelFn  func(tx *Transaction, req TxRequest) (common.Hash, error)
	SubmitReplaceFn func(tx *Transaction, req TxRequest) (common.Hash, error)

	SubmitCancelCalls  []TxRequest
	SubmitReplaceCalls []TxRequest
}

func (m *mockSigner) SubmitCancel(ctx context.Context, tx *Transaction, req TxRequest) (common.Hash, error) {
	m.mu.Lock()
	m.SubmitCancelCalls = append(m.SubmitCancelCalls, req)
	m.mu.Unlock()
	if m.SubmitCancelFn != nil {
		return m.SubmitCancelFn(tx, req)
	}
	return testHash2, nil
}

func (m *mockSigner) SubmitReplace(ctx context.Context, tx *Transaction, req TxRequest) (common.Hash, error) {
	m.mu.Lock()
	m.SubmitReplaceCalls = append(m.SubmitReplaceCalls, req)
	m.mu.Unlock()
	if m.SubmitReplaceFn != nil {
		return m.SubmitReplaceFn(tx, req)
	}
	return testHash3, nil
}

// mockOnRampClient implements FiatOnRampClient for testing
type mockOnRampClient struct {
	mu sync.Mutex

	PurchaseStatusFn func(sessionID string, forceFetch bool) (*PurchaseStatus, error)

	PurchaseStatusCalls []struct {
		SessionID  string
		ForceFetch bool
	}
}

func (m *mockOnRampClient) PurchaseStatus(ctx context.Context, sessionID string, forceFetch bool) (*PurchaseStatus, error) {
	m.mu.Lock()
	m.PurchaseStatusCalls = append(m.PurchaseStatusCalls, struct {
		SessionID  string
		ForceFetch bool
	}{sessionID, forceFetch})
	m.mu.Unlock()
	if m.PurchaseStatusFn != nil {
		return m.PurchaseStatusFn(sessionID, forceFetch)
	}
	return &PurchaseStatus{ExternalSessionID: sessionID, Status: StatusPending}, nil
}

func (m *mockOnRampClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PurchaseStatusCalls)
}

// mockNotifier implements Notifier for testing
type mockNotifier struct {
	mu            sync.Mutex
	Notifications []Notification
}

func (m *mockNotifier) Notify(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notifications = append(m.Notifications, n)
}

func (m *mockNotifier) all() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.Notifications...)
}

// mockAnalytics implements Analytics for testing
type mockAnalytics struct {
	mu     sync.Mutex
	Events []struct {
		Event string
		Props map[string]any
	}
}

func (m *mockAnalytics) Track(event string, props map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, struct {
		Event string
		Props map[string]any
	}{event, props})
}

func (m *mockAnalytics) eventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		names = append(names, e.Event)
	}
	return names
}

// mockActivitySink implements ActivitySink for testing
type mockActivitySink struct {
	mu                sync.Mutex
	MarkActivityCalls []common.Address
	RefetchCalls      []TransactionType
}

func (m *mockActivitySink) MarkActivity(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkActivityCalls = append(m.MarkActivityCalls, addr)
}

func (m *mockActivitySink) RefetchQueries(txType TransactionType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefetchCalls = append(m.RefetchCalls, txType)
}

// ============================================================
// Test Fixtures
// ============================================================

var (
	testAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")

	testHash1 = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testHash2 = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testHash3 = common.HexToHash("0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
)

func newPendingTx(id string, nonce uint64) *Transaction {
	n := nonce
	return &Transaction{
		ID:      id,
		ChainID: 1,
		From:    testAddr1,
		Hash:    testHash1,
		Status:  StatusPending,
		TypeInfo: TypeInfo{
			Type: TypeSwap,
		},
		Options: TransactionOptions{
			Request: TxRequest{
				To:    testAddr2,
				Value: "1000000",
				Nonce: &n,
			},
			RPCSubmissionTimestampMs: time.Now().UnixMilli(),
		},
		AddedTime: time.Now(),
	}
}

func newEthReceipt(hash common.Hash, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            hash,
		BlockNumber:       big.NewInt(12345678),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		TransactionIndex:  0,
		GasUsed:           21000,
		CumulativeGasUsed: 21000,
		EffectiveGasPrice: big.NewInt(2000000000),
	}
}

// ============================================================
// Test Helpers
// ============================================================

// testSetup contains all the mocks needed for a typical test
type testSetup struct {
	Store       *TransactionStore
	Provider    *mockProvider
	Signer      *mockSigner
	OnRamp      *mockOnRampClient
	Notifier    *mockNotifier
	Analytics   *mockAnalytics
	Activity    *mockActivitySink
	AppState    *AppStateBroadcaster
	Finalizer   *Finalizer
	Coordinator *Coordinator
	Watcher     *Watcher
	OnRampWatch *OnRampWatcher
	Supervisor  *Supervisor
}

// newTestSetup creates a complete test setup with default mocks and fast poll
// intervals so tests settle in milliseconds.
func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	provider := &mockProvider{}
	signer := &mockSigner{}
	onRampClient := &mockOnRampClient{}
	notifier := &mockNotifier{}
	analytics := &mockAnalytics{}
	activity := &mockActivitySink{}
	appState := NewAppStateBroadcaster()

	store := NewTransactionStore(nil, 0)
	finalizer := NewFinalizer(store, notifier, analytics, activity)
	coordinator := NewCoordinator(store, signer)
	watcher := NewWatcher(
		store,
		finalizer,
		func(chainID uint64) (ChainProvider, error) { return provider, nil },
		appState,
		analytics,
		WithWatcherPollerOptions(
			WithPollInterval(2*time.Millisecond),
			WithMaxPollInterval(5*time.Millisecond),
		),
		WithRestartCooldown(5*time.Millisecond),
	)
	onRampWatcher := NewOnRampWatcher(store, finalizer, onRampClient, 2*time.Millisecond)
	supervisor := NewSupervisor(store, watcher, onRampWatcher)

	return &testSetup{
		Store:       store,
		Provider:    provider,
		Signer:      signer,
		OnRamp:      onRampClient,
		Notifier:    notifier,
		Analytics:   analytics,
		Activity:    activity,
		AppState:    appState,
		Finalizer:   finalizer,
		Coordinator: coordinator,
		Watcher:     watcher,
		OnRampWatch: onRampWatcher,
		Supervisor:  supervisor,
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
