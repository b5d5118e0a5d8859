package txwatch

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOnRampTx(id, sessionID string) *Transaction {
	return &Transaction{
		ID:      id,
		ChainID: 1,
		From:    testAddr1,
		Hash:    common.Hash{},
		Status:  StatusPending,
		TypeInfo: TypeInfo{
			Type:              TypeFiatPurchase,
			ExternalSessionID: sessionID,
		},
		AddedTime: time.Now(),
	}
}

func TestOnRamp_FinalizesWhenProviderDelivers(t *testing.T) {
	s := newTestSetup(t)
	s.OnRamp.PurchaseStatusFn = func(sessionID string, forceFetch bool) (*PurchaseStatus, error) {
		return &PurchaseStatus{
			ExternalSessionID: sessionID,
			Status:            StatusSuccess,
			CryptoCurrencyID:  "ETH",
			FiatAmount:        100,
		}, nil
	}
	require.NoError(t, s.Store.Add(newOnRampTx("purchase-1", "session-1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.OnRampWatch.Watch(ctx, 1, "purchase-1")

	tx, err := s.Store.Get(1, "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, tx.Status)

	require.Len(t, s.OnRamp.PurchaseStatusCalls, 1)
	assert.Equal(t, "session-1", s.OnRamp.PurchaseStatusCalls[0].SessionID)
	assert.False(t, s.OnRamp.PurchaseStatusCalls[0].ForceFetch)
}

func TestOnRamp_IdenticalResponsesProduceNoChurn(t *testing.T) {
	s := newTestSetup(t)

	polls := 0
	s.OnRamp.PurchaseStatusFn = func(sessionID string, forceFetch bool) (*PurchaseStatus, error) {
		polls++
		if polls >= 4 {
			return &PurchaseStatus{ExternalSessionID: sessionID, Status: StatusSuccess}, nil
		}
		return &PurchaseStatus{ExternalSessionID: sessionID, Status: StatusPending}, nil
	}
	require.NoError(t, s.Store.Add(newOnRampTx("purchase-1", "session-1")))

	events, unsubscribe := s.Store.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.OnRampWatch.Watch(ctx, 1, "purchase-1")

	// Only the first pending response and the finalization touch the store
	updated, finalized := 0, 0
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventUpdated:
				updated++
			case EventFinalized:
				finalized++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, finalized)
	assert.Equal(t, 4, polls)
}

func TestOnRamp_PollErrorsAreRetried(t *testing.T) {
	s := newTestSetup(t)

	polls := 0
	s.OnRamp.PurchaseStatusFn = func(sessionID string, forceFetch bool) (*PurchaseStatus, error) {
		polls++
		if polls < 3 {
			return nil, assert.AnError
		}
		return &PurchaseStatus{ExternalSessionID: sessionID, Status: StatusSuccess}, nil
	}
	require.NoError(t, s.Store.Add(newOnRampTx("purchase-1", "session-1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.OnRampWatch.Watch(ctx, 1, "purchase-1")

	tx, err := s.Store.Get(1, "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, tx.Status)
	assert.Equal(t, 3, polls)
}

func TestOnRamp_ForceRefetchBypassesCache(t *testing.T) {
	s := newTestSetup(t)
	// A long interval so only ForceRefetch can trigger the second poll
	watcher := NewOnRampWatcher(s.Store, s.Finalizer, s.OnRamp, time.Hour)

	require.NoError(t, s.Store.Add(newOnRampTx("purchase-1", "session-1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Watch(ctx, 1, "purchase-1")
	}()

	waitFor(t, time.Second, func() bool {
		return s.OnRamp.callCount() == 1
	}, "initial poll never happened")

	watcher.ForceRefetch(1, "purchase-1")

	waitFor(t, time.Second, func() bool {
		return s.OnRamp.callCount() >= 2
	}, "force refetch never polled")

	calls := s.OnRamp.PurchaseStatusCalls
	assert.False(t, calls[0].ForceFetch)
	assert.True(t, calls[1].ForceFetch)

	cancel()
	<-done
}

func TestOnRamp_UnknownPurchaseIsRemoved(t *testing.T) {
	s := newTestSetup(t)
	s.OnRamp.PurchaseStatusFn = func(sessionID string, forceFetch bool) (*PurchaseStatus, error) {
		return &PurchaseStatus{ExternalSessionID: sessionID, Status: StatusUnknown}, nil
	}
	require.NoError(t, s.Store.Add(newOnRampTx("purchase-1", "session-1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.OnRampWatch.Watch(ctx, 1, "purchase-1")

	// The stale record is deleted, not finalized
	_, err := s.Store.Get(1, "purchase-1")
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.Empty(t, s.Notifier.all())
}

func TestOnRamp_ForceRefetchWithoutWatcherIsNoop(t *testing.T) {
	s := newTestSetup(t)
	s.OnRampWatch.ForceRefetch(1, "nobody-watching")
	assert.Equal(t, 0, s.OnRamp.callCount())
}
