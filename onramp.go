package txwatch

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/txwatch/internal/metrics"
)

// OnRampWatcher tracks fiat on-ramp purchases. There is nothing on chain to
// watch until the provider delivers, so it polls the provider's status API
// instead of racing lifecycle signals.
type OnRampWatcher struct {
	store     *TransactionStore
	finalizer *Finalizer
	client    FiatOnRampClient
	interval  time.Duration

	mu    sync.Mutex
	force map[txKey]chan struct{}
}

// NewOnRampWatcher creates a watcher polling every interval;
// DefaultOnRampPollInterval is used when interval is zero.
func NewOnRampWatcher(store *TransactionStore, finalizer *Finalizer, client FiatOnRampClient, interval time.Duration) *OnRampWatcher {
	if interval <= 0 {
		interval = DefaultOnRampPollInterval
	}
	return &OnRampWatcher{
		store:     store,
		finalizer: finalizer,
		client:    client,
		interval:  interval,
		force:     map[txKey]chan struct{}{},
	}
}

// ForceRefetch makes the watcher for the given purchase poll immediately,
// bypassing the provider's cache. It is a no-op when nothing is watching the
// purchase.
func (w *OnRampWatcher) ForceRefetch(chainID uint64, id string) {
	w.mu.Lock()
	ch, ok := w.force[txKey{chainID, id}]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (w *OnRampWatcher) registerForce(key txKey) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{}, 1)
	w.force[key] = ch
	return ch
}

func (w *OnRampWatcher) unregisterForce(key txKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.force, key)
}

// Watch polls the provider until the purchase reaches a final status or ctx
// is cancelled. Like the on-chain watcher it is guarded by the store's watch
// marker, so concurrent calls for the same purchase collapse to one loop.
func (w *OnRampWatcher) Watch(ctx context.Context, chainID uint64, id string) {
	if !w.store.tryAcquireWatch(chainID, id) {
		return
	}
	defer w.store.releaseWatch(chainID, id)

	key := txKey{chainID, id}
	forceCh := w.registerForce(key)
	defer w.unregisterForce(key)

	var last *PurchaseStatus
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		forceFetch := false
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-forceCh:
			forceFetch = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		tx, err := w.store.Get(chainID, id)
		if err != nil || tx.Status.IsFinal() {
			return
		}

		metrics.OnRampPolls.Inc()
		status, err := w.client.PurchaseStatus(ctx, tx.TypeInfo.ExternalSessionID, forceFetch)
		if err != nil {
			logger.WithFields(logger.Fields{
				"chain_id":   chainID,
				"tx_id":      id,
				"session_id": tx.TypeInfo.ExternalSessionID,
				"error":      err,
			}).Warn("Failed to poll on-ramp purchase status. Retrying")
			timer.Reset(w.interval)
			continue
		}

		// Identical provider responses produce no store churn.
		if last == nil || *status != *last {
			last = status
			if done := w.apply(tx, status); done {
				return
			}
		}
		timer.Reset(w.interval)
	}
}

// apply folds a changed provider status into the store. It returns true when
// the purchase reached a terminal status and the watch loop should stop.
func (w *OnRampWatcher) apply(tx *Transaction, status *PurchaseStatus) bool {
	if status.Status == StatusUnknown {
		// The provider no longer knows the session; the record is stale.
		logger.WithFields(logger.Fields{
			"chain_id":   tx.ChainID,
			"tx_id":      tx.ID,
			"session_id": tx.TypeInfo.ExternalSessionID,
		}).Info("On-ramp purchase unknown to provider, removing stale record")
		if err := w.store.Delete(tx.ChainID, tx.ID); err != nil {
			logger.WithFields(logger.Fields{
				"chain_id": tx.ChainID,
				"tx_id":    tx.ID,
				"error":    err,
			}).Warn("Failed to delete stale on-ramp purchase")
		}
		return true
	}
	if status.Status.IsFinal() {
		if _, err := w.finalizer.Finalize(tx.ChainID, tx.ID, status.Status, nil); err != nil {
			logger.WithFields(logger.Fields{
				"chain_id": tx.ChainID,
				"tx_id":    tx.ID,
				"error":    err,
			}).Error("Failed to finalize on-ramp purchase")
		}
		return true
	}

	_, err := w.store.Update(tx.ChainID, tx.ID, func(t *Transaction) error {
		t.Status = status.Status
		if status.CryptoCurrencyID != "" {
			t.TypeInfo.OutputCurrencyID = status.CryptoCurrencyID
		}
		if status.FiatAmount > 0 {
			t.TypeInfo.TransactedUSDValue = status.FiatAmount
		}
		return nil
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"error":    err,
		}).Warn("Failed to apply on-ramp purchase status")
	}
	return false
}
