package txwatch

import (
	"context"
	"errors"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/txwatch/internal/metrics"
)

// signalKind identifies which of the raced lifecycle signals fired. The
// numeric order IS the arbitration order: when several signals are ready at
// the same moment, the lowest wins.
type signalKind int

const (
	sigStopped signalKind = iota // tx finalized or deleted out from under us
	sigInvalidated
	sigCancelRequested
	sigReplaceRequested
	sigReceipt
	sigBackgrounded
	sigTimeout
	sigPollExhausted
)

type signal struct {
	kind          signalKind
	sibling       *Transaction // sigInvalidated: the finalized same-nonce sibling
	receipt       *Receipt     // sigReceipt
	receiptStatus uint64       // sigReceipt: on-chain status from the eth receipt
}

// Watcher drives one goroutine per tracked transaction, racing the receipt
// against every event that could preempt it: nonce invalidation by a sibling,
// a user cancel or replace, the app going to background, and the advisory
// timeout.
type Watcher struct {
	store           *TransactionStore
	finalizer       *Finalizer
	providers       ProviderFactory
	appState        AppStateObserver
	analytics       Analytics
	pollerOpts      []PollerOption
	restartCooldown time.Duration
}

// NewWatcher creates a watcher. appState and analytics may be nil.
func NewWatcher(store *TransactionStore, finalizer *Finalizer, providers ProviderFactory, appState AppStateObserver, analytics Analytics, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:           store,
		finalizer:       finalizer,
		providers:       providers,
		appState:        appState,
		analytics:       analytics,
		restartCooldown: DefaultPollerRestartCooldown,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherPollerOptions forwards options to every receipt poller the
// watcher creates.
func WithWatcherPollerOptions(opts ...PollerOption) WatcherOption {
	return func(w *Watcher) { w.pollerOpts = opts }
}

// WithRestartCooldown sets how long the watcher sleeps after the receipt
// poller exhausts its error budget before starting over.
func WithRestartCooldown(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.restartCooldown = d }
}

// Watch runs the full lifecycle of one transaction until it is finalized,
// deleted, or ctx is cancelled. It returns immediately if another watcher
// already owns the transaction, so callers can fire it for every Added event
// without duplicate-watcher races.
func (w *Watcher) Watch(ctx context.Context, chainID uint64, id string) {
	if !w.store.tryAcquireWatch(chainID, id) {
		return
	}
	defer w.store.releaseWatch(chainID, id)

	metrics.WatchersActive.Inc()
	defer metrics.WatchersActive.Dec()

	defer func() {
		if r := recover(); r != nil {
			metrics.WatcherPanics.Inc()
			logger.WithFields(logger.Fields{
				"chain_id": chainID,
				"tx_id":    id,
				"panic":    r,
			}).Error("Transaction watcher panicked. The transaction is left pending")
			if tx, err := w.store.Get(chainID, id); err == nil {
				w.finalizer.NotifyWatchFailed(tx)
			}
		}
	}()

	// Each iteration re-reads the transaction and re-arms the race, so a
	// cancel or replace simply loops back here with fresh state instead of
	// spawning a second watcher.
	for {
		tx, err := w.store.Get(chainID, id)
		if err != nil {
			return
		}
		if tx.Status.IsFinal() {
			return
		}

		sig, err := w.race(ctx, tx)
		if err != nil {
			return // context cancelled
		}

		switch sig.kind {
		case sigStopped:
			return

		case sigInvalidated:
			w.handleInvalidated(tx, sig.sibling)
			return

		case sigCancelRequested:
			logger.WithFields(logger.Fields{
				"chain_id": chainID,
				"tx_id":    id,
			}).Info("Cancellation requested, continuing to watch original transaction")

		case sigReplaceRequested:
			logger.WithFields(logger.Fields{
				"chain_id": chainID,
				"tx_id":    id,
			}).Info("Replacement requested, continuing to watch original transaction")

		case sigReceipt:
			status := finalizedStatus(tx, sig.receiptStatus)
			if _, err := w.finalizer.Finalize(chainID, id, status, sig.receipt); err != nil {
				logger.WithFields(logger.Fields{
					"chain_id": chainID,
					"tx_id":    id,
					"error":    err,
				}).Error("Failed to finalize transaction with receipt")
			}
			return

		case sigBackgrounded:
			w.markBackgrounded(tx)

		case sigTimeout:
			if done := w.handleTimeout(ctx, tx); done {
				return
			}

		case sigPollExhausted:
			logger.WithFields(logger.Fields{
				"chain_id": chainID,
				"tx_id":    id,
				"cooldown": w.restartCooldown,
			}).Warn("Receipt polling exhausted, restarting after cooldown")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.restartCooldown):
			}
		}
	}
}

// race arms all lifecycle signal sources for one iteration and returns the
// winning signal. When several signals are already queued by the time the
// first one is observed, the highest-priority one wins.
func (w *Watcher) race(ctx context.Context, tx *Transaction) (signal, error) {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := w.store.Subscribe()
	defer unsubscribe()

	sigCh := make(chan signal, 8)
	// send never blocks past the iteration's lifetime so signal goroutines
	// cannot leak once a winner is picked.
	send := func(sig signal) {
		select {
		case sigCh <- sig:
		case <-iterCtx.Done():
		}
	}

	// Receipt poll.
	go func() {
		provider, err := w.providers(tx.ChainID)
		if err != nil {
			logger.WithFields(logger.Fields{
				"chain_id": tx.ChainID,
				"tx_id":    tx.ID,
				"error":    err,
			}).Error("No provider for chain, treating as poll exhaustion")
			send(signal{kind: sigPollExhausted})
			return
		}
		poller := NewReceiptPoller(provider, tx.ChainID, w.pollerOpts...)
		ethReceipt, err := poller.Wait(iterCtx, tx.Hash)
		switch {
		case err == nil:
			send(signal{
				kind:          sigReceipt,
				receipt:       ReceiptFromEthReceipt(ethReceipt, time.Now()),
				receiptStatus: ethReceipt.Status,
			})
		case errors.Is(err, ErrReceiptPollExhausted):
			send(signal{kind: sigPollExhausted})
		}
	}()

	// Store events: own updates/finalization/deletion and same-nonce
	// sibling finalization.
	go func() {
		nonce, hasNonce := tx.Nonce()
		for {
			select {
			case <-iterCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Tx.ChainID != tx.ChainID {
					continue
				}
				if ev.Tx.ID == tx.ID {
					switch {
					case ev.Kind == EventDeleted || ev.Kind == EventFinalized:
						send(signal{kind: sigStopped})
					case ev.Kind == EventUpdated && ev.Tx.Status == StatusCancelling:
						send(signal{kind: sigCancelRequested})
					case ev.Kind == EventUpdated && ev.Tx.Status == StatusReplacing:
						send(signal{kind: sigReplaceRequested})
					}
					continue
				}
				if !hasNonce {
					continue
				}
				switch {
				case ev.Kind == EventFinalized && isFinalizedSibling(ev.Tx, tx, nonce):
					send(signal{kind: sigInvalidated, sibling: ev.Tx})
				case ev.Kind == EventUpdated && isBridgeSendSibling(ev.Tx, tx, nonce):
					// A sibling bridge's send leg confirming spends the
					// nonce without the sibling finalizing.
					send(signal{kind: sigInvalidated, sibling: ev.Tx})
				}
			}
		}
	}()

	// A sibling may have finalized, or confirmed its bridge send leg,
	// before this iteration subscribed.
	if nonce, ok := tx.Nonce(); ok {
		for _, other := range w.store.All() {
			if isFinalizedSibling(other, tx, nonce) || isBridgeSendSibling(other, tx, nonce) {
				sibling := other
				sigCh <- signal{kind: sigInvalidated, sibling: sibling}
				break
			}
		}
	}

	// App lifecycle. The flag is sticky, so once recorded we stop listening.
	if w.appState != nil && !tx.Options.AppBackgroundedWhilePending {
		bgCh := w.appState.Backgrounded()
		go func() {
			select {
			case <-iterCtx.Done():
			case <-bgCh:
				send(signal{kind: sigBackgrounded})
			}
		}()
	}

	// Advisory timeout, armed only until it has been acted on once.
	if ts := tx.Options.TimeoutTimestampMs; ts > 0 && !tx.Options.TimeoutLogged {
		go func() {
			delay := time.Until(time.UnixMilli(ts))
			if delay < 0 {
				delay = 0
			}
			select {
			case <-iterCtx.Done():
			case <-time.After(delay):
				send(signal{kind: sigTimeout})
			}
		}()
	}

	var first signal
	select {
	case <-ctx.Done():
		return signal{}, ctx.Err()
	case first = <-sigCh:
	}

	// Drain whatever else is already queued and keep the strongest signal.
	best := first
	for {
		select {
		case next := <-sigCh:
			if next.kind < best.kind {
				best = next
			}
		default:
			return best, nil
		}
	}
}

// handleInvalidated removes a transaction whose nonce was consumed by
// sibling. A Cancelling transaction beaten by anything other than its own
// cancellation attempt means the user's cancel failed.
func (w *Watcher) handleInvalidated(tx *Transaction, sibling *Transaction) {
	cancelWorked := sibling.Options.CancelsTransactionID == tx.ID
	if tx.Status == StatusCancelling && !cancelWorked {
		w.finalizer.NotifyCancelFailed(tx)
	}

	logger.WithFields(logger.Fields{
		"chain_id":   tx.ChainID,
		"tx_id":      tx.ID,
		"sibling_id": sibling.ID,
	}).Info("Transaction invalidated by same-nonce sibling, removing")
	if err := w.store.Delete(tx.ChainID, tx.ID); err != nil && !errors.Is(err, ErrTxNotFound) {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"error":    err,
		}).Warn("Failed to delete invalidated transaction")
	}
}

func (w *Watcher) markBackgrounded(tx *Transaction) {
	_, err := w.store.Update(tx.ChainID, tx.ID, func(t *Transaction) error {
		t.Options.AppBackgroundedWhilePending = true
		return nil
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"error":    err,
		}).Warn("Failed to record app backgrounded flag")
	}
}

// handleTimeout runs once the advisory timeout passes while the transaction
// is still pending. If the node no longer knows the transaction at all it is
// finalized as failed; otherwise the event is recorded once and watching
// continues, since the transaction can still be mined.
func (w *Watcher) handleTimeout(ctx context.Context, tx *Transaction) (done bool) {
	provider, err := w.providers(tx.ChainID)
	if err == nil {
		var invalidated bool
		invalidated, err = CheckTransactionInvalidated(ctx, provider, tx)
		if err == nil && invalidated {
			if _, err := w.finalizer.Finalize(tx.ChainID, tx.ID, StatusFailed, nil); err != nil {
				logger.WithFields(logger.Fields{
					"chain_id": tx.ChainID,
					"tx_id":    tx.ID,
					"error":    err,
				}).Error("Failed to finalize timed-out transaction")
			}
			return true
		}
	}
	if err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"error":    err,
		}).Warn("Timeout invalidation check failed, continuing to watch")
	}

	metrics.TimeoutsLogged.Inc()
	if w.analytics != nil {
		w.analytics.Track("transaction_timed_out", map[string]any{
			"chain_id":    tx.ChainID,
			"tx_id":       tx.ID,
			"hash":        tx.Hash.Hex(),
			"private_rpc": tx.Options.SubmitViaPrivateRPC,
		})
	}
	if _, err := w.store.Update(tx.ChainID, tx.ID, func(t *Transaction) error {
		t.Options.TimeoutLogged = true
		return nil
	}); err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"error":    err,
		}).Warn("Failed to record timeout flag")
	}
	return false
}
