package txwatch

import (
	"errors"
	"fmt"

	"github.com/KyberNetwork/logger"
)

// Finalizer applies final statuses and fires the downstream side effects that
// belong to finalization: user notification, activity flag, query refetch and
// analytics. Effects fire exactly once per transaction because the store only
// accepts the first Finalize.
type Finalizer struct {
	store     *TransactionStore
	notifier  Notifier
	analytics Analytics
	activity  ActivitySink
}

// NewFinalizer creates a finalizer. notifier, analytics and activity may each
// be nil, in which case the corresponding effect is skipped.
func NewFinalizer(store *TransactionStore, notifier Notifier, analytics Analytics, activity ActivitySink) *Finalizer {
	return &Finalizer{
		store:     store,
		notifier:  notifier,
		analytics: analytics,
		activity:  activity,
	}
}

// Finalize records the final status and receipt for a transaction and fires
// the side effects. Calling it again for the same transaction is a no-op
// returning the already-finalized state.
func (f *Finalizer) Finalize(chainID uint64, id string, status TransactionStatus, receipt *Receipt) (*Transaction, error) {
	tx, err := f.store.Finalize(chainID, id, status, receipt)
	if errors.Is(err, ErrAlreadyFinal) {
		return f.store.Get(chainID, id)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"chain_id": chainID,
		"tx_id":    id,
		"status":   status,
	}).Info("Transaction finalized")

	f.fireEffects(tx)
	return tx, nil
}

func (f *Finalizer) fireEffects(tx *Transaction) {
	if f.notifier != nil {
		f.notifier.Notify(finalNotification(tx))
	}
	if f.activity != nil {
		f.activity.MarkActivity(tx.From)
		f.activity.RefetchQueries(tx.TypeInfo.Type)
	}
	if f.analytics == nil {
		return
	}
	f.analytics.Track("transaction_finalized", map[string]any{
		"chain_id": tx.ChainID,
		"tx_id":    tx.ID,
		"type":     string(tx.TypeInfo.Type),
		"status":   string(tx.Status),
		"hash":     tx.Hash.Hex(),
	})
	if tx.TypeInfo.Type == TypeSwap && tx.Status == StatusSuccess && f.isFirstSuccessfulSwap(tx) {
		f.analytics.Track("first_swap", map[string]any{
			"address":  tx.From.Hex(),
			"chain_id": tx.ChainID,
		})
	}
}

// isFirstSuccessfulSwap reports whether tx is the only confirmed swap from
// its address across all tracked chains.
func (f *Finalizer) isFirstSuccessfulSwap(tx *Transaction) bool {
	for _, other := range f.store.All() {
		if other.ID == tx.ID && other.ChainID == tx.ChainID {
			continue
		}
		if other.From == tx.From && other.TypeInfo.Type == TypeSwap && other.Status == StatusSuccess {
			return false
		}
	}
	return true
}

// NotifyWatchFailed tells the user their transaction cannot be watched, either
// because the record is malformed or because its watcher crashed. The record
// itself is left untouched.
func (f *Finalizer) NotifyWatchFailed(tx *Transaction) {
	if f.notifier == nil {
		return
	}
	f.notifier.Notify(Notification{
		Severity:      SeverityError,
		Address:       tx.From,
		TransactionID: tx.ID,
		Message:       "Unable to track transaction status",
	})
}

// NotifyCancelFailed tells the user an in-flight cancellation lost the nonce
// race and the original transaction went through anyway.
func (f *Finalizer) NotifyCancelFailed(tx *Transaction) {
	if f.notifier == nil {
		return
	}
	f.notifier.Notify(Notification{
		Severity:      SeverityWarning,
		Address:       tx.From,
		TransactionID: tx.ID,
		Message:       "Transaction could not be cancelled",
	})
}

func finalNotification(tx *Transaction) Notification {
	var (
		severity NotificationSeverity
		message  string
	)
	switch tx.Status {
	case StatusSuccess:
		severity, message = SeverityInfo, "Transaction confirmed"
	case StatusCanceled:
		severity, message = SeverityInfo, "Transaction cancelled"
	default:
		severity, message = SeverityError, fmt.Sprintf("Transaction %s", tx.Status)
	}
	return Notification{
		Severity:      severity,
		Address:       tx.From,
		TransactionID: tx.ID,
		Message:       message,
	}
}
