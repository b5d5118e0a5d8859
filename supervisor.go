package txwatch

import (
	"context"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// AppStateBroadcaster fans the host app's background transition out to every
// active watcher. It satisfies AppStateObserver.
type AppStateBroadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewAppStateBroadcaster() *AppStateBroadcaster {
	return &AppStateBroadcaster{ch: make(chan struct{})}
}

// Backgrounded returns a channel closed on the next background transition.
func (b *AppStateBroadcaster) Backgrounded() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// NotifyBackgrounded signals all current listeners that the app moved to the
// background and re-arms for the next transition.
func (b *AppStateBroadcaster) NotifyBackgrounded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}

// Supervisor owns the set of per-transaction watcher goroutines. It restores
// persisted state on start, resumes a watcher for every non-final
// transaction, and spawns one for each transaction added afterwards. On-ramp
// purchases are routed to the fiat poller instead of the on-chain watcher.
type Supervisor struct {
	store   *TransactionStore
	watcher *Watcher
	onramp  *OnRampWatcher

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor. onramp may be nil when fiat purchases
// are not tracked.
func NewSupervisor(store *TransactionStore, watcher *Watcher, onramp *OnRampWatcher) *Supervisor {
	return &Supervisor{
		store:   store,
		watcher: watcher,
		onramp:  onramp,
	}
}

// Track registers a new transaction; its watcher is spawned by the event
// loop started in Start.
func (s *Supervisor) Track(tx *Transaction) error {
	return s.store.Add(tx)
}

// Start loads persisted transactions, resumes watchers for everything still
// pending, and begins spawning watchers for newly added transactions. It
// returns once resumption is kicked off; watchers run until ctx is
// cancelled. The watch markers in the store make Start safe to race with
// concurrent Adds: a transaction observed both by resumption and by its
// Added event still gets exactly one watcher.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.store.Restore(ctx); err != nil {
		return err
	}

	// Subscribe before reading pending so no Add slips between the two.
	events, unsubscribe := s.store.Subscribe()

	pending := s.store.Pending()
	logger.WithFields(logger.Fields{
		"count": len(pending),
	}).Info("Resuming watchers for pending transactions")
	for _, tx := range pending {
		s.dispatch(ctx, tx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == EventAdded {
					s.dispatch(ctx, ev.Tx)
				}
			}
		}
	}()
	return nil
}

func (s *Supervisor) dispatch(ctx context.Context, tx *Transaction) {
	if reason := malformedReason(tx); reason != "" {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"reason":   reason,
		}).Error("Refusing to watch malformed transaction record")
		s.watcher.finalizer.NotifyWatchFailed(tx)
		return
	}

	s.wg.Add(1)
	if tx.IsOnRamp() {
		if s.onramp == nil {
			s.wg.Done()
			logger.WithFields(logger.Fields{
				"chain_id": tx.ChainID,
				"tx_id":    tx.ID,
			}).Warn("On-ramp transaction tracked without an on-ramp watcher, ignoring")
			return
		}
		go func() {
			defer s.wg.Done()
			s.onramp.Watch(ctx, tx.ChainID, tx.ID)
		}()
		return
	}
	go func() {
		defer s.wg.Done()
		s.watcher.Watch(ctx, tx.ChainID, tx.ID)
	}()
}

// malformedReason reports why a record cannot be watched, or "" when it can.
// A record with no id or sender can never be finalized or notified about, and
// an on-chain record without a hash has nothing to poll.
func malformedReason(tx *Transaction) string {
	switch {
	case tx.ID == "":
		return "missing id"
	case tx.From == (common.Address{}):
		return "missing sender"
	case tx.IsOnRamp() && tx.TypeInfo.ExternalSessionID == "":
		return "missing on-ramp session id"
	case !tx.IsOnRamp() && tx.Hash == (common.Hash{}):
		return "missing hash"
	}
	return ""
}

// Wait blocks until every watcher goroutine has exited. Call after
// cancelling the context passed to Start.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
