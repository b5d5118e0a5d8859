package txwatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/txwatch/internal/metrics"
)

var (
	// ErrTxNotFound is returned when the requested transaction does not
	// exist in the store.
	ErrTxNotFound = fmt.Errorf("transaction not found")

	// ErrDuplicateTx is returned by Add when a transaction with the same
	// chain id and id already exists.
	ErrDuplicateTx = fmt.Errorf("transaction already exists")

	// ErrAlreadyFinal is returned when mutating or finalizing a transaction
	// that has already reached a final status.
	ErrAlreadyFinal = fmt.Errorf("transaction already finalized")
)

// EventKind classifies store events.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventUpdated   EventKind = "updated"
	EventFinalized EventKind = "finalized"
	EventDeleted   EventKind = "deleted"
)

// Event is a store change notification. Tx is a deep copy owned by the
// receiver.
type Event struct {
	Kind EventKind
	Tx   *Transaction
}

// Persistence is the optional write-through layer behind TransactionStore.
// Implementations must be safe for concurrent use. See persistence/redis for
// the Redis-backed implementation.
type Persistence interface {
	Save(ctx context.Context, tx *Transaction) error
	Delete(ctx context.Context, chainID uint64, id string) error
	LoadAll(ctx context.Context) ([]*Transaction, error)
}

type txKey struct {
	chainID uint64
	id      string
}

// TransactionStore holds the full set of tracked transactions and fans out
// change events to subscribers. All mutations go through the store so that
// watchers, the supervisor and external readers observe a single consistent
// sequence of states per transaction.
type TransactionStore struct {
	mu       sync.Mutex
	txs      map[txKey]*Transaction
	watching map[txKey]bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	persistence Persistence
	bufSize     int
}

// NewTransactionStore creates a store. persistence may be nil for a purely
// in-memory store.
func NewTransactionStore(persistence Persistence, eventBufferSize int) *TransactionStore {
	if eventBufferSize <= 0 {
		eventBufferSize = DefaultEventBufferSize
	}
	return &TransactionStore{
		txs:         map[txKey]*Transaction{},
		watching:    map[txKey]bool{},
		subs:        map[int]chan Event{},
		persistence: persistence,
		bufSize:     eventBufferSize,
	}
}

// Subscribe registers a buffered event stream. The returned cancel func must
// be called to release the subscription. Events are dropped for subscribers
// that fall behind; subscribers needing the authoritative state must re-read
// the store.
func (s *TransactionStore) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, s.bufSize)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *TransactionStore) publish(kind EventKind, tx *Transaction) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- Event{Kind: kind, Tx: tx.clone()}:
		default:
			metrics.StoreEventsDropped.Inc()
		}
	}
}

func (s *TransactionStore) persist(tx *Transaction) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.Save(context.Background(), tx); err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": tx.ChainID,
			"tx_id":    tx.ID,
			"error":    err,
		}).Warn("Failed to persist transaction. Ignore and continue")
	}
}

// Add registers a new transaction. The stored copy is decoupled from the
// caller's.
func (s *TransactionStore) Add(tx *Transaction) error {
	key := txKey{tx.ChainID, tx.ID}
	s.mu.Lock()
	if _, ok := s.txs[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: chain %d id %s", ErrDuplicateTx, tx.ChainID, tx.ID)
	}
	stored := tx.clone()
	s.txs[key] = stored
	s.mu.Unlock()

	metrics.TransactionsTracked.Inc()
	s.persist(stored)
	s.publish(EventAdded, stored)
	return nil
}

// Get returns a deep copy of the transaction, or ErrTxNotFound.
func (s *TransactionStore) Get(chainID uint64, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txKey{chainID, id}]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d id %s", ErrTxNotFound, chainID, id)
	}
	return tx.clone(), nil
}

// Update applies mutate to the stored transaction and publishes an Updated
// event. It refuses to touch finalized transactions. mutate runs under the
// store lock and must not call back into the store.
func (s *TransactionStore) Update(chainID uint64, id string, mutate func(*Transaction) error) (*Transaction, error) {
	s.mu.Lock()
	tx, ok := s.txs[txKey{chainID, id}]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chain %d id %s", ErrTxNotFound, chainID, id)
	}
	if tx.Status.IsFinal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chain %d id %s status %s", ErrAlreadyFinal, chainID, id, tx.Status)
	}
	if err := mutate(tx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	updated := tx.clone()
	s.mu.Unlock()

	s.persist(updated)
	s.publish(EventUpdated, updated)
	return updated, nil
}

// Finalize moves the transaction to a final status at most once, attaching
// the receipt if any. The second and later calls return ErrAlreadyFinal.
func (s *TransactionStore) Finalize(chainID uint64, id string, status TransactionStatus, receipt *Receipt) (*Transaction, error) {
	if !status.IsFinal() {
		return nil, fmt.Errorf("finalize with non-final status %s", status)
	}
	s.mu.Lock()
	tx, ok := s.txs[txKey{chainID, id}]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chain %d id %s", ErrTxNotFound, chainID, id)
	}
	if tx.Status.IsFinal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chain %d id %s status %s", ErrAlreadyFinal, chainID, id, tx.Status)
	}
	tx.Status = status
	if receipt != nil {
		r := *receipt
		tx.Receipt = &r
	}
	finalized := tx.clone()
	s.mu.Unlock()

	metrics.TransactionsFinalized.WithLabelValues(string(status)).Inc()
	s.persist(finalized)
	s.publish(EventFinalized, finalized)
	return finalized, nil
}

// Delete removes the transaction entirely, e.g. when its nonce was consumed
// by an unrelated transaction and the entry no longer corresponds to anything
// on chain.
func (s *TransactionStore) Delete(chainID uint64, id string) error {
	key := txKey{chainID, id}
	s.mu.Lock()
	tx, ok := s.txs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: chain %d id %s", ErrTxNotFound, chainID, id)
	}
	delete(s.txs, key)
	delete(s.watching, key)
	deleted := tx.clone()
	s.mu.Unlock()

	if s.persistence != nil {
		if err := s.persistence.Delete(context.Background(), chainID, id); err != nil {
			logger.WithFields(logger.Fields{
				"chain_id": chainID,
				"tx_id":    id,
				"error":    err,
			}).Warn("Failed to delete persisted transaction. Ignore and continue")
		}
	}
	s.publish(EventDeleted, deleted)
	return nil
}

// Pending returns deep copies of all transactions that have not reached a
// final status, across all chains.
func (s *TransactionStore) Pending() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if !tx.Status.IsFinal() {
			out = append(out, tx.clone())
		}
	}
	return out
}

// All returns deep copies of every tracked transaction.
func (s *TransactionStore) All() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx.clone())
	}
	return out
}

// tryAcquireWatch marks the transaction as actively watched. It returns false
// if another watcher already holds the marker, which callers use to avoid
// spawning duplicate watchers for the same entry.
func (s *TransactionStore) tryAcquireWatch(chainID uint64, id string) bool {
	key := txKey{chainID, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[key]; !ok {
		return false
	}
	if s.watching[key] {
		return false
	}
	s.watching[key] = true
	return true
}

func (s *TransactionStore) releaseWatch(chainID uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watching, txKey{chainID, id})
}

// Restore loads all persisted transactions into the in-memory map without
// emitting events. It is used once at startup before watchers resume.
func (s *TransactionStore) Restore(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	txs, err := s.persistence.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted transactions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		key := txKey{tx.ChainID, tx.ID}
		if _, ok := s.txs[key]; ok {
			continue
		}
		s.txs[key] = tx.clone()
	}
	return nil
}
