package txwatch

import (
	"context"
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tranvictor/txwatch/internal/metrics"
)

var (
	// ErrNonceUnknown is returned when a cancel or replace is requested for
	// a transaction whose nonce was never recorded, so no competing
	// transaction can be built for it.
	ErrNonceUnknown = fmt.Errorf("transaction nonce unknown")

	// ErrNotCancellable is returned when the transaction is in a state that
	// cannot be cancelled or replaced anymore.
	ErrNotCancellable = fmt.Errorf("transaction not cancellable")
)

// Coordinator turns user cancel/replace intents into competing on-chain
// transactions. Each attempt becomes its own store entry sharing the
// original's nonce, linked back via CancelsTransactionID or
// ReplacesTransactionID, so the nonce race between the two is arbitrated by
// whichever receipt lands first.
type Coordinator struct {
	store  *TransactionStore
	signer TransactionSigner
}

func NewCoordinator(store *TransactionStore, signer TransactionSigner) *Coordinator {
	return &Coordinator{store: store, signer: signer}
}

// AttemptCancel broadcasts a zero-value self-send on the original's nonce and
// registers it as a new tracked transaction. The original is moved to
// Cancelling so its watcher knows a competitor is in flight. The returned
// transaction is the cancellation attempt.
func (c *Coordinator) AttemptCancel(ctx context.Context, chainID uint64, id string) (*Transaction, error) {
	tx, err := c.store.Get(chainID, id)
	if err != nil {
		return nil, err
	}
	nonce, ok := tx.Nonce()
	if !ok {
		return nil, fmt.Errorf("%w: chain %d id %s", ErrNonceUnknown, chainID, id)
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: chain %d id %s status %s", ErrNotCancellable, chainID, id, tx.Status)
	}

	cancelRequest := TxRequest{
		To:    tx.From,
		Value: "0",
		Nonce: &nonce,
	}
	hash, err := c.signer.SubmitCancel(ctx, tx, cancelRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast cancellation for %s: %w", id, err)
	}
	metrics.CancelReplaceSubmissions.WithLabelValues("cancel").Inc()

	if _, err := c.store.Update(chainID, id, func(orig *Transaction) error {
		orig.Status = StatusCancelling
		return nil
	}); err != nil {
		// The cancellation is on chain regardless; keep tracking it.
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"tx_id":    id,
			"error":    err,
		}).Warn("Failed to mark original transaction as cancelling")
	}

	attempt := c.newAttempt(tx, hash, cancelRequest)
	attempt.Status = StatusCancelling
	attempt.TypeInfo = TypeInfo{Type: TypeCancel}
	attempt.Options.CancelsTransactionID = id
	if err := c.store.Add(attempt); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"chain_id":   chainID,
		"tx_id":      id,
		"attempt_id": attempt.ID,
		"nonce":      nonce,
		"hash":       hash.Hex(),
	}).Info("Broadcasted cancellation attempt")
	return attempt, nil
}

// AttemptReplace broadcasts newRequest on the original's nonce and registers
// it as a new tracked transaction carrying the original's type info. The
// original is moved to Replacing.
func (c *Coordinator) AttemptReplace(ctx context.Context, chainID uint64, id string, newRequest TxRequest) (*Transaction, error) {
	tx, err := c.store.Get(chainID, id)
	if err != nil {
		return nil, err
	}
	nonce, ok := tx.Nonce()
	if !ok {
		return nil, fmt.Errorf("%w: chain %d id %s", ErrNonceUnknown, chainID, id)
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: chain %d id %s status %s", ErrNotCancellable, chainID, id, tx.Status)
	}

	newRequest.Nonce = &nonce
	hash, err := c.signer.SubmitReplace(ctx, tx, newRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast replacement for %s: %w", id, err)
	}
	metrics.CancelReplaceSubmissions.WithLabelValues("replace").Inc()

	if _, err := c.store.Update(chainID, id, func(orig *Transaction) error {
		orig.Status = StatusReplacing
		return nil
	}); err != nil {
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"tx_id":    id,
			"error":    err,
		}).Warn("Failed to mark original transaction as replacing")
	}

	attempt := c.newAttempt(tx, hash, newRequest)
	attempt.TypeInfo = tx.TypeInfo
	attempt.Options.ReplacesTransactionID = id
	if err := c.store.Add(attempt); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"chain_id":   chainID,
		"tx_id":      id,
		"attempt_id": attempt.ID,
		"nonce":      nonce,
		"hash":       hash.Hex(),
	}).Info("Broadcasted replacement attempt")
	return attempt, nil
}

func (c *Coordinator) newAttempt(orig *Transaction, hash common.Hash, request TxRequest) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:      uuid.NewString(),
		ChainID: orig.ChainID,
		From:    orig.From,
		Hash:    hash,
		Status:  StatusPending,
		Options: TransactionOptions{
			Request:                  request,
			RPCSubmissionTimestampMs: now.UnixMilli(),
			SubmitViaPrivateRPC:      orig.Options.SubmitViaPrivateRPC,
		},
		AddedTime: now,
	}
}
