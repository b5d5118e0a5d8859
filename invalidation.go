package txwatch

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"

	"github.com/tranvictor/txwatch/internal/metrics"
)

// isFinalizedSibling reports whether other is a different transaction that
// finalized on the same chain and nonce as tx. Two entries sharing a nonce
// are mutually exclusive on chain, so a finalized sibling means tx can never
// be mined.
func isFinalizedSibling(other, tx *Transaction, nonce uint64) bool {
	if other.ID == tx.ID || other.ChainID != tx.ChainID {
		return false
	}
	if !other.Status.IsFinal() {
		return false
	}
	otherNonce, ok := other.Nonce()
	return ok && otherNonce == nonce
}

// isBridgeSendSibling reports whether other is a different same-nonce bridge
// transaction whose send leg already confirmed on chain. The nonce is spent
// the moment the send leg lands, long before the bridge itself completes, so
// tx can never be mined once this is true.
func isBridgeSendSibling(other, tx *Transaction, nonce uint64) bool {
	if other.ID == tx.ID || other.ChainID != tx.ChainID {
		return false
	}
	if other.TypeInfo.Type != TypeBridge || !other.SendConfirmed {
		return false
	}
	otherNonce, ok := other.Nonce()
	return ok && otherNonce == nonce
}

// CheckTransactionInvalidated decides, at a point in time, whether tx can no
// longer be mined because its nonce was consumed by something the store never
// saw (e.g. a transaction from another device).
//
// For publicly submitted transactions the node knowing nothing about the hash
// is already conclusive. Privately submitted transactions are invisible to
// public mempools, so the hash being unknown proves nothing; only the
// account's mined nonce having strictly passed tx's nonce does.
func CheckTransactionInvalidated(ctx context.Context, provider ChainProvider, tx *Transaction) (bool, error) {
	nonce, hasNonce := tx.Nonce()

	_, _, err := provider.TransactionByHash(ctx, tx.Hash)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return false, err
	}

	if !tx.Options.SubmitViaPrivateRPC {
		metrics.InvalidationsDetected.Inc()
		return true, nil
	}

	if !hasNonce {
		return false, nil
	}
	minedNonce, err := provider.NonceAt(ctx, tx.From, nil)
	if err != nil {
		return false, err
	}
	if minedNonce > nonce {
		metrics.InvalidationsDetected.Inc()
		return true, nil
	}
	return false, nil
}
