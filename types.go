package txwatch

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Constants for watching and polling
const (
	DefaultReceiptPollInterval    = 1 * time.Second
	DefaultReceiptPollMaxInterval = 12 * time.Second
	DefaultReceiptBackoffFactor   = 1.5
	DefaultMaxConsecutiveErrors   = 10
	DefaultPollerRestartCooldown  = 30 * time.Second

	DefaultOnRampPollInterval = 10 * time.Second

	// Buffer size for store event subscriptions. Subscribers that fall this
	// far behind start dropping events instead of blocking the store.
	DefaultEventBufferSize = 64
)

// TransactionStatus is the lifecycle status of a tracked transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCancelling TransactionStatus = "cancelling"
	StatusReplacing  TransactionStatus = "replacing"
	StatusSuccess    TransactionStatus = "confirmed"
	StatusFailed     TransactionStatus = "failed"
	StatusCanceled   TransactionStatus = "cancelled"
	StatusUnknown    TransactionStatus = "unknown"
)

// IsFinal reports whether the status is terminal. Terminal transactions are
// removed from the active watch set and never transition again.
func (s TransactionStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusUnknown:
		return true
	}
	return false
}

// TransactionType identifies what kind of operation a transaction performs.
// It drives side effects (notifications, analytics) only, never watcher logic,
// with one exception: Cancel attempts finalize as Canceled instead of Success.
type TransactionType string

const (
	TypeSwap         TransactionType = "swap"
	TypeBridge       TransactionType = "bridge"
	TypeApprove      TransactionType = "approve"
	TypeSend         TransactionType = "send"
	TypeReceive      TransactionType = "receive"
	TypeWrap         TransactionType = "wrap"
	TypeCancel       TransactionType = "cancel"
	TypeFiatPurchase TransactionType = "fiat-purchase"
)

// TypeInfo carries the domain-specific fields of a transaction. Only side
// effects read these; the watcher state machine is oblivious to them.
type TypeInfo struct {
	Type TransactionType `json:"type"`

	// Swap/Bridge fields
	InputCurrencyID    string  `json:"input_currency_id,omitempty"`
	OutputCurrencyID   string  `json:"output_currency_id,omitempty"`
	TransactedUSDValue float64 `json:"transacted_usd_value,omitempty"`

	// Send/Receive fields
	TokenAddress string `json:"token_address,omitempty"`
	Recipient    string `json:"recipient,omitempty"`

	// Dapp counterpart (external transactions)
	DappName string `json:"dapp_name,omitempty"`
	DappURL  string `json:"dapp_url,omitempty"`

	// FiatPurchase fields
	ExternalSessionID string `json:"external_session_id,omitempty"`
}

// TxRequest is the raw submission request snapshot. Nonce is the per-account
// ordering key used for invalidation detection; it is recorded at submission
// time from the submitting account and never recomputed.
type TxRequest struct {
	To       common.Address `json:"to"`
	Value    string         `json:"value,omitempty"` // decimal wei
	Data     []byte         `json:"data,omitempty"`
	Nonce    *uint64        `json:"nonce,omitempty"`
	GasLimit uint64         `json:"gas_limit,omitempty"`
	GasPrice string         `json:"gas_price,omitempty"`
}

// TransactionOptions holds submission metadata for an on-chain transaction.
type TransactionOptions struct {
	Request TxRequest `json:"request"`

	RPCSubmissionTimestampMs int64 `json:"rpc_submission_timestamp_ms,omitempty"`
	TimeoutTimestampMs       int64 `json:"timeout_timestamp_ms,omitempty"`

	SubmitViaPrivateRPC bool `json:"submit_via_private_rpc,omitempty"`

	// AppBackgroundedWhilePending is sticky: once set it is never cleared.
	AppBackgroundedWhilePending bool `json:"app_backgrounded_while_pending,omitempty"`

	// TimeoutLogged guards against emitting the timeout telemetry event more
	// than once when the watcher re-arms after an advisory timeout.
	TimeoutLogged bool `json:"timeout_logged,omitempty"`

	// CancelsTransactionID links a cancellation attempt entry to the
	// transaction it tries to cancel. ReplacesTransactionID is the analogous
	// link for replacement attempts.
	CancelsTransactionID  string `json:"cancels_transaction_id,omitempty"`
	ReplacesTransactionID string `json:"replaces_transaction_id,omitempty"`
}

// Receipt is the stored confirmation record for a mined transaction.
type Receipt struct {
	BlockHash         string `json:"block_hash"`
	BlockNumber       uint64 `json:"block_number"`
	TransactionIndex  uint   `json:"transaction_index"`
	ConfirmedTime     int64  `json:"confirmed_time"` // unix ms
	GasUsed           uint64 `json:"gas_used"`
	EffectiveGasPrice uint64 `json:"effective_gas_price"`
}

// ReceiptFromEthReceipt converts a provider receipt into the stored form.
func ReceiptFromEthReceipt(r *types.Receipt, confirmedTime time.Time) *Receipt {
	if r == nil {
		return nil
	}
	receipt := &Receipt{
		BlockHash:        r.BlockHash.Hex(),
		TransactionIndex: r.TransactionIndex,
		ConfirmedTime:    confirmedTime.UnixMilli(),
		GasUsed:          r.GasUsed,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		receipt.EffectiveGasPrice = r.EffectiveGasPrice.Uint64()
	}
	return receipt
}

// Transaction is the central tracked entity: one logical transaction from
// submission to a terminal outcome.
type Transaction struct {
	ID      string         `json:"id"`
	ChainID uint64         `json:"chain_id"`
	From    common.Address `json:"from"`

	// Hash is set once the transaction is broadcast. It is empty for
	// cancel/replace attempts that failed to submit.
	Hash common.Hash `json:"hash,omitempty"`

	Status   TransactionStatus  `json:"status"`
	TypeInfo TypeInfo           `json:"type_info"`
	Options  TransactionOptions `json:"options"`

	// SendConfirmed applies to bridge transactions only: the on-chain send
	// leg has confirmed even though the bridge has not completed yet. The
	// nonce is consumed at this point.
	SendConfirmed bool `json:"send_confirmed,omitempty"`

	// Receipt is populated at finalization only.
	Receipt *Receipt `json:"receipt,omitempty"`

	AddedTime time.Time `json:"added_time"`
}

// Nonce returns the request nonce, or false if the transaction was recorded
// without one (in which case invalidation detection is impossible).
func (tx *Transaction) Nonce() (uint64, bool) {
	if tx.Options.Request.Nonce == nil {
		return 0, false
	}
	return *tx.Options.Request.Nonce, true
}

// IsOnRamp reports whether the transaction is a fiat on-ramp purchase, which
// is watched by the simpler polling watcher instead of the signal race.
func (tx *Transaction) IsOnRamp() bool {
	return tx.TypeInfo.Type == TypeFiatPurchase
}

// clone returns a deep copy so store snapshots can be handed to watchers
// without sharing mutable state.
func (tx *Transaction) clone() *Transaction {
	cp := *tx
	if tx.Receipt != nil {
		r := *tx.Receipt
		cp.Receipt = &r
	}
	if tx.Options.Request.Nonce != nil {
		n := *tx.Options.Request.Nonce
		cp.Options.Request.Nonce = &n
	}
	if tx.Options.Request.Data != nil {
		cp.Options.Request.Data = append([]byte(nil), tx.Options.Request.Data...)
	}
	return &cp
}

// finalizedStatus maps a provider receipt status onto the terminal status for
// this transaction. A reverted receipt is always Failed. A successful receipt
// on a cancellation attempt means the cancel landed, so the logical outcome
// is Canceled; anything else that mined is Success, including a transaction
// that was in Cancelling because it got mined before its cancellation.
func finalizedStatus(tx *Transaction, receiptStatus uint64) TransactionStatus {
	if receiptStatus != types.ReceiptStatusSuccessful {
		return StatusFailed
	}
	if tx.TypeInfo.Type == TypeCancel {
		return StatusCanceled
	}
	return StatusSuccess
}
