// deps.go defines minimal interfaces for external collaborators.
// This allows for easy mocking in tests and decouples the library from
// specific RPC, signer, and delivery implementations.
package txwatch

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainProvider is the minimal read surface of an RPC node used for watching.
// It is shaped after go-ethereum's ethclient method set so a *ethclient.Client
// satisfies it directly.
type ChainProvider interface {
	// TransactionReceipt returns the receipt of a mined transaction.
	// Returns ethereum.NotFound (or a wrapping error) while the transaction
	// is not mined yet.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// TransactionByHash returns the transaction if the node knows it,
	// pending or mined. isPending distinguishes the two.
	TransactionByHash(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error)

	// NonceAt returns the next nonce of the account at the latest block,
	// i.e. the count of mined transactions from it.
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// ProviderFactory returns the ChainProvider for a chain. Public and private
// RPC submission paths may map to different providers.
type ProviderFactory func(chainID uint64) (ChainProvider, error)

// TransactionSigner is the external key-management service that builds, signs
// and broadcasts cancellation and replacement transactions. Signing itself is
// out of scope here; the coordinator only consumes the resulting hash.
type TransactionSigner interface {
	// SubmitCancel broadcasts a zero-value self-send reusing tx's nonce.
	SubmitCancel(ctx context.Context, tx *Transaction, cancelRequest TxRequest) (common.Hash, error)

	// SubmitReplace broadcasts newRequest reusing tx's nonce.
	SubmitReplace(ctx context.Context, tx *Transaction, newRequest TxRequest) (common.Hash, error)
}

// PurchaseStatus is the fiat provider's view of an on-ramp purchase.
type PurchaseStatus struct {
	ExternalSessionID string
	Status            TransactionStatus
	FiatCurrency      string
	FiatAmount        float64
	CryptoCurrencyID  string
	CryptoAmount      float64
}

// FiatOnRampClient polls the fiat provider's purchase-status HTTP API.
type FiatOnRampClient interface {
	// PurchaseStatus returns the current provider-side status for the
	// purchase session. forceFetch bypasses any provider-side cache.
	PurchaseStatus(ctx context.Context, externalSessionID string, forceFetch bool) (*PurchaseStatus, error)
}

// NotificationSeverity classifies user-visible notifications.
type NotificationSeverity string

const (
	SeverityInfo    NotificationSeverity = "info"
	SeverityWarning NotificationSeverity = "warning"
	SeverityError   NotificationSeverity = "error"
)

// Notification is a user-visible message keyed by the originating transaction.
type Notification struct {
	Severity      NotificationSeverity
	Address       common.Address
	TransactionID string
	Message       string
}

// Notifier delivers user-visible notifications. Implementations must not
// block; delivery is fire-and-forget from the watcher's point of view.
type Notifier interface {
	Notify(n Notification)
}

// Analytics receives telemetry events. Implementations must not block.
type Analytics interface {
	Track(event string, properties map[string]any)
}

// ActivitySink receives the downstream side-effect signals emitted on
// finalization: the per-account "has new activity" flag and a cache-refetch
// trigger keyed by transaction type.
type ActivitySink interface {
	MarkActivity(address common.Address)
	RefetchQueries(txType TransactionType)
}

// AppStateObserver exposes the app lifecycle boundary. Backgrounded returns a
// channel that is closed (or receives) when the app moves to the background.
type AppStateObserver interface {
	Backgrounded() <-chan struct{}
}
