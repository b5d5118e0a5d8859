package txwatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/txwatch/internal/metrics"
)

// ErrReceiptPollExhausted is returned when the RPC node keeps erroring for
// too many consecutive polls. The watcher backs off for a cooldown and
// restarts polling from scratch.
var ErrReceiptPollExhausted = fmt.Errorf("receipt polling exhausted by consecutive rpc errors")

// ReceiptPoller polls an RPC node until a transaction's receipt appears.
type ReceiptPoller struct {
	provider ChainProvider
	chainID  uint64

	interval             time.Duration
	maxInterval          time.Duration
	backoffFactor        float64
	maxConsecutiveErrors int
}

// NewReceiptPoller creates a poller for one chain with the default backoff
// schedule. Use the With* options to override.
func NewReceiptPoller(provider ChainProvider, chainID uint64, opts ...PollerOption) *ReceiptPoller {
	p := &ReceiptPoller{
		provider:             provider,
		chainID:              chainID,
		interval:             DefaultReceiptPollInterval,
		maxInterval:          DefaultReceiptPollMaxInterval,
		backoffFactor:        DefaultReceiptBackoffFactor,
		maxConsecutiveErrors: DefaultMaxConsecutiveErrors,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollerOption configures a ReceiptPoller.
type PollerOption func(*ReceiptPoller)

// WithPollInterval sets the initial poll interval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *ReceiptPoller) { p.interval = d }
}

// WithMaxPollInterval caps the backed-off poll interval.
func WithMaxPollInterval(d time.Duration) PollerOption {
	return func(p *ReceiptPoller) { p.maxInterval = d }
}

// WithBackoffFactor sets the multiplier applied to the interval after each
// not-found poll.
func WithBackoffFactor(f float64) PollerOption {
	return func(p *ReceiptPoller) { p.backoffFactor = f }
}

// WithMaxConsecutiveErrors sets how many RPC errors in a row are tolerated
// before Wait gives up with ErrReceiptPollExhausted.
func WithMaxConsecutiveErrors(n int) PollerOption {
	return func(p *ReceiptPoller) { p.maxConsecutiveErrors = n }
}

// Wait blocks until the receipt for hash is available, the context is
// cancelled, or the node errors maxConsecutiveErrors times in a row.
// A successful poll that simply doesn't find the receipt yet resets the
// error counter and stretches the next interval by the backoff factor.
func (p *ReceiptPoller) Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	chainLabel := strconv.FormatUint(p.chainID, 10)
	interval := p.interval
	consecutiveErrors := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		metrics.ReceiptPolls.WithLabelValues(chainLabel).Inc()
		receipt, err := p.provider.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err == nil || errors.Is(err, ethereum.NotFound):
			// Not mined yet. Stretch the interval so long-pending txes
			// don't hammer the node.
			consecutiveErrors = 0
			interval = time.Duration(float64(interval) * p.backoffFactor)
			if interval > p.maxInterval {
				interval = p.maxInterval
			}
		default:
			metrics.ReceiptPollErrors.WithLabelValues(chainLabel).Inc()
			consecutiveErrors++
			logger.WithFields(logger.Fields{
				"chain_id":           p.chainID,
				"tx_hash":            hash.Hex(),
				"consecutive_errors": consecutiveErrors,
				"error":              err,
			}).Warn("Failed to poll receipt. Retrying")
			if consecutiveErrors >= p.maxConsecutiveErrors {
				return nil, fmt.Errorf("%w: %d consecutive errors polling %s, last: %s",
					ErrReceiptPollExhausted, consecutiveErrors, hash.Hex(), err)
			}
		}

		timer.Reset(interval)
	}
}
