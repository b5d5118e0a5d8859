package redis

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/tranvictor/txwatch"
)

// Key prefixes for transaction storage
const (
	txKeyPrefix      = "txwatch:tx:"       // tx data by chainID:id
	txAllSetKey      = "txwatch:tx:all"    // set of all chainID:id members
	txNonceKey       = "txwatch:tx:nonce:" // tx ids by from:chainID:nonce
	txAddedSortedSet = "txwatch:tx:added"  // sorted set of members by added time
)

// statusPriority orders statuses by how settled they are. The store never
// lets a write downgrade a transaction to a less settled status, which
// protects against stale watchers racing a finalization.
var statusPriority = map[txwatch.TransactionStatus]int{
	txwatch.StatusPending:    1,
	txwatch.StatusCancelling: 2,
	txwatch.StatusReplacing:  2,
	txwatch.StatusSuccess:    3,
	txwatch.StatusFailed:     3,
	txwatch.StatusCanceled:   3,
	txwatch.StatusUnknown:    3,
}

// TxStore provides Redis-based persistence for tracked transactions.
// It implements the txwatch.Persistence interface.
//
// Note: records do not expire automatically; the in-memory store deletes
// invalidated entries and callers are expected to prune finalized history
// on their own schedule.
type TxStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// TxStoreOption configures a TxStore.
type TxStoreOption func(*TxStore)

// WithTxStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithTxStoreKeyPrefix(prefix string) TxStoreOption {
	return func(s *TxStore) {
		s.keyPrefix = prefix
	}
}

// NewTxStore creates a new Redis-based transaction store.
func NewTxStore(client redis.UniversalClient, opts ...TxStoreOption) *TxStore {
	s := &TxStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *TxStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

func member(chainID uint64, id string) string {
	return strconv.FormatUint(chainID, 10) + ":" + id
}

func (s *TxStore) txKey(chainID uint64, id string) string {
	return s.key(txKeyPrefix, member(chainID, id))
}

func (s *TxStore) nonceIndexKey(from common.Address, chainID uint64, nonce uint64) string {
	return s.key(txNonceKey, from.Hex(), ":", strconv.FormatUint(chainID, 10), ":", strconv.FormatUint(nonce, 10))
}

// isMoreFinalStatus returns true if existingStatus is more settled than
// newStatus.
func isMoreFinalStatus(existingStatus, newStatus txwatch.TransactionStatus) bool {
	return statusPriority[existingStatus] > statusPriority[newStatus]
}

// Save persists a transaction to Redis.
// Uses WATCH/MULTI/EXEC for optimistic locking to prevent race conditions
// with concurrent Save and Delete calls.
func (s *TxStore) Save(ctx context.Context, tx *txwatch.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction cannot be nil")
	}

	txKey := s.txKey(tx.ChainID, tx.ID)
	mem := member(tx.ChainID, tx.ID)

	const maxRetries = 10
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		// Exponential backoff with jitter on retries
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			existingData, err := rtx.Get(ctx, txKey).Bytes()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get existing transaction: %w", err)
			}

			// Never downgrade a settled record with a stale write.
			if err != redis.Nil {
				existing, parseErr := deserializeTx(existingData)
				if parseErr == nil && isMoreFinalStatus(existing.Status, tx.Status) {
					return nil
				}
			}

			data, err := json.Marshal(tx)
			if err != nil {
				return fmt.Errorf("failed to serialize transaction: %w", err)
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, txKey, data, 0)
				pipe.SAdd(ctx, s.key(txAllSetKey), mem)
				if nonce, ok := tx.Nonce(); ok {
					pipe.SAdd(ctx, s.nonceIndexKey(tx.From, tx.ChainID, nonce), mem)
				}
				pipe.ZAdd(ctx, s.key(txAddedSortedSet), redis.Z{
					Score:  float64(tx.AddedTime.Unix()),
					Member: mem,
				})
				return nil
			})
			return err
		}, txKey)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to save transaction after %d retries: %w", maxRetries, lastErr)
}

// Get retrieves a transaction by chain id and id. Not found is not an error;
// it returns (nil, nil).
func (s *TxStore) Get(ctx context.Context, chainID uint64, id string) (*txwatch.Transaction, error) {
	data, err := s.client.Get(ctx, s.txKey(chainID, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return deserializeTx(data)
}

// GetByNonce retrieves all tracked transactions sharing an account nonce on
// a chain, i.e. an original plus its cancel/replace attempts.
func (s *TxStore) GetByNonce(ctx context.Context, from common.Address, chainID uint64, nonce uint64) ([]*txwatch.Transaction, error) {
	members, err := s.client.SMembers(ctx, s.nonceIndexKey(from, chainID, nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx ids by nonce: %w", err)
	}
	return s.getTransactionsByMembers(ctx, members)
}

// LoadAll returns every persisted transaction across all chains. It is used
// once at startup to rebuild the in-memory store.
func (s *TxStore) LoadAll(ctx context.Context) ([]*txwatch.Transaction, error) {
	members, err := s.client.SMembers(ctx, s.key(txAllSetKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx ids: %w", err)
	}
	return s.getTransactionsByMembers(ctx, members)
}

// Delete removes a transaction record and its index entries.
// Uses WATCH/MULTI/EXEC for atomic read-then-delete to prevent race
// conditions.
func (s *TxStore) Delete(ctx context.Context, chainID uint64, id string) error {
	txKey := s.txKey(chainID, id)
	mem := member(chainID, id)

	const maxRetries = 10
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		// Exponential backoff with jitter on retries
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			// Get tx within the watch to know which indexes to clean up
			data, err := rtx.Get(ctx, txKey).Bytes()
			if err == redis.Nil {
				return nil // Already deleted, nothing to do
			}
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			tx, err := deserializeTx(data)
			if err != nil {
				return fmt.Errorf("failed to deserialize transaction: %w", err)
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, txKey)
				pipe.SRem(ctx, s.key(txAllSetKey), mem)
				if nonce, ok := tx.Nonce(); ok {
					pipe.SRem(ctx, s.nonceIndexKey(tx.From, tx.ChainID, nonce), mem)
				}
				pipe.ZRem(ctx, s.key(txAddedSortedSet), mem)
				return nil
			})
			return err
		}, txKey)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to delete transaction after %d retries: %w", maxRetries, lastErr)
}

// DeleteOlderThan removes finalized transactions added before the given age.
// Non-final records are never deleted regardless of age: they are still being
// watched. Returns the number of records removed.
func (s *TxStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return s.deleteOlderThanBatched(ctx, age, 1000)
}

func (s *TxStore) deleteOlderThanBatched(ctx context.Context, age time.Duration, batchSize int64) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	totalDeleted := 0

	for {
		rangeBy := &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(cutoff, 10),
			Count: batchSize,
		}

		members, err := s.client.ZRangeByScore(ctx, s.key(txAddedSortedSet), rangeBy).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get old transactions: %w", err)
		}
		if len(members) == 0 {
			break
		}

		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = s.key(txKeyPrefix, m)
		}
		results, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to batch get transactions: %w", err)
		}

		pipe := s.client.TxPipeline()
		deleted := 0
		skipped := 0

		for i, result := range results {
			mem := members[i]

			if result == nil {
				// Record already gone, clean the index entries
				pipe.ZRem(ctx, s.key(txAddedSortedSet), mem)
				pipe.SRem(ctx, s.key(txAllSetKey), mem)
				deleted++
				continue
			}

			data, ok := result.(string)
			if !ok {
				skipped++
				continue
			}
			tx, err := deserializeTx([]byte(data))
			if err != nil {
				// Corrupted data, delete it along with its index entries
				pipe.Del(ctx, s.key(txKeyPrefix, mem))
				pipe.ZRem(ctx, s.key(txAddedSortedSet), mem)
				pipe.SRem(ctx, s.key(txAllSetKey), mem)
				deleted++
				continue
			}

			if !tx.Status.IsFinal() {
				skipped++
				continue
			}

			pipe.Del(ctx, s.key(txKeyPrefix, mem))
			pipe.SRem(ctx, s.key(txAllSetKey), mem)
			if nonce, ok := tx.Nonce(); ok {
				pipe.SRem(ctx, s.nonceIndexKey(tx.From, tx.ChainID, nonce), mem)
			}
			pipe.ZRem(ctx, s.key(txAddedSortedSet), mem)
			deleted++
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return totalDeleted, fmt.Errorf("failed to execute batch delete: %w", err)
		}
		totalDeleted += deleted

		if int64(len(members)) < batchSize {
			break
		}
		// Everything left in range is still pending, stop instead of looping
		if skipped == len(members) {
			break
		}
	}

	return totalDeleted, nil
}

func (s *TxStore) getTransactionsByMembers(ctx context.Context, members []string) ([]*txwatch.Transaction, error) {
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.key(txKeyPrefix, m)
	}

	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	txs := make([]*txwatch.Transaction, 0, len(results))
	var deserializeErrors []string

	for i, result := range results {
		if result == nil {
			// Deleted between SMembers and MGet, expected
			continue
		}

		data, ok := result.(string)
		if !ok {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("member %s: unexpected type %T", members[i], result))
			continue
		}

		tx, err := deserializeTx([]byte(data))
		if err != nil {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("member %s: %v", members[i], err))
			continue
		}
		txs = append(txs, tx)
	}

	// Return partial results with error if there were deserialization failures
	if len(deserializeErrors) > 0 {
		return txs, fmt.Errorf("failed to deserialize %d transactions: %s", len(deserializeErrors), strings.Join(deserializeErrors, "; "))
	}

	return txs, nil
}

func deserializeTx(data []byte) (*txwatch.Transaction, error) {
	tx := new(txwatch.Transaction)
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return tx, nil
}

// Verify TxStore implements txwatch.Persistence
var _ txwatch.Persistence = (*TxStore)(nil)
