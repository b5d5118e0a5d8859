// Package redis provides the Redis-based implementation of the txwatch
// persistence interface.
//
// Persisting tracked transactions lets the supervisor resume watchers after a
// process restart instead of losing in-flight lifecycles.
//
// # Basic Usage
//
//	import (
//	    "github.com/redis/go-redis/v9"
//	    "github.com/tranvictor/txwatch"
//	    redisstore "github.com/tranvictor/txwatch/persistence/redis"
//	)
//
//	client := redis.NewClient(&redis.Options{
//	    Addr: "localhost:6379",
//	})
//
//	store := txwatch.NewTransactionStore(redisstore.NewTxStore(client), 0)
//
// # Multi-Tenant Usage
//
// Use key prefixes to isolate data for different applications or environments:
//
//	prodStore := redisstore.NewTxStore(client, redisstore.WithTxStoreKeyPrefix("prod"))
//	testStore := redisstore.NewTxStore(client, redisstore.WithTxStoreKeyPrefix("test"))
//
// # Redis Key Structure
//
//   - txwatch:tx:{chainID}:{id} - Transaction data (JSON)
//   - txwatch:tx:all - Set of all chainID:id members
//   - txwatch:tx:nonce:{from}:{chainID}:{nonce} - Set of chainID:id members per nonce
//   - txwatch:tx:added - Sorted set of members scored by added time, used for cleanup
//
// # Thread Safety
//
// The store is thread-safe and can be used from multiple goroutines. Writes
// use optimistic locking so concurrent savers never downgrade a settled
// record.
//
// # Supported Redis Configurations
//
// The store works with standalone Redis, Redis Sentinel and Redis Cluster.
// Pass the appropriate redis.UniversalClient implementation to NewTxStore.
package redis
