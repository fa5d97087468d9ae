// Package cache provides named cache partitions backed by Redis, the Go
// counterpart of the browser Cache Storage API.
//
// A partition stores at most one response per request identity (method plus
// URL). The URL is matched exactly, query string included; callers that want
// query-insensitive matching normalize the request first (see package
// identity). Last writer wins.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	storage := cache.NewStorage(redisClient)
//
//	partition, err := storage.Open(ctx, "flux-react-example")
//	if err != nil {
//		return err
//	}
//
//	resp, err := partition.Match(ctx, req)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from the network
//	}
//
//	// Store a network response; the body is restored for the caller.
//	if err := partition.Put(ctx, req, resp); err != nil {
//		return err
//	}
//
// # Expiry
//
// Entries never expire unless the storage was created with WithMaxAge, which
// mirrors Cache Storage semantics: staleness is the caller's concern.
//
// # Concurrent Writes
//
// Redis SET is atomic, so concurrent writers never corrupt an entry. Within
// one process writes to the same key are serialized through a striped lock
// that spans reading the stored entry and writing the new one. PutFetched
// refuses to replace an entry whose fetch started later, so a slow response
// never overwrites a fresher one. Put stamps the entry with the time of the
// call.
//
// # Metrics
//
//   - swcache_cache_hits_total{partition} - Cache hits
//   - swcache_cache_misses_total{partition} - Cache misses
//   - swcache_cache_puts_total{partition} - Stored responses
//   - swcache_cache_stale_writes_total{partition} - Writes refused for a newer fetch
//   - swcache_cache_errors_total{operation} - Cache operation errors
package cache
