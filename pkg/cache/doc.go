// Package cache provides the lookup result cache with a Redis backend.
//
// Identifiers that were resolved recently are answered from Redis instead of
// spending a rate-limited remote call. Entries carry their own expiry and
// Redis drops them with the same TTL.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager that keeps answers for 24 hours
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//
//	// Check before calling the remote service
//	match, ok, err := manager.Lookup(ctx, "+79991234567")
//	if err == nil && !ok {
//		// Cache miss - ask the remote service, then
//		_ = manager.Store(ctx, "+79991234567", match)
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - lookup_cache_hits_total{layer="redis"} - Cache hits
//   - lookup_cache_misses_total - Cache misses
//   - lookup_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - lookup_cache_errors_total{operation} - Cache operation errors
package cache
