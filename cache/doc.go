// Package cache provides the in-memory store behind the fetch layer, request
// fingerprints and key serialization.
//
// # Overview
//
// Store maps fingerprints to entries. Each entry carries a TTL and a max-age:
//
//   - fresh while now - insertedAt < ttl
//   - stale-servable while ttl <= now - insertedAt < maxAge
//   - expired afterwards; expired entries are never served
//
// Expiry is evaluated lazily on access and by Cleanup. No per-entry timers are
// scheduled. All time is read from the injected clock.Clock.
//
// # Basic Usage
//
//	store, err := cache.NewStore(cache.DefaultConfig(), cache.WithClock(clk))
//	key := cache.Fingerprint("GET", "/rest/v1/experiments", nil, userID)
//	store.Set(key, rows, cache.SetOptions{TTL: time.Minute, Tags: []string{"experiments"}})
//	rows, ok := store.Get(key)
//
// For read-through access with a typed result use GetOrFetch:
//
//	prefs, err := cache.GetOrFetch(ctx, store, key, func(ctx context.Context) (Prefs, error) {
//		return repo.Load(ctx, userID)
//	}, cache.SetOptions{Tags: []string{"prefs"}})
//
// # Invalidation
//
// InvalidateByTag and InvalidateByDependency remove every matching entry and
// only then notify subscribers, so listeners observe the old value or the
// absence, never a partially applied invalidation. LinkDependency adds edges
// between labels; invalidating a label also invalidates every label reachable
// from it. Cycles are allowed.
//
// # Subscribers
//
// Subscribers are kept per key, independent of the entry, and survive deletion
// and re-insertion. Notifications go through a single FIFO queue shared with
// Dispatch, run outside the store lock, and may call back into the store.
//
// # Capacity
//
// Config.MaxEntries bounds the entry count. On overflow expired entries are
// swept first, then the lowest priority entries are evicted, least recently
// accessed first. Zero disables the bound; entries then leave only through
// max-age, invalidation or Config.Retention.
//
// # Key Serialization
//
// The default KeySerializer is reflection based. Maps are emitted with sorted
// keys, structs by exported fields, raw JSON is normalized, and functions and
// channels serialize to their kind. Fingerprint hashes the serialized body
// with xxhash so large request bodies produce short keys.
package cache
