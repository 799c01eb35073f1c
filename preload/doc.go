// Package preload warms the cache with requests the user is likely to make
// next. A bounded pool of workers drains the queue through the fetch
// orchestrator, so preloads share de-duplication and circuit state with
// foreground reads.
package preload
