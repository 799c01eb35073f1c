package cacheinfra

import (
	"time"

	"github.com/viccon/sturdyc"
)

// minShardSize keeps shards large enough that sturdyc's per-shard eviction
// does not trigger long before the table reaches its capacity.
const minShardSize = 64

// Config holds the configuration for the sturdyc-backed entry table.
type Config struct {
	// Capacity defines the maximum number of entries the table can hold.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of shards for concurrent access.
	// It is reduced automatically when Capacity is too small to fill them.
	NumShards int

	// Retention is the hard upper bound on how long sturdyc keeps an entry.
	// Freshness and max-age are evaluated by the cache store on top of it.
	Retention time.Duration

	// EvictionPercentage specifies what percentage of a shard to evict
	// when it reaches capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often sturdyc sweeps expired entries.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration

	// Clock drives sturdyc's expiry bookkeeping. Nil uses the real clock.
	Clock sturdyc.Clock
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		Retention:          24 * time.Hour,
		EvictionPercentage: 10,
	}
}

// ToSturdycOptions converts the Config to sturdyc.Option slice.
// Capacity, NumShards, Retention and EvictionPercentage are passed directly
// to sturdyc.New() and are not included in the options.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.Clock != nil {
		options = append(options, sturdyc.WithClock(c.Clock))
	}

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}

	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}

	if c.Retention <= 0 {
		return &ConfigError{Field: "Retention", Message: "must be greater than 0"}
	}

	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}

	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "EvictionInterval", Message: "must be non-negative"}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// Table is a keyed map of V backed by a sturdyc client. It carries no
// freshness semantics of its own beyond Retention.
type Table[V any] struct {
	client *sturdyc.Client[V]
	shards int
}

// NewTable validates cfg and creates the sturdyc client.
func NewTable[V any](cfg Config) (*Table[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shards := fitShards(cfg.Capacity, cfg.NumShards)
	client := sturdyc.New[V](
		cfg.Capacity,
		shards,
		cfg.Retention,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &Table[V]{client: client, shards: shards}, nil
}

// Get returns the value stored under key.
func (t *Table[V]) Get(key string) (V, bool) {
	return t.client.Get(key)
}

// Set writes value under key, replacing any previous value.
func (t *Table[V]) Set(key string, value V) {
	t.client.Set(key, value)
}

// Delete removes key.
func (t *Table[V]) Delete(key string) {
	t.client.Delete(key)
}

// Keys returns a snapshot of the stored keys.
func (t *Table[V]) Keys() []string {
	return t.client.ScanKeys()
}

// Len returns the number of stored entries.
func (t *Table[V]) Len() int {
	return t.client.Size()
}

// Shards returns the shard count actually used.
func (t *Table[V]) Shards() int {
	return t.shards
}

func fitShards(capacity, shards int) int {
	for shards > 1 && capacity/shards < minShardSize {
		shards /= 2
	}
	if shards < 1 {
		return 1
	}
	return shards
}
