package cache

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-swr-cache/internal/cacheinfra"
)

// unboundedTableCapacity sizes the entry table when MaxEntries is zero.
const unboundedTableCapacity = 1 << 20

// Config exposes cache store configuration options.
type Config struct {
	// DefaultTTL applies when SetOptions.TTL is zero.
	DefaultTTL time.Duration `env:"DEFAULT_TTL"`
	// DefaultMaxAge applies when SetOptions.MaxAge is zero. Zero means 2*TTL.
	DefaultMaxAge time.Duration `env:"DEFAULT_MAX_AGE"`
	// MaxEntries bounds the number of entries. Zero disables capacity
	// eviction; entries then leave only through max-age, invalidation, or
	// the table's Retention.
	MaxEntries int `env:"MAX_ENTRIES"`
	// CleanupInterval is used by StartCleanup.
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL"`

	NumShards          int           `env:"NUM_SHARDS"`
	Retention          time.Duration `env:"RETENTION"`
	EvictionPercentage int           `env:"EVICTION_PERCENTAGE"`
	EvictionInterval   time.Duration `env:"EVICTION_INTERVAL"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	infra := cacheinfra.DefaultConfig()
	return Config{
		DefaultTTL:         5 * time.Minute,
		MaxEntries:         infra.Capacity,
		CleanupInterval:    time.Minute,
		NumShards:          infra.NumShards,
		Retention:          infra.Retention,
		EvictionPercentage: infra.EvictionPercentage,
		EvictionInterval:   infra.EvictionInterval,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultTTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.DefaultMaxAge, validation.Min(time.Duration(0)), validation.By(c.maxAgeCoversTTL)),
		validation.Field(&c.MaxEntries, validation.Min(0)),
		validation.Field(&c.CleanupInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.Retention, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
}

func (c Config) maxAgeCoversTTL(value any) error {
	maxAge, _ := value.(time.Duration)
	if maxAge > 0 && maxAge < c.DefaultTTL {
		return errors.New("must not be shorter than DefaultTTL")
	}
	return nil
}

// lifetimes resolves TTL and max-age for a write, keeping ttl <= maxAge <= Retention.
func (c Config) lifetimes(opts SetOptions) (time.Duration, time.Duration) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		if opts.TTL > 0 || c.DefaultMaxAge <= 0 {
			maxAge = 2 * ttl
		} else {
			maxAge = c.DefaultMaxAge
		}
	}

	if c.Retention > 0 && maxAge > c.Retention {
		maxAge = c.Retention
	}
	if ttl > maxAge {
		ttl = maxAge
	}
	return ttl, maxAge
}

func (c Config) toInternal() cacheinfra.Config {
	capacity := unboundedTableCapacity
	if c.MaxEntries > 0 {
		capacity = max(2*c.MaxEntries, 1024)
	}

	return cacheinfra.Config{
		Capacity:           capacity,
		NumShards:          c.NumShards,
		Retention:          c.Retention,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}
