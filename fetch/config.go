package fetch

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds orchestrator-wide defaults. Per-request options override them.
type Config struct {
	// BaseURL is prefixed to relative endpoints.
	BaseURL string `env:"BASE_URL"`

	Retry      int           `env:"RETRY"`
	RetryDelay time.Duration `env:"RETRY_DELAY"`
	RetryCap   time.Duration `env:"RETRY_CAP"`
	// Jitter randomizes retry delays by ±Jitter.
	Jitter  float64       `env:"JITTER"`
	Timeout time.Duration `env:"TIMEOUT"`

	TTL                  time.Duration `env:"TTL"`
	MaxAge               time.Duration `env:"MAX_AGE"`
	StaleWhileRevalidate bool          `env:"STALE_WHILE_REVALIDATE"`

	ErrorDisplayDelay time.Duration `env:"ERROR_DISPLAY_DELAY"`
	AutoRetry         bool          `env:"AUTO_RETRY"`
	MaxRetries        int           `env:"MAX_RETRIES"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry:                3,
		RetryDelay:           time.Second,
		RetryCap:             30 * time.Second,
		Jitter:               0.25,
		Timeout:              30 * time.Second,
		TTL:                  5 * time.Minute,
		StaleWhileRevalidate: true,
		ErrorDisplayDelay:    500 * time.Millisecond,
		MaxRetries:           3,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Retry, validation.Min(0)),
		validation.Field(&c.RetryDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RetryCap, validation.Required, validation.Min(c.RetryDelay)),
		validation.Field(&c.Jitter, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxAge, validation.Min(time.Duration(0))),
		validation.Field(&c.ErrorDisplayDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxRetries, validation.Min(0)),
	)
}
