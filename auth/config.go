package auth

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config controls the auth gateway.
type Config struct {
	// RefreshTimeout bounds a single provider refresh.
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT"`
	// RefreshSkew refreshes tokens this long before they expire.
	RefreshSkew time.Duration `env:"REFRESH_SKEW"`
	// APIKey is sent as the apikey header when set.
	APIKey string `env:"API_KEY"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RefreshTimeout: 10 * time.Second,
		RefreshSkew:    30 * time.Second,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RefreshTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RefreshSkew, validation.Min(time.Duration(0))),
	)
}
