package breaker

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config controls when circuits open and how long they stay open.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int `env:"THRESHOLD"`
	// BaseCooldown is the first open period.
	BaseCooldown time.Duration `env:"BASE_COOLDOWN"`
	// MaxCooldown caps the cooldown growth.
	MaxCooldown time.Duration `env:"MAX_COOLDOWN"`
	// Multiplier grows the cooldown after each failed probe.
	Multiplier float64 `env:"MULTIPLIER"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:    3,
		BaseCooldown: 5 * time.Second,
		MaxCooldown:  time.Minute,
		Multiplier:   2,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Threshold, validation.Required, validation.Min(1)),
		validation.Field(&c.BaseCooldown, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxCooldown, validation.Required, validation.Min(c.BaseCooldown)),
		validation.Field(&c.Multiplier, validation.Required, validation.Min(1.0)),
	)
}

func (c Config) next(current time.Duration) time.Duration {
	if current <= 0 {
		return c.BaseCooldown
	}
	next := time.Duration(float64(current) * c.Multiplier)
	if next > c.MaxCooldown {
		return c.MaxCooldown
	}
	return next
}
