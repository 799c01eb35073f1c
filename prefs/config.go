package prefs

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Supported database drivers.
const (
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the preference database.
type Config struct {
	// Driver is one of sqlite3 (cgo), sqlite (pure Go) or postgres.
	Driver string `env:"DRIVER"`
	DSN    string `env:"DSN"`
	// TTL is how long a read stays fresh in the cache.
	TTL time.Duration `env:"TTL"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// DSN is left empty; preferences are disabled until one is provided.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		TTL:    10 * time.Minute,
	}
}

// Enabled reports whether a DSN was configured.
func (c Config) Enabled() bool {
	return c.DSN != ""
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverSQLite3, DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
	)
}
