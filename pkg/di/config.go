package di

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/goliatone/go-swr-cache/auth"
	"github.com/goliatone/go-swr-cache/breaker"
	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/fetch"
	"github.com/goliatone/go-swr-cache/preload"
	"github.com/goliatone/go-swr-cache/prefs"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "SWR_"

// Config gathers the configuration of every component.
type Config struct {
	Cache   cache.Config   `envPrefix:"CACHE_"`
	Fetch   fetch.Config   `envPrefix:"FETCH_"`
	Breaker breaker.Config `envPrefix:"BREAKER_"`
	Auth    auth.Config    `envPrefix:"AUTH_"`
	Preload preload.Config `envPrefix:"PRELOAD_"`
	Prefs   prefs.Config   `envPrefix:"PREFS_"`
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() Config {
	return Config{
		Cache:   cache.DefaultConfig(),
		Fetch:   fetch.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Auth:    auth.DefaultConfig(),
		Preload: preload.DefaultConfig(),
		Prefs:   prefs.DefaultConfig(),
	}
}

// LoadConfig starts from DefaultConfig and overlays SWR_* environment
// variables, e.g. SWR_FETCH_BASE_URL or SWR_BREAKER_THRESHOLD.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("di: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates every section. Prefs is only checked when enabled.
func (c Config) Validate() error {
	checks := []section{
		{"cache", c.Cache.Validate},
		{"fetch", c.Fetch.Validate},
		{"breaker", c.Breaker.Validate},
		{"auth", c.Auth.Validate},
		{"preload", c.Preload.Validate},
	}
	if c.Prefs.Enabled() {
		checks = append(checks, section{"prefs", c.Prefs.Validate})
	}

	for _, check := range checks {
		if err := check.validate(); err != nil {
			return fmt.Errorf("di: invalid %s config: %w", check.name, err)
		}
	}
	return nil
}

type section struct {
	name     string
	validate func() error
}
