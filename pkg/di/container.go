package di

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/goliatone/go-swr-cache/auth"
	"github.com/goliatone/go-swr-cache/breaker"
	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
	"github.com/goliatone/go-swr-cache/optimistic"
	"github.com/goliatone/go-swr-cache/prefs"
	"github.com/goliatone/go-swr-cache/preload"
)

// Option customizes the components a Container builds.
type Option func(*options)

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	provider  auth.Provider
	auth      fetch.Authenticator
	transport fetch.Transport
	network   fetch.Network
	notifier  fetch.Notifier
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuthProvider wraps p in an auth.Gateway. Without a provider requests
// are anonymous.
func WithAuthProvider(p auth.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithAuthenticator uses a ready credential source instead of a Gateway.
func WithAuthenticator(a fetch.Authenticator) Option {
	return func(o *options) {
		o.auth = a
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t fetch.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithNetwork sets the connectivity source.
func WithNetwork(n fetch.Network) Option {
	return func(o *options) {
		o.network = n
	}
}

// WithNotifier sets the toast sink.
func WithNotifier(n fetch.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// Container builds and owns every component from one Config. Components
// are created once and shared.
type Container struct {
	config        Config
	clock         clock.Clock
	logger        *slog.Logger
	keySerializer cache.KeySerializer

	store        *cache.Store
	breaker      *breaker.Table
	gateway      *auth.Gateway
	orchestrator *fetch.Orchestrator
	optimistic   *optimistic.Controller
	preloader    *preload.Queue
	prefs        *prefs.Store

	stopCleanup func()
}

// NewContainer validates config and wires the components. The preference
// store is opened only when config.Prefs has a DSN.
func NewContainer(ctx context.Context, config Config, opts ...Option) (*Container, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := options{
		clock:  clock.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = fetch.NewHTTPTransport()
	}

	c := &Container{
		config:        config,
		clock:         o.clock,
		logger:        o.logger,
		keySerializer: cache.NewDefaultKeySerializer(),
		stopCleanup:   func() {},
	}

	store, err := cache.NewStore(config.Cache,
		cache.WithClock(o.clock),
		cache.WithLogger(o.logger.With("component", "cache")),
	)
	if err != nil {
		return nil, err
	}
	c.store = store

	c.breaker, err = breaker.New(config.Breaker,
		breaker.WithClock(o.clock),
		breaker.WithLogger(o.logger.With("component", "breaker")),
	)
	if err != nil {
		return nil, err
	}

	fetchOpts := []fetch.OrchestratorOption{
		fetch.WithBreaker(c.breaker),
		fetch.WithClassifier(failure.NewClassifier(
			failure.WithClock(o.clock),
			failure.WithLogger(o.logger.With("component", "failure")),
		)),
		fetch.WithNetwork(o.network),
		fetch.WithNotifier(o.notifier),
		fetch.WithLogger(o.logger.With("component", "fetch")),
		fetch.WithKeySerializer(c.keySerializer),
	}
	switch {
	case o.auth != nil:
		fetchOpts = append(fetchOpts, fetch.WithAuth(o.auth))
	case o.provider != nil:
		c.gateway, err = auth.NewGateway(o.provider, config.Auth,
			auth.WithClock(o.clock),
			auth.WithLogger(o.logger.With("component", "auth")),
		)
		if err != nil {
			return nil, err
		}
		fetchOpts = append(fetchOpts, fetch.WithAuth(c.gateway))
	}

	c.orchestrator, err = fetch.New(config.Fetch, store, o.transport, fetchOpts...)
	if err != nil {
		return nil, err
	}

	c.optimistic = optimistic.New(c.orchestrator,
		optimistic.WithLogger(o.logger.With("component", "optimistic")),
	)

	c.preloader, err = preload.New(c.orchestrator, config.Preload,
		preload.WithLogger(o.logger.With("component", "preload")),
	)
	if err != nil {
		_ = c.orchestrator.Close()
		return nil, err
	}

	if config.Prefs.Enabled() {
		c.prefs, err = prefs.Open(ctx, config.Prefs, store,
			prefs.WithLogger(o.logger.With("component", "prefs")),
		)
		if err != nil {
			_ = c.orchestrator.Close()
			return nil, err
		}
	}

	if config.Cache.CleanupInterval > 0 {
		c.stopCleanup = store.StartCleanup(config.Cache.CleanupInterval)
	}
	return c, nil
}

// NewContainerWithDefaults creates a Container from DefaultConfig.
func NewContainerWithDefaults(ctx context.Context, opts ...Option) (*Container, error) {
	return NewContainer(ctx, DefaultConfig(), opts...)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() Config {
	return c.config
}

// Clock returns the shared clock.
func (c *Container) Clock() clock.Clock {
	return c.clock
}

// KeySerializer returns the serializer used for request fingerprints.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Store returns the cache store.
func (c *Container) Store() *cache.Store {
	return c.store
}

// Breaker returns the circuit table.
func (c *Container) Breaker() *breaker.Table {
	return c.breaker
}

// Gateway returns the auth gateway, or nil when built without a provider.
func (c *Container) Gateway() *auth.Gateway {
	return c.gateway
}

// Orchestrator returns the fetch orchestrator.
func (c *Container) Orchestrator() *fetch.Orchestrator {
	return c.orchestrator
}

// Optimistic returns the optimistic update controller.
func (c *Container) Optimistic() *optimistic.Controller {
	return c.optimistic
}

// Preloader returns the background preload queue. Callers run it with
// Preloader().Run(ctx).
func (c *Container) Preloader() *preload.Queue {
	return c.preloader
}

// Prefs returns the preference store, or nil when not configured.
func (c *Container) Prefs() *prefs.Store {
	return c.prefs
}

// Close stops background work and releases every component.
func (c *Container) Close() error {
	c.stopCleanup()
	c.preloader.Close()

	var errs []error
	if err := c.orchestrator.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.prefs != nil {
		if err := c.prefs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
