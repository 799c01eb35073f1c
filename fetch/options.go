package fetch

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/failure"
)

// DecodeFunc turns a successful response body into view data.
type DecodeFunc func(body []byte) (any, error)

// Options are the per-request settings. Zero values are filled from Config.
type Options struct {
	Method  string
	Body    any
	Enabled bool

	Retry      int
	RetryDelay time.Duration
	RetryCap   time.Duration
	Jitter     float64
	Timeout    time.Duration

	CacheKey             string
	TTL                  time.Duration
	MaxAge               time.Duration
	StaleWhileRevalidate bool
	Tags                 []string
	Dependencies         []string
	Priority             cache.Priority

	OnSuccess         func(data any)
	OnError           func(rec *failure.Record)
	ErrorDisplayDelay time.Duration
	AutoRetry         bool
	MaxRetries        int

	Listener    func(ViewState)
	Decode      DecodeFunc
	Invalidates []string
	// Silent keeps failures away from the Notifier.
	Silent bool
}

// Option mutates Options.
type Option func(*Options)

func (c Config) options(opts []Option) Options {
	o := Options{
		Enabled:              true,
		Retry:                c.Retry,
		RetryDelay:           c.RetryDelay,
		RetryCap:             c.RetryCap,
		Jitter:               c.Jitter,
		Timeout:              c.Timeout,
		TTL:                  c.TTL,
		MaxAge:               c.MaxAge,
		StaleWhileRevalidate: c.StaleWhileRevalidate,
		ErrorDisplayDelay:    c.ErrorDisplayDelay,
		AutoRetry:            c.AutoRetry,
		MaxRetries:           c.MaxRetries,
		Decode:               DecodeJSON,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o Options) backoff() clock.Backoff {
	return clock.Backoff{Base: o.RetryDelay, Cap: o.RetryCap, Jitter: o.Jitter}
}

func (o Options) setOptions(tags []string) cache.SetOptions {
	return cache.SetOptions{
		TTL:          o.TTL,
		MaxAge:       o.MaxAge,
		Tags:         tags,
		Dependencies: o.Dependencies,
		Priority:     o.Priority,
	}
}

// WithMethod overrides the request method.
func WithMethod(method string) Option {
	return func(o *Options) { o.Method = method }
}

// WithBody overrides the request body.
func WithBody(body any) Option {
	return func(o *Options) { o.Body = body }
}

// WithEnabled set to false registers the view without fetching.
func WithEnabled(enabled bool) Option {
	return func(o *Options) { o.Enabled = enabled }
}

// WithRetry sets how many times a retryable failure is retried.
func WithRetry(n int) Option {
	return func(o *Options) { o.Retry = n }
}

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithRetryCap bounds the backoff delay.
func WithRetryCap(d time.Duration) Option {
	return func(o *Options) { o.RetryCap = d }
}

// WithJitter sets the backoff randomization factor.
func WithJitter(f float64) Option {
	return func(o *Options) { o.Jitter = f }
}

// WithTimeout bounds each transport attempt. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithCacheKey replaces the computed fingerprint.
func WithCacheKey(key string) Option {
	return func(o *Options) { o.CacheKey = key }
}

// WithTTL sets how long a response stays fresh.
func WithTTL(d time.Duration) Option {
	return func(o *Options) { o.TTL = d }
}

// WithMaxAge sets how long a response may be served at all.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) { o.MaxAge = d }
}

// WithStaleWhileRevalidate controls whether stale entries are served while
// a background refresh runs.
func WithStaleWhileRevalidate(enabled bool) Option {
	return func(o *Options) { o.StaleWhileRevalidate = enabled }
}

// WithTags adds invalidation tags to the cached response.
func WithTags(tags ...string) Option {
	return func(o *Options) { o.Tags = append(o.Tags, tags...) }
}

// WithDependencies adds dependency labels to the cached response.
func WithDependencies(deps ...string) Option {
	return func(o *Options) { o.Dependencies = append(o.Dependencies, deps...) }
}

// WithPriority sets the eviction priority.
func WithPriority(p cache.Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// OnSuccess runs after a successful response is cached.
func OnSuccess(fn func(data any)) Option {
	return func(o *Options) { o.OnSuccess = fn }
}

// OnError runs when a failure is surfaced.
func OnError(fn func(rec *failure.Record)) Option {
	return func(o *Options) { o.OnError = fn }
}

// WithErrorDisplayDelay sets how long transient errors are held back.
func WithErrorDisplayDelay(d time.Duration) Option {
	return func(o *Options) { o.ErrorDisplayDelay = d }
}

// WithAutoRetry re-runs the fetch up to max times after a retryable
// failure was surfaced.
func WithAutoRetry(enabled bool, max int) Option {
	return func(o *Options) {
		o.AutoRetry = enabled
		if max > 0 {
			o.MaxRetries = max
		}
	}
}

// WithListener subscribes fn to the view before the first state is published.
func WithListener(fn func(ViewState)) Option {
	return func(o *Options) { o.Listener = fn }
}

// WithDecoder replaces DecodeJSON.
func WithDecoder(fn DecodeFunc) Option {
	return func(o *Options) {
		if fn != nil {
			o.Decode = fn
		}
	}
}

// WithInvalidates lists labels invalidated after a successful Execute.
func WithInvalidates(labels ...string) Option {
	return func(o *Options) { o.Invalidates = append(o.Invalidates, labels...) }
}

// WithSilent keeps this request's failures away from the Notifier.
func WithSilent() Option {
	return func(o *Options) { o.Silent = true }
}

// DecodeJSON decodes JSON bodies into generic values and returns anything
// else as a string. An empty body decodes to nil.
func DecodeJSON(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return string(body), nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RefetchOptions controls Refetch.
type RefetchOptions struct {
	// Force supersedes an in-flight request and resets the endpoint's circuit.
	Force bool
}

// MutateOptions controls Mutate.
type MutateOptions struct {
	// Revalidate fetches from the network after the local write.
	Revalidate bool
}
