package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-swr-cache/breaker"
	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/fetch"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// HarnessConfig configures NewHarness.
type HarnessConfig struct {
	Cache   cache.Config
	Fetch   fetch.Config
	Breaker breaker.Config
}

// DefaultHarnessConfig disables attempt timeouts and jitter so timer counts
// and delays are exact.
func DefaultHarnessConfig() HarnessConfig {
	f := fetch.DefaultConfig()
	f.Timeout = 0
	f.Jitter = 0
	f.RetryDelay = 100 * time.Millisecond
	f.RetryCap = 2 * time.Second

	c := cache.DefaultConfig()

	return HarnessConfig{
		Cache:   c,
		Fetch:   f,
		Breaker: breaker.DefaultConfig(),
	}
}

// Harness wires an orchestrator to a fake clock and scripted collaborators.
type Harness struct {
	Clock        *clock.Fake
	Store        *cache.Store
	Breaker      *breaker.Table
	Transport    *ScriptedTransport
	Auth         *StubAuth
	Network      *StubNetwork
	Notifier     *RecordingNotifier
	Orchestrator *fetch.Orchestrator
}

// NewHarness builds a Harness. Adjust the defaults with configure.
func NewHarness(t testing.TB, configure ...func(*HarnessConfig)) *Harness {
	t.Helper()

	cfg := DefaultHarnessConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	fake := clock.NewFake(Epoch)
	store, err := cache.NewStore(cfg.Cache, cache.WithClock(fake))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	table, err := breaker.New(cfg.Breaker, breaker.WithClock(fake))
	if err != nil {
		t.Fatalf("failed to create breaker: %v", err)
	}

	h := &Harness{
		Clock:     fake,
		Store:     store,
		Breaker:   table,
		Transport: NewScriptedTransport(),
		Auth:      NewStubAuth("token"),
		Network:   NewStubNetwork(),
		Notifier:  &RecordingNotifier{},
	}

	orch, err := fetch.New(cfg.Fetch, store, h.Transport,
		fetch.WithAuth(h.Auth),
		fetch.WithBreaker(table),
		fetch.WithNetwork(h.Network),
		fetch.WithNotifier(h.Notifier),
	)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	h.Orchestrator = orch
	t.Cleanup(func() { _ = orch.Close() })

	return h
}

// Key returns the fingerprint of a GET to endpoint for the harness user.
func (h *Harness) Key(endpoint string, opts ...fetch.Option) string {
	return h.Orchestrator.Fingerprint(context.Background(), fetch.Request{Endpoint: endpoint}, opts...)
}

// Seed writes data under key as if it was fetched age ago.
func (h *Harness) Seed(key string, data any, age time.Duration, opts cache.SetOptions) {
	if age <= 0 {
		h.Store.Set(key, data, opts)
		return
	}
	now := h.Clock.Now()
	h.Clock.Set(now.Add(-age))
	h.Store.Set(key, data, opts)
	h.Clock.Set(now)
}

// Context returns a context bounded by a real-time deadline so a broken
// expectation fails instead of hanging.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
