package di

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/fetch"
	"github.com/goliatone/go-swr-cache/pkg/testsupport"
)

func fetchRequest(endpoint string) fetch.Request {
	return fetch.Request{Endpoint: endpoint}
}

type wired struct {
	container *Container
	transport *testsupport.ScriptedTransport
	notifier  *testsupport.RecordingNotifier
	network   *testsupport.StubNetwork
}

func newWired(t *testing.T) wired {
	t.Helper()

	config := DefaultConfig()
	config.Fetch.Jitter = 0
	config.Fetch.Timeout = 0

	w := wired{
		transport: testsupport.NewScriptedTransport(),
		notifier:  &testsupport.RecordingNotifier{},
		network:   testsupport.NewStubNetwork(),
	}
	w.container = newTestContainer(t, config,
		WithClock(clock.NewFake(testsupport.Epoch)),
		WithTransport(w.transport),
		WithAuthenticator(testsupport.NewStubAuth("token")),
		WithNotifier(w.notifier),
		WithNetwork(w.network),
	)
	return w
}

func TestIntegration_PreloadThenFetchFromCache(t *testing.T) {
	w := newWired(t)
	ctx := testsupport.Context(t)

	w.transport.For("/rest/v1/teams").Reply(200, `[{"id":"t1"}]`)

	preloader := w.container.Preloader()
	if err := preloader.Enqueue(fetchRequest("/rest/v1/teams")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	preloader.Close()
	if err := preloader.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	handle, err := w.container.Orchestrator().Fetch(ctx, fetchRequest("/rest/v1/teams"))
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	defer handle.Close()

	state, err := handle.Await(ctx)
	if err != nil {
		t.Fatalf("Await() failed: %v", err)
	}
	if state.Data == nil || state.IsStale {
		t.Errorf("expected fresh preloaded data, got %+v", state)
	}
	if calls := w.transport.Calls(); calls != 1 {
		t.Errorf("expected a single transport call, got %d", calls)
	}
}

func TestIntegration_OptimisticUpdateRollsBack(t *testing.T) {
	w := newWired(t)
	ctx := testsupport.Context(t)

	w.transport.For("/rest/v1/experiments").Reply(200, `["a"]`)
	handle, err := w.container.Orchestrator().Fetch(ctx, fetchRequest("/rest/v1/experiments"))
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	defer handle.Close()
	if _, err := handle.Await(ctx); err != nil {
		t.Fatalf("Await() failed: %v", err)
	}

	boom := errors.New("boom")
	_, err = w.container.Optimistic().Update(ctx, handle.Key(), []any{"a", "b"}, func(context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the commit error, got %v", err)
	}

	state := handle.State()
	if got, ok := state.Data.([]any); !ok || len(got) != 1 || got[0] != "a" {
		t.Errorf("expected the snapshot to be restored, got %#v", state.Data)
	}
	if state.Error == "" {
		t.Error("expected the rollback to surface an error")
	}
	if len(w.notifier.Messages("error")) != 1 {
		t.Errorf("expected one error toast, got %v", w.notifier.Toasts())
	}
}

func TestIntegration_OfflineFetch(t *testing.T) {
	w := newWired(t)
	ctx := testsupport.Context(t)
	w.network.SetOnline(false)

	handle, err := w.container.Orchestrator().Fetch(ctx, fetchRequest("/rest/v1/usage"))
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	defer handle.Close()

	state, err := handle.Await(ctx)
	if err != nil {
		t.Fatalf("Await() failed: %v", err)
	}
	if state.Error == "" {
		t.Error("expected an offline error")
	}
	if w.transport.Calls() != 0 {
		t.Errorf("expected no transport calls while offline, got %d", w.transport.Calls())
	}
}
