package status_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
	"github.com/goliatone/go-swr-cache/pkg/testsupport"
	"github.com/goliatone/go-swr-cache/status"
)

func TestComposite_PartialFailure(t *testing.T) {
	h := testsupport.NewHarness(t)
	ctx := testsupport.Context(t)

	h.Seed(h.Key("/rest/v1/usage"), []any{"cached"}, 2*time.Minute, cache.SetOptions{TTL: time.Minute, MaxAge: time.Hour})

	h.Transport.For("/rest/v1/experiments").Reply(200, `[1]`)
	h.Transport.For("/rest/v1/usage").Reply(503, map[string]any{"error_code": "SERVICE_UNAVAILABLE"})
	h.Transport.For("/rest/v1/teams").Reply(200, `[3]`)

	var sections []status.Section
	for _, name := range []string{"experiments", "usage", "teams"} {
		handle, err := h.Orchestrator.Fetch(ctx, fetch.Request{Endpoint: "/rest/v1/" + name}, fetch.WithRetry(0))
		require.NoError(t, err)
		defer handle.Close()
		sections = append(sections, status.Section{Name: name, Handle: handle})
	}

	comp := status.NewComposite(sections...)
	defer comp.Close()

	for _, sec := range sections {
		_, err := sec.Handle.Await(ctx)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return !comp.State().Loading && comp.State().ErrorSummary != "" }, time.Second, time.Millisecond)

	state := comp.State()
	assert.Equal(t, failure.StatusDegraded, state.ServiceStatus)
	assert.True(t, state.HasPartialFailures)
	assert.False(t, state.HasAllErrors)
	assert.Equal(t, "1 of 3 sections failed", state.ErrorSummary)
	assert.Nil(t, state.ErrorDetails)
	assert.Equal(t, []any{"cached"}, state.Sections["usage"].Data)
	assert.Equal(t, []any{float64(3)}, state.Sections["teams"].Data)
}

func TestComposite_AllFailedAlike(t *testing.T) {
	h := testsupport.NewHarness(t)
	ctx := testsupport.Context(t)

	h.Transport.Reply(404, nil)
	h.Transport.Reply(404, nil)

	var sections []status.Section
	for _, name := range []string{"a", "b"} {
		handle, err := h.Orchestrator.Fetch(ctx, fetch.Request{Endpoint: "/rest/v1/" + name})
		require.NoError(t, err)
		defer handle.Close()
		_, err = handle.Await(ctx)
		require.NoError(t, err)
		sections = append(sections, status.Section{Name: name, Handle: handle})
	}

	comp := status.NewComposite(sections...)
	defer comp.Close()

	state := comp.State()
	assert.True(t, state.HasAllErrors)
	assert.False(t, state.HasPartialFailures)
	require.NotNil(t, state.ErrorDetails)
	assert.Equal(t, failure.CodeNotFound, state.ErrorDetails.Code)
	assert.Equal(t, state.ErrorDetails.Message, state.ErrorSummary)
	assert.Equal(t, failure.StatusUnavailable, state.ServiceStatus)
}

func TestComposite_CloseStopsUpdates(t *testing.T) {
	h := testsupport.NewHarness(t)
	ctx := testsupport.Context(t)

	h.Store.Set("k", "v1", cache.SetOptions{})
	handle, err := h.Orchestrator.Fetch(ctx, fetch.Request{Endpoint: "/rest/v1/a"}, fetch.WithCacheKey("k"))
	require.NoError(t, err)
	defer handle.Close()

	comp := status.NewComposite(status.Section{Name: "a", Handle: handle})
	calls := 0
	comp.Subscribe(func(status.CompositeState) { calls++ })

	require.NoError(t, handle.Mutate("v2", fetch.MutateOptions{}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "v2", comp.State().Sections["a"].Data)

	comp.Close()
	require.NoError(t, handle.Mutate("v3", fetch.MutateOptions{}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "v2", comp.State().Sections["a"].Data)
}
