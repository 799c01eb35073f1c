package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
)

type backend struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (b *backend) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r)
	b.bodies = append(b.bodies, string(body))
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *backend) {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, b
}

func reply(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	err := Execute(ctx, args, &stdout, &stderr)
	return stdout.String(), err
}

func decodeAll(t *testing.T, out string) []map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(out))
	var docs []map[string]any
	for dec.More() {
		var doc map[string]any
		require.NoError(t, dec.Decode(&doc))
		docs = append(docs, doc)
	}
	return docs
}

func TestGet_SecondFetchIsServedFromCache(t *testing.T) {
	srv, b := newBackend(t, reply(200, `{"items":[1,2]}`))

	out, err := run(t, "get", "/rest/v1/items", "--base-url", srv.URL, "--repeat", "2", "--stats")
	require.NoError(t, err)

	docs := decodeAll(t, out)
	require.Len(t, docs, 3)
	for _, doc := range docs[:2] {
		assert.Equal(t, string(fetch.PhaseReady), doc["phase"])
		assert.Equal(t, string(failure.StatusHealthy), doc["service_status"])
		assert.Equal(t, map[string]any{"items": []any{1.0, 2.0}}, doc["data"])
	}
	assert.Equal(t, 1.0, docs[2]["entries"])
	assert.Equal(t, 1, b.count())
}

func TestGet_ReportsClassifiedFailure(t *testing.T) {
	srv, _ := newBackend(t, reply(404, `{"message":"no such row"}`))

	out, err := run(t, "get", "/rest/v1/items/9", "--base-url", srv.URL, "--retry", "0")
	require.NoError(t, err)

	docs := decodeAll(t, out)
	require.Len(t, docs, 1)
	assert.Equal(t, string(failure.CodeNotFound), docs[0]["code"])
	assert.Equal(t, string(fetch.PhaseError), docs[0]["phase"])
	assert.NotEmpty(t, docs[0]["error"])
}

func TestGet_SendsBearerToken(t *testing.T) {
	srv, b := newBackend(t, reply(200, `[]`))

	_, err := run(t, "get", "/rest/v1/teams", "--base-url", srv.URL, "--token", "abc")
	require.NoError(t, err)

	require.Equal(t, 1, b.count())
	assert.Equal(t, "Bearer abc", b.requests[0].Header.Get("Authorization"))
}

func TestGet_WriteSendsBody(t *testing.T) {
	srv, b := newBackend(t, reply(201, `{"id":"e1"}`))

	out, err := run(t, "get", "/rest/v1/experiments", "--base-url", srv.URL, "-X", "post", "-d", `{"name":"x"}`)
	require.NoError(t, err)

	require.Equal(t, 1, b.count())
	assert.Equal(t, http.MethodPost, b.requests[0].Method)
	assert.JSONEq(t, `{"name":"x"}`, b.bodies[0])

	docs := decodeAll(t, out)
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]any{"id": "e1"}, docs[0]["data"])
}

func TestGet_RejectsInvalidBody(t *testing.T) {
	_, err := run(t, "get", "/rest/v1/experiments", "-X", "POST", "-d", "{nope")
	assert.ErrorContains(t, err, "invalid --data")
}

func TestPreload_WarmsEveryEndpoint(t *testing.T) {
	srv, b := newBackend(t, reply(200, `{"ok":true}`))

	out, err := run(t, "preload", "/rest/v1/a", "/rest/v1/b", "--base-url", srv.URL)
	require.NoError(t, err)

	docs := decodeAll(t, out)
	require.Len(t, docs, 1)
	stats, ok := docs[0]["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, stats["Completed"])
	assert.Len(t, docs[0]["cached"], 2)
	assert.Equal(t, 2, b.count())
}

func TestConfig_MasksSecrets(t *testing.T) {
	t.Setenv("SWR_AUTH_API_KEY", "secret-key")

	out, err := run(t, "config", "--base-url", "https://api.example.com")
	require.NoError(t, err)

	assert.NotContains(t, out, "secret-key")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "https://api.example.com")
}
