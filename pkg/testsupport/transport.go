package testsupport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/goliatone/go-swr-cache/fetch"
)

// ErrUnscripted is returned for calls with no scripted reply left.
var ErrUnscripted = errors.New("testsupport: no scripted reply")

// Gate holds a scripted reply until it is released.
type Gate struct {
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

// NewGate returns a gate that holds calls until Release.
func NewGate() *Gate {
	return &Gate{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// Entered is closed once a call reaches the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets the held call return.
func (g *Gate) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func (g *Gate) enter() {
	g.enterOnce.Do(func() { close(g.entered) })
}

type step struct {
	status int
	header http.Header
	body   []byte
	err    error
	gate   *Gate
}

// Script queues replies for one endpoint path.
type Script struct {
	t    *ScriptedTransport
	path string
}

// Reply queues a response. body may be a string, []byte or any value
// encoded as JSON.
func (s *Script) Reply(status int, body any) *Script {
	return s.ReplyWithHeader(status, nil, body)
}

// ReplyWithHeader queues a response with headers.
func (s *Script) ReplyWithHeader(status int, header http.Header, body any) *Script {
	s.t.push(s.path, step{status: status, header: header, body: encode(body)})
	return s
}

// Fail queues a transport error.
func (s *Script) Fail(err error) *Script {
	s.t.push(s.path, step{err: err})
	return s
}

// Hold queues a response that is delivered only after gate is released.
// A cancelled call returns the context error instead.
func (s *Script) Hold(gate *Gate, status int, body any) *Script {
	s.t.push(s.path, step{status: status, body: encode(body), gate: gate})
	return s
}

// ScriptedTransport replays queued replies and records every call. Replies
// scripted with For are matched by URL path; the rest are served in order to
// any call.
type ScriptedTransport struct {
	mu      sync.Mutex
	steps   map[string][]step
	calls   []fetch.TransportRequest
	changed chan struct{}
}

// NewScriptedTransport returns an empty ScriptedTransport.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		steps:   make(map[string][]step),
		changed: make(chan struct{}),
	}
}

// For returns the script for one endpoint path.
func (s *ScriptedTransport) For(path string) *Script {
	return &Script{t: s, path: path}
}

// Reply queues a response for any path.
func (s *ScriptedTransport) Reply(status int, body any) *Script {
	return s.For("").Reply(status, body)
}

// Fail queues a transport error for any path.
func (s *ScriptedTransport) Fail(err error) *Script {
	return s.For("").Fail(err)
}

// Hold queues a gated response for any path.
func (s *ScriptedTransport) Hold(gate *Gate, status int, body any) *Script {
	return s.For("").Hold(gate, status, body)
}

func (s *ScriptedTransport) push(path string, st step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[path] = append(s.steps[path], st)
}

// Do implements fetch.Transport.
func (s *ScriptedTransport) Do(ctx context.Context, req fetch.TransportRequest) (*fetch.Response, error) {
	path := pathOf(req.URL)

	s.mu.Lock()
	s.calls = append(s.calls, req)
	close(s.changed)
	s.changed = make(chan struct{})
	st, ok := s.popLocked(path)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w for %s %s", ErrUnscripted, req.Method, path)
	}

	if st.gate != nil {
		st.gate.enter()
		select {
		case <-st.gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if st.err != nil {
		return nil, st.err
	}
	header := st.header
	if header == nil {
		header = jsonHeader()
	}
	return &fetch.Response{Status: st.status, Header: header, Body: st.body}, nil
}

func (s *ScriptedTransport) popLocked(path string) (step, bool) {
	for _, key := range []string{path, ""} {
		queue := s.steps[key]
		if len(queue) == 0 {
			continue
		}
		s.steps[key] = queue[1:]
		return queue[0], true
	}
	return step{}, false
}

// Calls returns the number of calls made.
func (s *ScriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// CallsTo returns the number of calls made to path.
func (s *ScriptedTransport) CallsTo(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, call := range s.calls {
		if pathOf(call.URL) == path {
			n++
		}
	}
	return n
}

// Requests returns a copy of every recorded request.
func (s *ScriptedTransport) Requests() []fetch.TransportRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetch.TransportRequest(nil), s.calls...)
}

// Remaining returns how many scripted replies have not been used.
func (s *ScriptedTransport) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, queue := range s.steps {
		n += len(queue)
	}
	return n
}

// WaitForCalls blocks until at least n calls were made.
func (s *ScriptedTransport) WaitForCalls(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		if len(s.calls) >= n {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d transport calls: %w", n, ctx.Err())
		}
	}
}

func pathOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}

func encode(body any) []byte {
	switch typed := body.(type) {
	case nil:
		return nil
	case []byte:
		return typed
	case string:
		return []byte(typed)
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			panic(fmt.Sprintf("testsupport: encode body: %v", err))
		}
		return data
	}
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}
