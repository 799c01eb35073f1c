package testsupport

import (
	"context"
	"net/http"
	"sync"

	"github.com/goliatone/go-swr-cache/fetch"
)

// StubAuth is a scripted fetch.Authenticator.
type StubAuth struct {
	mu        sync.Mutex
	token     string
	user      string
	headerErr error
	results   []error
	refreshes int
}

// NewStubAuth returns a StubAuth holding token.
func NewStubAuth(token string) *StubAuth {
	return &StubAuth{token: token}
}

// AuthHeaders returns a bearer header for the current token.
func (a *StubAuth) AuthHeaders(ctx context.Context) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.headerErr != nil {
		return nil, a.headerErr
	}
	h := http.Header{}
	if a.token != "" {
		h.Set("Authorization", "Bearer "+a.token)
	}
	return h, nil
}

// Refresh consumes the next scripted result. Without one it succeeds and
// rotates the token.
func (a *StubAuth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++

	var err error
	if len(a.results) > 0 {
		err = a.results[0]
		a.results = a.results[1:]
	}
	if err != nil {
		return err
	}
	a.token += "-refreshed"
	a.headerErr = nil
	return nil
}

// UserID returns the configured user.
func (a *StubAuth) UserID(context.Context) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

// ScriptRefresh queues refresh results; nil means success.
func (a *StubAuth) ScriptRefresh(results ...error) *StubAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, results...)
	return a
}

// FailHeaders makes AuthHeaders fail until the next successful refresh.
func (a *StubAuth) FailHeaders(err error) *StubAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.headerErr = err
	return a
}

// SetUser changes the identity used in fingerprints.
func (a *StubAuth) SetUser(user string) *StubAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = user
	return a
}

// Token returns the current token.
func (a *StubAuth) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Refreshes returns how many times Refresh ran.
func (a *StubAuth) Refreshes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

// StubNetwork is a togglable fetch.Network that records pending changes.
type StubNetwork struct {
	mu      sync.Mutex
	offline bool
	pending []fetch.PendingChange
}

// NewStubNetwork returns an online StubNetwork.
func NewStubNetwork() *StubNetwork {
	return &StubNetwork{}
}

// Online implements fetch.Network.
func (n *StubNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.offline
}

// SetOnline toggles connectivity.
func (n *StubNetwork) SetOnline(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = !online
}

// AddPendingChange implements fetch.Network.
func (n *StubNetwork) AddPendingChange(change fetch.PendingChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, change)
}

// Pending returns the recorded changes.
func (n *StubNetwork) Pending() []fetch.PendingChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]fetch.PendingChange(nil), n.pending...)
}

// Toast is one notification captured by RecordingNotifier.
type Toast struct {
	Kind    string
	Message string
}

// RecordingNotifier is a fetch.Notifier that records every toast.
type RecordingNotifier struct {
	mu     sync.Mutex
	toasts []Toast
}

func (n *RecordingNotifier) add(kind, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, Toast{Kind: kind, Message: msg})
}

func (n *RecordingNotifier) Error(msg string)   { n.add("error", msg) }
func (n *RecordingNotifier) Warning(msg string) { n.add("warning", msg) }
func (n *RecordingNotifier) Info(msg string)    { n.add("info", msg) }
func (n *RecordingNotifier) Success(msg string) { n.add("success", msg) }
func (n *RecordingNotifier) Loading(msg string) { n.add("loading", msg) }

// Toasts returns every toast in order.
func (n *RecordingNotifier) Toasts() []Toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Toast(nil), n.toasts...)
}

// Messages returns the messages of one kind.
func (n *RecordingNotifier) Messages(kind string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, t := range n.toasts {
		if t.Kind == kind {
			out = append(out, t.Message)
		}
	}
	return out
}

// Recorder collects published view states.
type Recorder struct {
	mu      sync.Mutex
	states  []fetch.ViewState
	changed chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Listen records s. Pass it to fetch.WithListener or Handle.Subscribe.
func (r *Recorder) Listen(s fetch.ViewState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	close(r.changed)
	r.changed = make(chan struct{})
}

// States returns every recorded state in publication order.
func (r *Recorder) States() []fetch.ViewState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fetch.ViewState(nil), r.states...)
}

// Len returns the number of recorded states.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Last returns the most recent state.
func (r *Recorder) Last() (fetch.ViewState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return fetch.ViewState{}, false
	}
	return r.states[len(r.states)-1], true
}

// WaitFor blocks until a recorded state satisfies pred and returns the first
// such state.
func (r *Recorder) WaitFor(ctx context.Context, pred func(fetch.ViewState) bool) (fetch.ViewState, error) {
	seen := 0
	for {
		r.mu.Lock()
		for ; seen < len(r.states); seen++ {
			if pred(r.states[seen]) {
				s := r.states[seen]
				r.mu.Unlock()
				return s, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fetch.ViewState{}, ctx.Err()
		}
	}
}
