package fetch

import (
	"context"
	"net/http"
	"time"
)

// Request identifies what to fetch. Method defaults to GET.
type Request struct {
	Method   string
	Endpoint string
	Body     any
	Header   http.Header
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// TransportRequest is what the orchestrator hands to a Transport.
type TransportRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a raw transport response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport performs one HTTP exchange. It must honour ctx cancellation.
type Transport interface {
	Do(ctx context.Context, req TransportRequest) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req TransportRequest) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req TransportRequest) (*Response, error) {
	return f(ctx, req)
}

// Authenticator supplies request credentials. auth.Gateway implements it.
type Authenticator interface {
	AuthHeaders(ctx context.Context) (http.Header, error)
	Refresh(ctx context.Context) error
	UserID(ctx context.Context) string
}

// PendingChange describes a write deferred while offline.
type PendingChange struct {
	Key      string
	Method   string
	Endpoint string
	Body     any
	QueuedAt time.Time
}

// Network reports connectivity and accepts writes made while offline.
type Network interface {
	Online() bool
	AddPendingChange(change PendingChange)
}

// Notifier is the optional toast sink.
type Notifier interface {
	Error(msg string)
	Warning(msg string)
	Info(msg string)
	Success(msg string)
	Loading(msg string)
}

type anonymous struct{}

func (anonymous) AuthHeaders(context.Context) (http.Header, error) { return http.Header{}, nil }
func (anonymous) Refresh(context.Context) error                    { return nil }
func (anonymous) UserID(context.Context) string                    { return "" }

type alwaysOnline struct{}

func (alwaysOnline) Online() bool                  { return true }
func (alwaysOnline) AddPendingChange(PendingChange) {}

type silentNotifier struct{}

func (silentNotifier) Error(string)   {}
func (silentNotifier) Warning(string) {}
func (silentNotifier) Info(string)    {}
func (silentNotifier) Success(string) {}
func (silentNotifier) Loading(string) {}
