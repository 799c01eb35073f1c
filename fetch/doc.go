// Package fetch coordinates reads and writes against a backend through the
// cache.
//
// Each fingerprint (method, endpoint, body digest and user) owns one view. A
// view holds the state delivered to subscribers and at most one in-flight
// request. Callers obtain a Handle with Fetch; every handle of a fingerprint
// shares the view, so concurrent callers never cause duplicate transport
// calls.
//
// Reads follow stale-while-revalidate: fresh entries are served without a
// network call, stale ones are served immediately while a background request
// refreshes them. Failures are classified by the failure package. Retryable
// ones are retried with exponential backoff, an expired session is refreshed
// once and the request replayed, and repeated outages open the endpoint's
// circuit so later reads fall back to cached data.
//
// Transient errors are only shown after ErrorDisplayDelay, so a retry that
// heals quickly never flashes an error. Data is kept across every error
// transition.
//
//	orch, _ := fetch.New(fetch.DefaultConfig(), store, fetch.NewHTTPTransport())
//	h, _ := orch.Fetch(ctx, fetch.Request{Endpoint: "/rest/v1/experiments"},
//		fetch.WithListener(func(s fetch.ViewState) { render(s) }),
//	)
//	defer h.Close()
package fetch
