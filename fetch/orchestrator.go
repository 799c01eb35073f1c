package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/goliatone/go-swr-cache/breaker"
	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/failure"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("fetch: orchestrator closed")
	// ErrUnknownKey is returned when no view exists for a fingerprint.
	ErrUnknownKey = errors.New("fetch: unknown key")
)

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAuth sets the credential source. Requests are anonymous without one.
func WithAuth(a Authenticator) OrchestratorOption {
	return func(o *Orchestrator) {
		if a != nil {
			o.auth = a
		}
	}
}

// WithBreaker shares a circuit table between orchestrators.
func WithBreaker(b *breaker.Table) OrchestratorOption {
	return func(o *Orchestrator) {
		if b != nil {
			o.breaker = b
		}
	}
}

// WithClassifier replaces the default failure classifier.
func WithClassifier(c *failure.Classifier) OrchestratorOption {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithNetwork sets the connectivity source. The default is always online.
func WithNetwork(n Network) OrchestratorOption {
	return func(o *Orchestrator) {
		if n != nil {
			o.network = n
		}
	}
}

// WithNotifier sets the toast sink.
func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithKeySerializer changes how request bodies are fingerprinted.
func WithKeySerializer(ks cache.KeySerializer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fingerprints = cache.NewFingerprinter(ks)
	}
}

// Orchestrator coordinates reads and writes for every fingerprint: at most
// one transport call per key, stale-while-revalidate, retries, auth refresh
// and circuit gating.
type Orchestrator struct {
	cfg          Config
	store        *cache.Store
	transport    Transport
	auth         Authenticator
	breaker      *breaker.Table
	classifier   *failure.Classifier
	network      Network
	notifier     Notifier
	logger       *slog.Logger
	clock        clock.Clock
	fingerprints cache.Fingerprinter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	views  map[string]*view
	closed bool
}

// New creates an Orchestrator reading through store. Timers use the store's
// clock.
func New(cfg Config, store *cache.Store, transport Transport, opts ...OrchestratorOption) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fetch: invalid config: %w", err)
	}
	if store == nil {
		return nil, errors.New("fetch: store is required")
	}
	if transport == nil {
		return nil, errors.New("fetch: transport is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:          cfg,
		store:        store,
		transport:    transport,
		auth:         anonymous{},
		network:      alwaysOnline{},
		notifier:     silentNotifier{},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:        store.Clock(),
		fingerprints: cache.NewFingerprinter(nil),
		ctx:          ctx,
		cancel:       cancel,
		views:        make(map[string]*view),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.breaker == nil {
		b, err := breaker.New(breaker.DefaultConfig(), breaker.WithClock(o.clock), breaker.WithLogger(o.logger))
		if err != nil {
			cancel()
			return nil, err
		}
		o.breaker = b
	}
	if o.classifier == nil {
		o.classifier = failure.NewClassifier(failure.WithClock(o.clock), failure.WithLogger(o.logger))
	}
	return o, nil
}

// Store returns the cache the orchestrator reads through.
func (o *Orchestrator) Store() *cache.Store {
	return o.store
}

// Breaker returns the circuit table.
func (o *Orchestrator) Breaker() *breaker.Table {
	return o.breaker
}

// Network returns the connectivity source.
func (o *Orchestrator) Network() Network {
	return o.network
}

// Notifier returns the toast sink.
func (o *Orchestrator) Notifier() Notifier {
	return o.notifier
}

// Fetch attaches to the view for req, creating it on first use, and starts
// the read algorithm unless WithEnabled(false) is given. Cancelling ctx
// closes the returned handle.
func (o *Orchestrator) Fetch(ctx context.Context, req Request, opts ...Option) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := o.cfg.options(opts)
	req = options.request(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	treq, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	key := o.keyFor(ctx, req, options)
	tags := o.tagsFor(ctx, req.Endpoint, options)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	v := o.viewLocked(key, req, treq, options, tags)
	h := &Handle{o: o, v: v, id: uuid.NewString(), done: make(chan struct{})}
	v.mu.Lock()
	if options.Enabled && !v.opts.Enabled {
		v.opts = options
		v.tags = tags
	}
	v.attachLocked(h.id, options)
	v.mu.Unlock()
	o.mu.Unlock()
	o.store.Flush()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Close()
			case <-h.done:
			}
		}()
	}

	if options.Enabled {
		v.load(loadCached)
	}
	return h, nil
}

// Refetch sends the view for key to the network. Without Force it attaches
// to a running request.
func (o *Orchestrator) Refetch(key string, opts RefetchOptions) error {
	v, err := o.view(key)
	if err != nil {
		return err
	}
	mode := loadNetwork
	if opts.Force {
		mode = loadForce
	}
	v.load(mode)
	return nil
}

// Mutate writes data under key and notifies subscribers. Views registered for
// key lend their cache options to the write.
func (o *Orchestrator) Mutate(key string, data any, opts MutateOptions) error {
	if o.isClosed() {
		return ErrClosed
	}

	var set cache.SetOptions
	v, _ := o.view(key)
	if v != nil {
		v.mu.Lock()
		set = v.opts.setOptions(v.tags)
		v.mu.Unlock()
	}
	o.store.Set(key, data, set)

	if opts.Revalidate && v != nil {
		v.load(loadNetwork)
	}
	return nil
}

// Preload fetches req without subscribers and blocks until the cache holds a
// response or the request fails.
func (o *Orchestrator) Preload(ctx context.Context, req Request, opts ...Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	options := o.cfg.options(opts)
	req = options.request(req)
	if err := req.Validate(); err != nil {
		return err
	}
	treq, err := o.prepare(req)
	if err != nil {
		return err
	}
	key := o.keyFor(ctx, req, options)
	tags := o.tagsFor(ctx, req.Endpoint, options)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	v := o.viewLocked(key, req, treq, options, tags)
	v.mu.Lock()
	v.pins++
	v.mu.Unlock()
	o.mu.Unlock()

	defer o.release(v, func(v *view) bool {
		v.pins--
		return len(v.handles) == 0 && v.pins == 0
	})

	fl := v.load(loadCached)
	if fl == nil {
		if entry, ok := o.store.Peek(key); ok && entry.Phase(o.clock.Now()) == cache.PhaseFresh {
			return nil
		}
		if rec := v.snapshot().ErrorDetails; rec != nil {
			return rec.Err()
		}
		return nil
	}

	select {
	case <-fl.done:
		return fl.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute performs an authoritative write. It refreshes credentials once on
// AUTH_FAILED and never retries with backoff. On success the labels given
// with WithInvalidates, or the endpoint's default tag, are invalidated both
// as tags and as dependencies. Offline writes are handed to the Network and
// fail with OFFLINE.
func (o *Orchestrator) Execute(ctx context.Context, req Request, opts ...Option) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.isClosed() {
		return nil, ErrClosed
	}
	options := o.cfg.options(opts)
	req = options.request(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	treq, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	if !o.network.Online() {
		o.network.AddPendingChange(PendingChange{
			Key:      o.keyFor(ctx, req, options),
			Method:   req.method(),
			Endpoint: req.Endpoint,
			Body:     req.Body,
			QueuedAt: o.clock.Now(),
		})
		out := o.classifier.Classify(failure.Input{Offline: true})
		o.logger.Info("write queued while offline", "endpoint", req.Endpoint, "method", req.method())
		return nil, out.Record.Err()
	}

	if !o.breaker.Allow(req.Endpoint) {
		rec := failure.NewRecord(failure.CodeServiceUnavailable)
		rec.Status = failure.StatusUnavailable
		return nil, fmt.Errorf("%w: %w", breaker.ErrOpen, rec.Err())
	}

	refreshed := false
	for {
		resp, err := o.exchange(ctx, treq, options.Timeout)

		var out failure.Outcome
		switch {
		case isAuthError(err):
			out = authOutcome(err, refreshed)
		case errors.Is(err, ErrBodyTooLarge):
			out = oversizedOutcome(err)
		case err != nil:
			out = o.classifier.Classify(failure.Input{Err: err, RefreshAttempted: refreshed})
		default:
			out = o.classifier.Classify(failure.Input{
				Status:           resp.Status,
				Header:           resp.Header,
				Body:             resp.Body,
				RefreshAttempted: refreshed,
			})
		}

		if out.Suppressed {
			o.breaker.Abandon(req.Endpoint)
			return nil, context.Canceled
		}

		if !out.Failed() {
			data, err := options.Decode(resp.Body)
			if err != nil {
				o.breaker.Abandon(req.Endpoint)
				return nil, fmt.Errorf("fetch: decode response: %w", err)
			}
			o.breaker.RecordSuccess(req.Endpoint)
			o.invalidateAfterWrite(req, options)
			return data, nil
		}

		rec := out.Record
		if out.Verdict.Retry == failure.RetryImmediate {
			refreshed = true
			if rerr := o.auth.Refresh(ctx); rerr != nil {
				rec = authRecord(rerr)
			} else {
				continue
			}
		}

		o.settleCircuit(req.Endpoint, rec)
		if !options.Silent {
			o.notifier.Error(rec.Message)
		}
		o.logger.Debug("write failed", "endpoint", req.Endpoint, "code", string(rec.Code))
		return nil, rec.Err()
	}
}

func (o *Orchestrator) invalidateAfterWrite(req Request, opts Options) {
	labels := dedupeStrings(opts.Invalidates)
	if len(labels) == 0 {
		if tag := DefaultTag(req.Endpoint); tag != "" {
			labels = []string{tag}
		}
	}

	removed := 0
	for _, label := range labels {
		removed += o.store.InvalidateByTag(label)
		removed += o.store.InvalidateByDependency(label)
	}
	if removed > 0 {
		o.logger.Debug("write invalidated entries", "endpoint", req.Endpoint, "labels", labels, "removed", removed)
	}
}

// Commit applies stage to the view for key, runs write, then publishes one
// state combining the staged fields with the cache contents. Notifications
// caused by write are folded into that single publication.
func (o *Orchestrator) Commit(key string, stage func(*ViewState), write func()) {
	v, _ := o.view(key)
	if v == nil {
		if write != nil {
			write()
		}
		return
	}

	v.mu.Lock()
	if stage != nil {
		stage(&v.state)
	}
	v.holds++
	v.mu.Unlock()

	if write != nil {
		write()
	}

	v.mu.Lock()
	v.holds--
	v.syncLocked()
	v.publishLocked()
	v.mu.Unlock()
	o.store.Flush()
}

// Fingerprint returns the key Fetch would use for req.
func (o *Orchestrator) Fingerprint(ctx context.Context, req Request, opts ...Option) string {
	if ctx == nil {
		ctx = context.Background()
	}
	options := o.cfg.options(opts)
	return o.keyFor(ctx, options.request(req), options)
}

// InFlight returns the number of views with a request in flight.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, v := range o.views {
		v.mu.Lock()
		if v.flight != nil {
			n++
		}
		v.mu.Unlock()
	}
	return n
}

// InFlightFor reports whether key has a request in flight.
func (o *Orchestrator) InFlightFor(key string) bool {
	v, err := o.view(key)
	if err != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flight != nil
}

// Views returns the fingerprints with live views in lexical order.
func (o *Orchestrator) Views() []string {
	o.mu.Lock()
	keys := make([]string, 0, len(o.views))
	for key := range o.views {
		keys = append(keys, key)
	}
	o.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Close cancels every request and detaches every view.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	views := make([]*view, 0, len(o.views))
	for _, v := range o.views {
		views = append(views, v)
	}
	o.views = make(map[string]*view)
	o.mu.Unlock()

	for _, v := range views {
		v.mu.Lock()
		unsub := v.shutdownLocked()
		v.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}

	o.cancel()
	o.wg.Wait()
	o.logger.Debug("orchestrator closed", "views", len(views))
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) view(key string) (*view, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	v, ok := o.views[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return v, nil
}

func (o *Orchestrator) viewLocked(key string, req Request, treq TransportRequest, opts Options, tags []string) *view {
	if v, ok := o.views[key]; ok {
		return v
	}
	v := newView(o, key, req, opts, tags)
	v.treq = treq
	v.unsubscribe = o.store.Subscribe(key, v.onEntry)
	o.views[key] = v
	return v
}

// release runs detach under the view's lock and tears the view down when it
// reports the view unused.
func (o *Orchestrator) release(v *view, detach func(*view) bool) {
	o.mu.Lock()
	v.mu.Lock()
	var unsub func()
	if detach(v) && !v.closed {
		unsub = v.shutdownLocked()
		if o.views[v.key] == v {
			delete(o.views, v.key)
		}
	}
	v.mu.Unlock()
	o.mu.Unlock()

	if unsub != nil {
		unsub()
		o.logger.Debug("view released", "key", v.key)
	}
}

func (o *Orchestrator) keyFor(ctx context.Context, req Request, opts Options) string {
	if opts.CacheKey != "" {
		return opts.CacheKey
	}
	return o.fingerprints.Fingerprint(req.method(), req.Endpoint, req.Body, o.auth.UserID(ctx))
}

func (o *Orchestrator) url(endpoint string) string {
	if o.cfg.BaseURL == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return strings.TrimRight(o.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// prepare builds the transport request template; credentials are added per
// attempt.
func (o *Orchestrator) prepare(req Request) (TransportRequest, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return TransportRequest{}, fmt.Errorf("fetch: encode body: %w", err)
	}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if len(body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	return TransportRequest{
		Method: req.method(),
		URL:    o.url(req.Endpoint),
		Header: header,
		Body:   body,
	}, nil
}

// exchange runs one transport attempt. A clock timeout is reported as
// clock.ErrTimeout so it classifies as a network error, not a cancellation.
func (o *Orchestrator) exchange(ctx context.Context, base TransportRequest, timeout time.Duration) (*Response, error) {
	creds, err := o.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, &authError{err: err}
	}

	req := base
	req.Header = base.Header.Clone()
	for name, values := range creds {
		req.Header[name] = append([]string(nil), values...)
	}

	attemptCtx, cancel := clock.WithTimeout(ctx, o.clock, timeout)
	defer cancel()

	resp, err := o.transport.Do(attemptCtx, req)
	if err != nil {
		if clock.TimedOut(attemptCtx) && ctx.Err() == nil {
			return nil, context.Cause(attemptCtx)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("fetch: transport returned no response")
	}
	return resp, nil
}

func encodeBody(body any) ([]byte, error) {
	switch typed := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	case json.RawMessage:
		return typed, nil
	default:
		return json.Marshal(typed)
	}
}

// Validate checks that the request names an endpoint and a known method.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Endpoint, validation.Required),
		validation.Field(&r.Method, validation.In(
			"", http.MethodGet, http.MethodHead, http.MethodPost,
			http.MethodPut, http.MethodPatch, http.MethodDelete,
		)),
	)
}

func (o Options) request(req Request) Request {
	if o.Method != "" {
		req.Method = o.Method
	}
	if o.Body != nil {
		req.Body = o.Body
	}
	req.Method = strings.ToUpper(req.Method)
	return req
}
