package fetch

import (
	"context"
	"sync"

	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/failure"
)

type loadMode int

const (
	// loadCached serves fresh cache entries without a network call.
	loadCached loadMode = iota
	// loadNetwork always goes to the network, attaching to a running flight.
	loadNetwork
	// loadForce supersedes a running flight and resets the endpoint circuit.
	loadForce
)

type viewSub struct {
	id     int
	handle string
	fn     func(ViewState)
}

type hooks struct {
	id        string
	onSuccess func(any)
	onError   func(*failure.Record)
}

// view owns the state for one fingerprint. Every transition happens under mu;
// publications are queued on the store's dispatch queue while mu is held and
// delivered once it is released.
type view struct {
	o   *Orchestrator
	key  string
	req  Request
	treq TransportRequest

	mu        sync.Mutex
	opts      Options
	tags      []string
	state     ViewState
	published ViewState
	announced bool

	subs    []viewSub
	nextSub int
	handles []hooks
	pins    int
	closed  bool

	flight      *flight
	gen         uint64
	debounce    clock.Timer
	autoTimer   clock.Timer
	autoRetries int
	holds       int

	unsubscribe func()
}

func newView(o *Orchestrator, key string, req Request, opts Options, tags []string) *view {
	v := &view{
		o:    o,
		key:  key,
		req:  req,
		opts: opts,
		tags: tags,
	}
	v.state = ViewState{
		Key:           key,
		Phase:         PhaseIdle,
		ServiceStatus: failure.StatusHealthy,
	}
	v.published = v.state
	return v
}

// onEntry is the cache listener. It runs on the dispatch queue.
func (v *view) onEntry(string, *cache.Entry) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	revalidate := v.syncLocked()
	if v.holds == 0 {
		v.publishLocked()
	}
	v.mu.Unlock()
	v.o.store.Flush()

	if revalidate {
		v.load(loadNetwork)
	}
}

// syncLocked copies the cache entry into the state. It reports whether the
// view should revalidate because its entry was invalidated.
func (v *view) syncLocked() bool {
	entry, ok := v.o.store.Peek(v.key)
	if ok {
		now := v.o.clock.Now()
		v.state.Data = entry.Data
		v.state.IsOptimistic = entry.Optimistic
		v.state.IsStale = entry.ServerStale || entry.Phase(now) != cache.PhaseFresh
		return false
	}

	if v.state.IsOptimistic {
		// a rolled back optimistic insert leaves nothing behind
		v.state.Data = nil
		v.state.IsOptimistic = false
		v.state.IsStale = false
		return false
	}

	if v.state.Data != nil {
		v.state.IsStale = true
	}
	return v.holds == 0 && v.flight == nil && len(v.handles) > 0 && v.opts.Enabled
}

// publishLocked queues the current state for every subscriber unless it
// equals the last published state.
func (v *view) publishLocked() {
	if v.announced && v.state.equal(v.published) {
		return
	}
	v.announced = true
	state := v.state
	v.published = state
	if len(v.subs) == 0 {
		return
	}

	subs := make([]func(ViewState), len(v.subs))
	for i, sub := range v.subs {
		subs[i] = sub.fn
	}
	v.o.store.Enqueue(func() {
		for _, fn := range subs {
			fn(state)
		}
	})
}

func (v *view) successLocked(data any) {
	for _, h := range v.handles {
		if h.onSuccess != nil {
			fn := h.onSuccess
			v.o.store.Enqueue(func() { fn(data) })
		}
	}
}

func (v *view) errorLocked(rec *failure.Record) {
	for _, h := range v.handles {
		if h.onError != nil {
			fn := h.onError
			v.o.store.Enqueue(func() { fn(rec) })
		}
	}
	if !v.opts.Silent {
		msg := rec.Message
		v.o.store.Enqueue(func() { v.o.notifier.Error(msg) })
	}
}

// load runs the read algorithm for this view and returns the flight the
// caller may wait on, nil when the request settled synchronously.
func (v *view) load(mode loadMode) *flight {
	var (
		entry *cache.Entry
		phase cache.Phase
		found bool
	)
	if mode == loadCached {
		// Lookup may drain expiry notifications, so it runs before mu is taken.
		entry, phase, found = v.o.store.Lookup(v.key)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}

	if v.flight != nil {
		if mode != loadForce {
			fl := v.flight
			v.mu.Unlock()
			return fl
		}
		v.supersedeLocked()
	}
	v.stopAutoRetryLocked()

	if mode == loadForce {
		v.o.breaker.Reset(v.req.Endpoint)
		v.autoRetries = 0
	}

	retrying := v.state.ErrorDetails != nil

	if found {
		v.state.Data = entry.Data
		v.state.IsOptimistic = entry.Optimistic
		v.state.IsStale = entry.ServerStale || phase != cache.PhaseFresh

		if phase == cache.PhaseFresh {
			v.state.Loading = false
			v.state.IsValidating = false
			if !retrying {
				v.state.Phase = PhaseReady
			}
			v.publishLocked()
			v.mu.Unlock()
			v.o.store.Flush()
			return nil
		}

		if !v.opts.StaleWhileRevalidate {
			// stale entries are not served without SWR
			v.state.IsStale = false
			if v.published.Data == nil {
				v.state.Data = nil
			}
		}
	}

	if v.state.Data != nil {
		v.state.Loading = false
		v.state.IsValidating = true
		v.state.Phase = PhaseValidating
	} else {
		v.state.Loading = true
		v.state.IsValidating = false
		v.state.Phase = PhaseLoading
	}
	if retrying {
		v.state.Phase = PhaseRetrying
	}

	if !v.o.network.Online() {
		out := v.o.classifier.Classify(failure.Input{Offline: true, HasFallback: v.state.Data != nil})
		v.finalizeLocked(out.Record, false)
		v.mu.Unlock()
		v.o.store.Flush()
		return nil
	}

	if !v.o.breaker.Allow(v.req.Endpoint) {
		v.circuitOpenLocked()
		v.mu.Unlock()
		v.o.store.Flush()
		return nil
	}

	fl := v.startLocked()
	v.publishLocked()
	v.mu.Unlock()
	v.o.store.Flush()
	return fl
}

// circuitOpenLocked publishes last-good data marked stale with the service
// reported unavailable.
func (v *view) circuitOpenLocked() {
	rec := failure.NewRecord(failure.CodeServiceUnavailable)
	rec.Status = failure.StatusUnavailable
	v.o.logger.Debug("request short-circuited", "key", v.key, "endpoint", v.req.Endpoint)

	v.cancelDebounceLocked()
	v.state.Loading = false
	v.state.IsValidating = false
	v.state.IsStale = v.state.Data != nil
	v.state.Error = rec.Message
	v.state.ErrorDetails = rec
	v.state.RetryAfter = 0
	v.state.ServiceStatus = failure.StatusUnavailable
	v.state.Phase = PhaseError
	v.publishLocked()
	v.errorLocked(rec)
}

// finalizeLocked surfaces a final classification. Data is retained.
func (v *view) finalizeLocked(rec *failure.Record, fromFlight bool) {
	v.cancelDebounceLocked()
	hasData := v.state.Data != nil

	v.state.Loading = false
	v.state.IsValidating = false
	v.state.Error = rec.Message
	v.state.ErrorDetails = rec
	v.state.RetryAfter = rec.RetryAfter
	v.state.ServiceStatus = rec.ViewStatus(hasData)
	v.state.Phase = PhaseError
	v.publishLocked()
	v.errorLocked(rec)

	v.o.logger.Debug("request failed",
		"key", v.key,
		"endpoint", v.req.Endpoint,
		"code", string(rec.Code),
		"status", string(v.state.ServiceStatus),
	)

	if fromFlight {
		v.scheduleAutoRetryLocked(rec)
	}
}

// surfaceLocked shows a transient failure while retries continue.
func (v *view) surfaceLocked(rec *failure.Record, retries int) {
	v.state.Error = rec.Message
	v.state.ErrorDetails = rec
	v.state.RetryCount = retries
	v.state.RetryAfter = rec.RetryAfter
	v.state.ServiceStatus = rec.ViewStatus(v.state.Data != nil)
	v.state.Phase = PhaseRetrying
	v.publishLocked()
}

func (v *view) scheduleAutoRetryLocked(rec *failure.Record) {
	if !v.opts.AutoRetry || !rec.Retryable() || len(v.handles) == 0 {
		return
	}
	if v.autoRetries >= v.opts.MaxRetries {
		return
	}
	v.autoRetries++

	policy := v.opts.backoff()
	delay := policy.Delay(v.autoRetries)
	if rec.RetryAfter > 0 {
		delay = policy.Clamp(rec.RetryAfter)
	}
	v.o.logger.Debug("auto retry scheduled", "key", v.key, "attempt", v.autoRetries, "delay", delay)

	var t clock.Timer
	t = v.o.clock.AfterFunc(delay, func() {
		v.mu.Lock()
		current := v.autoTimer == t
		if current {
			v.autoTimer = nil
		}
		v.mu.Unlock()
		if current {
			v.load(loadNetwork)
		}
	})
	v.autoTimer = t
}

func (v *view) stopAutoRetryLocked() {
	if v.autoTimer != nil {
		v.autoTimer.Stop()
		v.autoTimer = nil
	}
}

func (v *view) cancelDebounceLocked() {
	if v.debounce != nil {
		v.debounce.Stop()
		v.debounce = nil
	}
}

// debounceLocked surfaces rec after the display delay unless the flight
// settles first.
func (v *view) debounceLocked(fl *flight, rec *failure.Record) {
	if v.debounce != nil {
		return
	}
	if v.opts.ErrorDisplayDelay <= 0 {
		v.surfaceLocked(rec, fl.retries)
		return
	}

	var t clock.Timer
	t = v.o.clock.AfterFunc(v.opts.ErrorDisplayDelay, func() {
		v.mu.Lock()
		if v.debounce != t || v.flight != fl {
			v.mu.Unlock()
			return
		}
		v.debounce = nil
		if fl.last != nil {
			v.surfaceLocked(fl.last, fl.retries)
		}
		v.mu.Unlock()
		v.o.store.Flush()
	})
	v.debounce = t
}

func (v *view) startLocked() *flight {
	v.gen++
	ctx, cancel := context.WithCancel(v.o.ctx)
	fl := &flight{
		id:      v.gen,
		ctx:     ctx,
		cancel:  cancel,
		started: v.o.clock.Now(),
		done:    make(chan struct{}),
	}
	v.flight = fl
	v.o.wg.Add(1)
	go v.run(fl, v.opts, v.tags)
	return fl
}

// supersedeLocked cancels the running flight; its results are dropped.
func (v *view) supersedeLocked() {
	if v.flight == nil {
		return
	}
	v.o.logger.Debug("request superseded", "key", v.key, "flight", v.flight.id)
	v.flight.cancel()
	v.flight = nil
	v.cancelDebounceLocked()
}

// attachLocked registers a handle and its listener.
func (v *view) attachLocked(id string, opts Options) {
	v.handles = append(v.handles, hooks{id: id, onSuccess: opts.OnSuccess, onError: opts.OnError})
	if opts.Listener != nil {
		v.subscribeLocked(id, opts.Listener)
	}
}

func (v *view) subscribeLocked(handle string, fn func(ViewState)) int {
	v.nextSub++
	v.subs = append(v.subs, viewSub{id: v.nextSub, handle: handle, fn: fn})
	if v.announced {
		state := v.published
		v.o.store.Enqueue(func() { fn(state) })
	}
	return v.nextSub
}

func (v *view) unsubscribeLocked(id int) {
	for i, sub := range v.subs {
		if sub.id == id {
			v.subs = append(v.subs[:i:i], v.subs[i+1:]...)
			return
		}
	}
}

// detachLocked removes a handle and reports whether the view is now unused.
func (v *view) detachLocked(id string) bool {
	for i, h := range v.handles {
		if h.id == id {
			v.handles = append(v.handles[:i:i], v.handles[i+1:]...)
			break
		}
	}
	kept := v.subs[:0:0]
	for _, sub := range v.subs {
		if sub.handle != id {
			kept = append(kept, sub)
		}
	}
	v.subs = kept
	return len(v.handles) == 0 && v.pins == 0
}

// shutdownLocked cancels all work. The caller removes the view from the
// orchestrator and drops the cache subscription after unlocking.
func (v *view) shutdownLocked() func() {
	v.closed = true
	if v.flight != nil {
		v.flight.cancel()
		v.flight = nil
	}
	v.cancelDebounceLocked()
	v.stopAutoRetryLocked()
	unsub := v.unsubscribe
	v.unsubscribe = nil
	return unsub
}

func (v *view) snapshot() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.published
}
