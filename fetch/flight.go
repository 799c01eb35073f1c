package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-swr-cache/breaker"
	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/failure"
)

// flight is the in-flight record for one fingerprint. At most one exists per
// view; a superseded flight keeps running until its transport call returns
// but its results are dropped.
type flight struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	// guarded by the owning view's mu
	attempt int
	retries int
	last    *failure.Record

	// refused is set when the circuit turned a retry away; the flight then
	// holds no half-open slot to release.
	refused bool

	// written by run before done is closed
	err error
}

// Err returns the final failure once done is closed, nil on success.
func (f *flight) Err() error {
	return f.err
}

func (v *view) run(fl *flight, opts Options, tags []string) {
	o := v.o
	defer o.wg.Done()
	defer close(fl.done)
	defer fl.cancel()

	seq := opts.backoff().Sequence()
	refreshed := false

	for {
		v.mu.Lock()
		fl.attempt++
		attempt := fl.attempt
		hasData := v.state.Data != nil
		v.mu.Unlock()

		resp, err := o.exchange(fl.ctx, v.treq, opts.Timeout)

		var out failure.Outcome
		switch {
		case isAuthError(err):
			out = authOutcome(err, refreshed)
		case errors.Is(err, ErrBodyTooLarge):
			out = oversizedOutcome(err)
		case err != nil:
			out = o.classifier.Classify(failure.Input{Err: err, RefreshAttempted: refreshed, HasFallback: hasData})
		default:
			out = o.classifier.Classify(failure.Input{
				Status:           resp.Status,
				Header:           resp.Header,
				Body:             resp.Body,
				RefreshAttempted: refreshed,
				HasFallback:      hasData,
			})
		}

		if out.Suppressed || fl.ctx.Err() != nil {
			o.breaker.Abandon(v.req.Endpoint)
			o.logger.Debug("request cancelled", "key", v.key, "attempt", attempt)
			fl.err = context.Canceled
			v.settle(fl)
			return
		}

		if !out.Failed() {
			v.succeed(fl, opts, tags, resp, out)
			return
		}

		rec := out.Record
		switch out.Verdict.Retry {
		case failure.RetryImmediate:
			refreshed = true
			if rerr := o.auth.Refresh(fl.ctx); rerr != nil {
				if fl.ctx.Err() != nil {
					continue
				}
				o.logger.Info("auth refresh failed", "key", v.key, "error", rerr)
				rec = authRecord(rerr)
				o.settleCircuit(v.req.Endpoint, rec)
				v.fail(fl, rec)
				return
			}
			o.logger.Debug("replaying after auth refresh", "key", v.key)
			continue

		case failure.RetryBackoff:
			if !v.backoff(fl, opts, seq, rec) {
				if !fl.refused {
					o.settleCircuit(v.req.Endpoint, rec)
				}
				v.fail(fl, rec)
				return
			}
			continue

		default:
			o.settleCircuit(v.req.Endpoint, rec)
			v.fail(fl, rec)
			return
		}
	}
}

// backoff waits before the next attempt. It reports false when retries are
// exhausted, the flight was dropped, or the circuit has opened.
func (v *view) backoff(fl *flight, opts Options, seq *clock.Sequence, rec *failure.Record) bool {
	o := v.o

	v.mu.Lock()
	if v.flight != fl || fl.retries >= opts.Retry {
		v.mu.Unlock()
		return false
	}
	fl.retries++
	fl.last = rec

	delay := seq.Next()
	if rec.RetryAfter > 0 {
		delay = opts.backoff().Clamp(rec.RetryAfter)
	}

	v.state.RetryCount = fl.retries
	if rec.Code != failure.CodeRateLimited {
		v.debounceLocked(fl, rec)
	}
	v.mu.Unlock()
	o.store.Flush()

	o.logger.Debug("retry scheduled",
		"key", v.key,
		"code", string(rec.Code),
		"retry", fl.retries,
		"delay", delay,
	)

	if err := clock.Sleep(fl.ctx, o.clock, delay); err != nil {
		return true // the next attempt observes the cancellation
	}
	// The flight already holds its admission; only a circuit opened by other
	// requests meanwhile turns the retry away.
	if o.breaker.State(v.req.Endpoint) == breaker.Open {
		o.logger.Debug("retry refused by circuit", "key", v.key)
		fl.refused = true
		return false
	}
	return true
}

func (v *view) succeed(fl *flight, opts Options, tags []string, resp *Response, out failure.Outcome) {
	o := v.o

	data, err := opts.Decode(resp.Body)
	if err != nil {
		o.breaker.Abandon(v.req.Endpoint)
		rec := failure.NewRecord(failure.CodeUnknown)
		rec.HTTPStatus = resp.Status
		rec.Detail = err.Error()
		v.fail(fl, rec)
		return
	}
	o.breaker.RecordSuccess(v.req.Endpoint)

	v.mu.Lock()
	if v.flight != fl {
		v.mu.Unlock()
		fl.err = context.Canceled
		return
	}
	v.cancelDebounceLocked()
	v.autoRetries = 0
	v.state.Loading = false
	v.state.IsValidating = false
	v.state.Error = ""
	v.state.ErrorDetails = nil
	v.state.RetryCount = 0
	v.state.RetryAfter = 0
	v.state.ServiceStatus = out.Status()
	v.state.LastFetch = o.clock.Now()
	v.state.Phase = PhaseReady
	v.state.SectionErrors = out.SectionErrors
	v.holds++
	v.mu.Unlock()

	set := opts.setOptions(tags)
	set.Degraded = out.Partial
	set.ServerStale = out.Stale
	o.store.Set(v.key, data, set)

	v.mu.Lock()
	v.holds--
	if v.flight == fl {
		v.flight = nil
	}
	v.syncLocked()
	v.publishLocked()
	v.successLocked(data)
	v.mu.Unlock()
	o.store.Flush()

	o.logger.Debug("request succeeded",
		"key", v.key,
		"attempts", fl.attempt,
		"elapsed", o.clock.Since(fl.started),
	)
}

func (v *view) fail(fl *flight, rec *failure.Record) {
	fl.err = rec.Err()

	v.mu.Lock()
	if v.flight != fl {
		v.mu.Unlock()
		return
	}
	v.flight = nil
	v.state.RetryCount = fl.retries
	v.finalizeLocked(rec, true)
	v.mu.Unlock()
	v.o.store.Flush()
}

// settleCircuit releases endpoint's circuit once a request has failed for
// good. Service faults count against it. Any other answer from the backend
// shows it is reachable. A local failure frees the half-open slot and leaves
// the counters alone.
func (o *Orchestrator) settleCircuit(endpoint string, rec *failure.Record) {
	switch {
	case rec.ServiceFault():
		o.breaker.RecordFailure(endpoint)
	case rec.HTTPStatus > 0:
		o.breaker.RecordSuccess(endpoint)
	default:
		o.breaker.Abandon(endpoint)
	}
}

// settle clears a cancelled flight without publishing anything.
func (v *view) settle(fl *flight) {
	v.mu.Lock()
	if v.flight == fl {
		v.flight = nil
		v.cancelDebounceLocked()
	}
	v.mu.Unlock()
}

type authError struct {
	err error
}

func (e *authError) Error() string { return "fetch: auth headers: " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

func isAuthError(err error) bool {
	var ae *authError
	return errors.As(err, &ae)
}

// authOutcome treats a credential failure like a 401 so the refresh path runs.
func authOutcome(err error, refreshed bool) failure.Outcome {
	if errors.Is(err, context.Canceled) {
		return failure.Outcome{Record: failure.NewRecord(failure.CodeCancelled), Suppressed: true}
	}
	rec := authRecord(err)
	mode := failure.RetryImmediate
	if refreshed {
		mode = failure.RetryNone
	}
	return failure.Outcome{Record: rec, Verdict: failure.Verdict{Retry: mode}}
}

// oversizedOutcome fails a response that was too large to read. Asking again
// returns the same body, so it is not retried.
func oversizedOutcome(err error) failure.Outcome {
	rec := failure.NewRecord(failure.CodeUnknown)
	rec.CanRetry = false
	rec.Detail = err.Error()
	return failure.Outcome{Record: rec, Verdict: failure.Verdict{Retry: failure.RetryNone}}
}

func authRecord(err error) *failure.Record {
	rec := failure.NewRecord(failure.CodeAuthFailed)
	rec.Status = failure.StatusAuthRequired
	if err != nil {
		rec.Detail = err.Error()
	}
	return rec
}
