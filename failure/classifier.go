package failure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/goliatone/go-swr-cache/clock"
)

// Input is one transport outcome to classify.
type Input struct {
	// Err is the transport error, if the call did not produce a response.
	Err    error
	Status int
	Header http.Header
	// Body is the raw response body. JSON envelopes are inspected; any other
	// payload is treated as an opaque string.
	Body []byte

	// Offline is set when the network status source reports no connectivity.
	Offline bool
	// RefreshAttempted is set once the request has already been replayed after
	// an auth refresh.
	RefreshAttempted bool
	// HasFallback is set when cached data can be shown instead.
	HasFallback bool
}

// Outcome is the classification result. Record is nil on success.
type Outcome struct {
	Record  *Record
	Verdict Verdict
	// Suppressed marks cancellations, which never reach subscribers.
	Suppressed bool

	// Success envelope flags.
	Partial           bool
	Stale             bool
	FallbackAvailable bool
	SectionErrors     map[string]string
}

// Failed reports whether the outcome carries a surfaced failure.
func (o Outcome) Failed() bool {
	return o.Record != nil && !o.Suppressed
}

// Status is the service status implied by the outcome.
func (o Outcome) Status() ServiceStatus {
	switch {
	case o.Record != nil:
		return o.Record.Status
	case o.Partial:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithClock sets the clock used to resolve HTTP-date Retry-After headers.
func WithClock(c clock.Clock) ClassifierOption {
	return func(cl *Classifier) {
		if c != nil {
			cl.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClassifierOption {
	return func(cl *Classifier) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithErrorIDs controls whether records without a server error_id get a
// generated one. Enabled by default.
func WithErrorIDs(enabled bool) ClassifierOption {
	return func(cl *Classifier) {
		cl.errorIDs = enabled
	}
}

// Classifier maps transport outcomes onto the taxonomy.
type Classifier struct {
	clock    clock.Clock
	logger   *slog.Logger
	errorIDs bool
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		clock:    clock.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		errorIDs: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify applies the rules in order and returns the first match.
func (c *Classifier) Classify(in Input) Outcome {
	if in.Err != nil && errors.Is(in.Err, context.Canceled) && !timedOut(in.Err) {
		return Outcome{
			Record:     NewRecord(CodeCancelled),
			Verdict:    Verdict{Retry: RetryNone},
			Suppressed: true,
		}
	}

	if in.Offline {
		return c.failed(in, envelope{}, NewRecord(CodeOffline), RetryNone)
	}

	if in.Err != nil {
		rec := NewRecord(CodeNetworkError)
		rec.Detail = in.Err.Error()
		return c.failed(in, envelope{}, rec, RetryBackoff)
	}

	env := parseEnvelope(in.Body)

	if in.Status >= 200 && in.Status < 300 {
		return Outcome{
			Verdict:           Verdict{Retry: RetryNone},
			Partial:           env.partial,
			Stale:             env.stale,
			FallbackAvailable: env.fallback,
			SectionErrors:     env.sections,
		}
	}

	status := in.Status
	switch {
	case status == http.StatusUnauthorized || env.code == CodeAuthFailed:
		mode := RetryImmediate
		if in.RefreshAttempted {
			mode = RetryNone
		}
		return c.failed(in, env, NewRecord(CodeAuthFailed), mode)

	case status == http.StatusBadRequest || env.code == CodeValidationError:
		return c.failed(in, env, NewRecord(CodeValidationError), RetryNone)

	case status == http.StatusForbidden:
		return c.failed(in, env, NewRecord(CodeForbidden), RetryNone)

	case status == http.StatusNotFound:
		return c.failed(in, env, NewRecord(CodeNotFound), RetryNone)

	case status == http.StatusConflict:
		return c.failed(in, env, NewRecord(CodeConflict), RetryNone)

	case status == http.StatusTooManyRequests:
		return c.failed(in, env, NewRecord(CodeRateLimited), RetryBackoff)

	case status == http.StatusServiceUnavailable || env.code == CodeServiceUnavailable || env.code == CodeDatabaseError:
		code := CodeServiceUnavailable
		if env.code == CodeDatabaseError {
			code = CodeDatabaseError
		}
		rec := NewRecord(code)
		if in.HasFallback || env.fallback {
			rec.Status = StatusDegraded
		}
		return c.failed(in, env, rec, RetryBackoff)

	case status >= 500:
		code := CodeUnknown
		if env.code != "" {
			code = env.code
		}
		rec := NewRecord(code)
		rec.CanRetry = true
		if rec.Status == StatusHealthy {
			rec.Status = StatusUnavailable
		}
		return c.failed(in, env, rec, RetryBackoff)

	default:
		rec := NewRecord(CodeUnknown)
		rec.CanRetry = false
		return c.failed(in, env, rec, RetryNone)
	}
}

func (c *Classifier) failed(in Input, env envelope, rec *Record, mode RetryMode) Outcome {
	rec.HTTPStatus = in.Status
	rec.WithMessage(env.message)
	if len(env.actions) > 0 {
		rec.SuggestedActions = env.actions
	}
	rec.ErrorID = env.errorID
	if rec.ErrorID == "" && c.errorIDs && rec.Code != CodeOffline {
		rec.ErrorID = uuid.NewString()
	}

	verdict := Verdict{Retry: mode}
	if mode == RetryBackoff {
		verdict.After = env.retryAfter
		if verdict.After <= 0 {
			verdict.After = c.retryAfterHeader(in.Header)
		}
		rec.RetryAfter = verdict.After
	}

	c.logger.Debug("request failure classified",
		"code", string(rec.Code),
		"status", in.Status,
		"retry", string(mode),
		"retry_after", verdict.After,
	)

	return Outcome{
		Record:            rec,
		Verdict:           verdict,
		FallbackAvailable: env.fallback,
	}
}

// retryAfterHeader accepts delay seconds or an HTTP date.
func (c *Classifier) retryAfterHeader(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(c.clock.Now()); d > 0 {
			return d
		}
	}
	return 0
}

func timedOut(err error) bool {
	return errors.Is(err, clock.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

type envelope struct {
	code       Code
	message    string
	retryAfter time.Duration
	actions    []Action
	errorID    string
	partial    bool
	stale      bool
	fallback   bool
	sections   map[string]string
}

func parseEnvelope(body []byte) envelope {
	var env envelope
	if len(body) == 0 {
		return env
	}

	if !gjson.ValidBytes(body) {
		env.message = strings.TrimSpace(string(body))
		return env
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return env
	}

	if code := root.Get("error_code"); code.Exists() {
		if parsed, ok := ParseCode(code.String()); ok {
			env.code = parsed
		}
	}

	if msg := root.Get("message"); msg.Type == gjson.String {
		env.message = msg.String()
	} else if errField := root.Get("error"); errField.Type == gjson.String {
		env.message = errField.String()
	}

	if ra := root.Get("retry_after"); ra.Exists() {
		if secs := ra.Float(); secs > 0 {
			env.retryAfter = time.Duration(secs * float64(time.Second))
		}
	}

	for _, a := range root.Get("actions").Array() {
		if s := strings.TrimSpace(a.String()); s != "" {
			env.actions = append(env.actions, Action(s))
		}
	}

	env.errorID = root.Get("error_id").String()
	env.partial = root.Get("partial_failure").Bool()
	env.stale = root.Get("stale").Bool()
	env.fallback = root.Get("fallback_available").Bool()

	if errs := root.Get("errors"); errs.IsObject() {
		env.sections = make(map[string]string)
		errs.ForEach(func(key, value gjson.Result) bool {
			env.sections[key.String()] = value.String()
			return true
		})
	}

	return env
}
