package failure

import (
	"context"
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-swr-cache/clock"
)

// GenericMessage replaces messages that are too long or too technical to show.
const GenericMessage = "Something went wrong. Please try again."

const maxMessageLength = 160

const recordMetadataKey = "failure_record"

// Record is the user-facing description of a classified failure.
type Record struct {
	Code       Code
	HTTPStatus int
	// Message is short and non-technical. The original text, when it had to be
	// collapsed, is kept in Detail.
	Message          string
	Detail           string
	Severity         Severity
	CanRetry         bool
	SuggestedActions []Action
	RetryAfter       time.Duration
	ErrorID          string
	Status           ServiceStatus
}

type profile struct {
	message  string
	severity Severity
	canRetry bool
	actions  []Action
	status   ServiceStatus
}

var profiles = map[Code]profile{
	CodeCancelled: {
		message:  "The request was cancelled.",
		severity: SeverityInfo,
		status:   StatusHealthy,
	},
	CodeOffline: {
		message:  "You are offline. Changes will sync when the connection returns.",
		severity: SeverityInfo,
		canRetry: true,
		actions:  []Action{ActionCheckConnection},
		status:   StatusOffline,
	},
	CodeNetworkError: {
		message:  "Unable to reach the server. Check your connection and try again.",
		severity: SeverityWarning,
		canRetry: true,
		actions:  []Action{ActionCheckConnection, ActionRetry},
		status:   StatusUnavailable,
	},
	CodeAuthFailed: {
		message:  "Your session has expired. Please sign in again.",
		severity: SeverityError,
		actions:  []Action{ActionRefreshToken, ActionLoginAgain},
		status:   StatusAuthRequired,
	},
	CodeValidationError: {
		message:  "Some of the submitted data is invalid.",
		severity: SeverityWarning,
		actions:  []Action{ActionFixInput},
		status:   StatusHealthy,
	},
	CodeNotFound: {
		message:  "The requested item could not be found.",
		severity: SeverityWarning,
		actions:  []Action{ActionGoBack},
		status:   StatusHealthy,
	},
	CodeForbidden: {
		message:  "You do not have permission to do that.",
		severity: SeverityError,
		actions:  []Action{ActionRefreshToken, ActionLoginAgain},
		status:   StatusHealthy,
	},
	CodeConflict: {
		message:  "This item was changed elsewhere. Reload and try again.",
		severity: SeverityWarning,
		actions:  []Action{ActionReload},
		status:   StatusHealthy,
	},
	CodeRateLimited: {
		message:  "Too many requests. Please wait a moment.",
		severity: SeverityWarning,
		canRetry: true,
		actions:  []Action{ActionWait, ActionRetry},
		status:   StatusDegraded,
	},
	CodeDatabaseError: {
		message:  "The database is not responding right now.",
		severity: SeverityError,
		canRetry: true,
		actions:  []Action{ActionRetry, ActionContactSupport},
		status:   StatusUnavailable,
	},
	CodeServiceUnavailable: {
		message:  "The service is temporarily unavailable.",
		severity: SeverityError,
		canRetry: true,
		actions:  []Action{ActionRetry, ActionContactSupport},
		status:   StatusUnavailable,
	},
	CodeUnknown: {
		message:  GenericMessage,
		severity: SeverityError,
		actions:  []Action{ActionRetry, ActionContactSupport},
		status:   StatusHealthy,
	},
}

// NewRecord builds a record with the code's default message, severity,
// actions and status.
func NewRecord(code Code) *Record {
	p, ok := profiles[code]
	if !ok {
		code = CodeUnknown
		p = profiles[CodeUnknown]
	}
	return &Record{
		Code:             code,
		Message:          p.message,
		Severity:         p.severity,
		CanRetry:         p.canRetry,
		SuggestedActions: append([]Action(nil), p.actions...),
		Status:           p.status,
	}
}

// DefaultMessage returns the short message shown for code.
func DefaultMessage(code Code) string {
	if p, ok := profiles[code]; ok {
		return p.message
	}
	return GenericMessage
}

// WithMessage sets the user message, collapsing technical text.
func (r *Record) WithMessage(msg string) *Record {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return r
	}
	if Presentable(msg) {
		r.Message = msg
		return r
	}
	r.Message = GenericMessage
	r.Detail = msg
	return r
}

// Presentable reports whether msg is short, single-line and not a stack trace.
func Presentable(msg string) bool {
	if len(msg) > maxMessageLength {
		return false
	}
	if strings.ContainsAny(msg, "\r\n") {
		return false
	}
	lower := strings.ToLower(msg)
	for _, marker := range []string{"goroutine ", "panic:", "traceback", "exception", "stack trace", ".go:", "at object.", "sql:"} {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// Error makes a Record usable where an error is expected.
func (r *Record) Error() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Message
}

// Retryable reports whether the failure may go away on its own.
func (r *Record) Retryable() bool {
	return r != nil && r.CanRetry
}

// ServiceFault reports whether the failure counts against the endpoint's
// circuit: a faulting code, or any 5xx answer.
func (r *Record) ServiceFault() bool {
	return r != nil && (r.Code.ServiceFault() || r.HTTPStatus >= 500)
}

// ViewStatus is the status a single view shows for this failure. Outages
// degrade rather than take down a view that still has data.
func (r *Record) ViewStatus(hasData bool) ServiceStatus {
	if r == nil {
		return StatusHealthy
	}
	if r.Status == StatusUnavailable && hasData {
		return StatusDegraded
	}
	return r.Status
}

// Category maps the record onto a go-errors category.
func (r *Record) Category() goerrors.Category {
	switch r.Code {
	case CodeAuthFailed:
		return goerrors.CategoryAuth
	case CodeForbidden:
		return goerrors.CategoryAuthz
	case CodeValidationError:
		return goerrors.CategoryValidation
	case CodeNotFound:
		return goerrors.CategoryNotFound
	case CodeConflict:
		return goerrors.CategoryConflict
	case CodeRateLimited:
		return goerrors.CategoryRateLimit
	case CodeNetworkError, CodeOffline, CodeServiceUnavailable, CodeDatabaseError:
		return goerrors.CategoryExternal
	case CodeCancelled:
		return goerrors.CategoryOperation
	default:
		return goerrors.CategoryInternal
	}
}

// Err converts the record into a *goerrors.Error carrying the record in its
// metadata. RecordOf reverses it.
func (r *Record) Err() error {
	e := goerrors.New(r.Message, r.Category())
	e.Code = r.HTTPStatus
	e.TextCode = string(r.Code)
	e.Metadata = map[string]any{
		recordMetadataKey: r,
		"severity":        string(r.Severity),
		"can_retry":       r.CanRetry,
	}
	if r.ErrorID != "" {
		e.Metadata["error_id"] = r.ErrorID
	}
	if r.RetryAfter > 0 {
		e.Metadata["retry_after"] = r.RetryAfter.Seconds()
	}
	return e
}

// RecordOf extracts the record from err.
func RecordOf(err error) (*Record, bool) {
	if err == nil {
		return nil, false
	}

	var ge *goerrors.Error
	if errors.As(err, &ge) && ge.Metadata != nil {
		if rec, ok := ge.Metadata[recordMetadataKey].(*Record); ok {
			return rec, true
		}
	}

	var rec *Record
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// FromError returns the record carried by err, or builds one: cancellation
// becomes CANCELLED, clock timeouts NETWORK_ERROR, anything else UNKNOWN with
// err's text as the message.
func FromError(err error) *Record {
	if err == nil {
		return nil
	}
	if rec, ok := RecordOf(err); ok {
		return rec
	}
	switch {
	case errors.Is(err, clock.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		rec := NewRecord(CodeNetworkError)
		rec.Detail = err.Error()
		return rec
	case errors.Is(err, context.Canceled):
		return NewRecord(CodeCancelled)
	}

	var ge *goerrors.Error
	if errors.As(err, &ge) && ge.TextCode != "" {
		if code, ok := ParseCode(ge.TextCode); ok {
			rec := NewRecord(code).WithMessage(ge.Message)
			rec.HTTPStatus = ge.Code
			return rec
		}
	}

	return NewRecord(CodeUnknown).WithMessage(err.Error())
}
