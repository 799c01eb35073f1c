package fetch

import (
	"reflect"
	"time"

	"github.com/goliatone/go-swr-cache/failure"
)

// Phase is the view's position in the error/UI state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseReady      Phase = "ready"
	PhaseValidating Phase = "validating"
	PhaseError      Phase = "error"
	PhaseRetrying   Phase = "retrying"
)

// ViewState is the record delivered to view subscribers.
type ViewState struct {
	Key  string
	Data any

	Loading bool
	// Error is the surfaced short message, empty when there is none.
	Error        string
	ErrorDetails *failure.Record

	IsStale      bool
	IsValidating bool
	IsOptimistic bool

	RetryCount    int
	RetryAfter    time.Duration
	ServiceStatus failure.ServiceStatus
	LastFetch     time.Time
	Phase         Phase

	// SectionErrors carries per-section messages from a partial response.
	SectionErrors map[string]string
}

// HasData reports whether the view holds data.
func (s ViewState) HasData() bool {
	return s.Data != nil
}

// Failed reports whether an error is surfaced.
func (s ViewState) Failed() bool {
	return s.ErrorDetails != nil
}

func (s ViewState) equal(o ViewState) bool {
	if s.Key != o.Key ||
		s.Loading != o.Loading ||
		s.Error != o.Error ||
		s.ErrorDetails != o.ErrorDetails ||
		s.IsStale != o.IsStale ||
		s.IsValidating != o.IsValidating ||
		s.IsOptimistic != o.IsOptimistic ||
		s.RetryCount != o.RetryCount ||
		s.RetryAfter != o.RetryAfter ||
		s.ServiceStatus != o.ServiceStatus ||
		!s.LastFetch.Equal(o.LastFetch) ||
		s.Phase != o.Phase {
		return false
	}
	return reflect.DeepEqual(s.Data, o.Data) && reflect.DeepEqual(s.SectionErrors, o.SectionErrors)
}
