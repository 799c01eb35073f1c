package status

import (
	"testing"

	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
)

func ok(data any) fetch.ViewState {
	return fetch.ViewState{Data: data, ServiceStatus: failure.StatusHealthy, Phase: fetch.PhaseReady}
}

func failed(code failure.Code, data any) fetch.ViewState {
	rec := failure.NewRecord(code)
	return fetch.ViewState{
		Data:          data,
		Error:         rec.Message,
		ErrorDetails:  rec,
		ServiceStatus: rec.ViewStatus(data != nil),
		Phase:         fetch.PhaseError,
	}
}

func TestAggregate(t *testing.T) {
	stale := ok("x")
	stale.IsStale = true

	partial := ok("x")
	partial.SectionErrors = map[string]string{"charts": "timed out"}

	tests := []struct {
		name   string
		states []fetch.ViewState
		want   failure.ServiceStatus
	}{
		{"empty", nil, failure.StatusHealthy},
		{"all healthy", []fetch.ViewState{ok(1), ok(2)}, failure.StatusHealthy},
		{"stale data", []fetch.ViewState{ok(1), stale}, failure.StatusDegraded},
		{"partial payload", []fetch.ViewState{partial}, failure.StatusDegraded},
		{"outage with fallback", []fetch.ViewState{ok(1), failed(failure.CodeServiceUnavailable, "old")}, failure.StatusDegraded},
		{"one section down", []fetch.ViewState{ok(1), failed(failure.CodeNetworkError, nil)}, failure.StatusDegraded},
		{"all down without data", []fetch.ViewState{failed(failure.CodeNetworkError, nil), failed(failure.CodeServiceUnavailable, nil)}, failure.StatusUnavailable},
		{"auth wins", []fetch.ViewState{failed(failure.CodeOffline, nil), failed(failure.CodeAuthFailed, "x")}, failure.StatusAuthRequired},
		{"offline", []fetch.ViewState{ok(1), failed(failure.CodeOffline, nil)}, failure.StatusOffline},
		{"validation failure", []fetch.ViewState{failed(failure.CodeValidationError, "x")}, failure.StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.states); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Run("nothing failed", func(t *testing.T) {
		sum := Summarize([]fetch.ViewState{ok(1), ok(2)})
		if sum.Failed != 0 || sum.Message != "" || sum.Record != nil {
			t.Errorf("expected empty summary, got %+v", sum)
		}
	})

	t.Run("some failed", func(t *testing.T) {
		sum := Summarize([]fetch.ViewState{ok(1), failed(failure.CodeServiceUnavailable, "old"), ok(3)})
		if sum.Message != "1 of 3 sections failed" {
			t.Errorf("unexpected message %q", sum.Message)
		}
		if sum.Record != nil {
			t.Error("expected no unified record for a partial failure")
		}
	})

	t.Run("all failed alike", func(t *testing.T) {
		a := failed(failure.CodeNetworkError, nil)
		sum := Summarize([]fetch.ViewState{a, failed(failure.CodeNetworkError, nil)})
		if sum.Record != a.ErrorDetails {
			t.Errorf("expected the first record, got %+v", sum.Record)
		}
		if sum.Message != a.ErrorDetails.Message {
			t.Errorf("expected %q, got %q", a.ErrorDetails.Message, sum.Message)
		}
	})

	t.Run("all failed differently", func(t *testing.T) {
		sum := Summarize([]fetch.ViewState{failed(failure.CodeNetworkError, nil), failed(failure.CodeNotFound, nil)})
		if sum.Message != "2 of 2 sections failed" || sum.Record != nil {
			t.Errorf("unexpected summary %+v", sum)
		}
	})
}
