package status

import (
	"fmt"

	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
)

// Aggregate combines the service status of a view's constituent states.
//
// Precedence: any auth_required, then any offline, then unavailable when
// every constituent failed without data, then degraded when any constituent
// is failing or stale, otherwise healthy.
func Aggregate(states []fetch.ViewState) failure.ServiceStatus {
	if len(states) == 0 {
		return failure.StatusHealthy
	}

	var (
		offline    bool
		degraded   bool
		downNoData int
	)
	for _, s := range states {
		switch s.ServiceStatus {
		case failure.StatusAuthRequired:
			return failure.StatusAuthRequired
		case failure.StatusOffline:
			offline = true
		}
		if s.Failed() && !s.HasData() {
			downNoData++
		}
		if s.Failed() || s.IsStale || len(s.SectionErrors) > 0 ||
			(s.ServiceStatus != "" && s.ServiceStatus != failure.StatusHealthy) {
			degraded = true
		}
	}

	switch {
	case offline:
		return failure.StatusOffline
	case downNoData == len(states):
		return failure.StatusUnavailable
	case degraded:
		return failure.StatusDegraded
	default:
		return failure.StatusHealthy
	}
}

// Summary describes the failed constituents of a composite view.
type Summary struct {
	Failed int
	Total  int
	// Message is empty when nothing failed.
	Message string
	// Record is set when every constituent failed with the same code.
	Record *failure.Record
}

// Summarize reports one unified record when every constituent failed with
// the same code, otherwise "K of N sections failed".
func Summarize(states []fetch.ViewState) Summary {
	sum := Summary{Total: len(states)}

	var first *failure.Record
	same := true
	for _, s := range states {
		if !s.Failed() {
			continue
		}
		sum.Failed++
		if first == nil {
			first = s.ErrorDetails
		} else if s.ErrorDetails.Code != first.Code {
			same = false
		}
	}

	switch {
	case sum.Failed == 0:
		return sum
	case sum.Failed == sum.Total && same:
		sum.Record = first
		sum.Message = first.Message
	default:
		sum.Message = fmt.Sprintf("%d of %d sections failed", sum.Failed, sum.Total)
	}
	return sum
}
