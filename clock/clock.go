package clock

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is the cancellation cause used by WithTimeout.
var ErrTimeout = errors.New("clock: deadline exceeded")

// Timer is a scheduled task that can be cancelled before it fires.
type Timer interface {
	Stop() bool
}

// Clock is the monotonic time source and scheduler shared by every component.
// The method set is a superset of sturdyc.Clock so the same clock drives the
// entry table and the fetch layer.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	AfterFunc(d time.Duration, fn func()) Timer
	NewTicker(d time.Duration) (<-chan time.Time, func())
	NewTimer(d time.Duration) (<-chan time.Time, func() bool)
}

type realClock struct{}

// New returns a Clock backed by the time package.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (realClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (realClock) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Sleep blocks for d on the given clock or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	fired := make(chan struct{})
	t := c.AfterFunc(d, func() { close(fired) })

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// WithTimeout derives a context that is cancelled with ErrTimeout after d,
// measured on c. A non-positive d only adds cancellation.
func WithTimeout(parent context.Context, c Clock, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if d <= 0 {
		return ctx, func() { cancel(context.Canceled) }
	}

	t := c.AfterFunc(d, func() { cancel(ErrTimeout) })
	return ctx, func() {
		t.Stop()
		cancel(context.Canceled)
	}
}

// TimedOut reports whether ctx was cancelled by WithTimeout.
func TimedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTimeout)
}
