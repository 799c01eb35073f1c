package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually driven Clock for tests. Timers fire in deadline order,
// synchronously, inside Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	timers  []*fakeTimer
	changed chan struct{}
}

type fakeTimer struct {
	clock  *Fake
	at     time.Time
	seq    uint64
	period time.Duration
	fn     func(time.Time)
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, changed: make(chan struct{})}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.schedule(d, 0, func(time.Time) { fn() })
}

func (f *Fake) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	ch := make(chan time.Time, 1)
	t := f.schedule(d, 0, func(now time.Time) {
		select {
		case ch <- now:
		default:
		}
	})
	return ch, t.Stop
}

func (f *Fake) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	t := f.schedule(d, d, func(now time.Time) {
		select {
		case ch <- now:
		default:
		}
	})
	return ch, func() { t.Stop() }
}

// Advance moves time forward by d, firing every timer that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			if target.After(f.now) {
				f.now = target
			}
			f.notifyLocked()
			f.mu.Unlock()
			return
		}

		f.removeLocked(next)
		if next.at.After(f.now) {
			f.now = next.at
		}
		if next.period > 0 {
			f.seq++
			next.seq = f.seq
			next.at = next.at.Add(next.period)
			f.timers = append(f.timers, next)
		}
		at := f.now
		f.notifyLocked()
		f.mu.Unlock()

		next.fn(at)
	}
}

// Set moves the clock to t. Moving backwards only changes Now.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	d := t.Sub(f.now)
	if d < 0 {
		f.now = t
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.Advance(d)
}

// Pending returns the number of scheduled one-shot tasks. Tickers are not counted.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

// WaitForTimers blocks until at least n one-shot tasks are scheduled.
func (f *Fake) WaitForTimers(ctx context.Context, n int) error {
	for {
		f.mu.Lock()
		if f.pendingLocked() >= n {
			f.mu.Unlock()
			return nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Fake) schedule(d, period time.Duration, fn func(time.Time)) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTimer{clock: f, at: f.now.Add(d), seq: f.seq, period: period, fn: fn}
	f.timers = append(f.timers, t)
	f.notifyLocked()
	return t
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, t := range f.timers {
		if t.period == 0 {
			n++
		}
	}
	return n
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range f.timers {
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (f *Fake) removeLocked(t *fakeTimer) bool {
	for i, candidate := range f.timers {
		if candidate == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Fake) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.removeLocked(t) {
		return false
	}
	f.notifyLocked()
	return true
}
