// Package dispatch delivers notifications in FIFO order outside of caller locks.
package dispatch

import "sync"

// Queue runs posted functions one at a time in post order. The goroutine that
// finds the queue idle drains it; functions posted while a drain is running
// (including from inside a running function) are picked up by that drain.
type Queue struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
}

// Post appends fns and drains the queue if no other goroutine is doing so.
func (q *Queue) Post(fns ...func()) {
	q.Enqueue(fns...)
	q.Drain()
}

// Enqueue appends fns without running them. Callers enqueue while holding
// their own lock, so delivery order matches commit order, then call Drain
// once the lock is released.
func (q *Queue) Enqueue(fns ...func()) {
	if len(fns) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, fns...)
	q.mu.Unlock()
}

// Drain runs pending functions unless another goroutine is already draining.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	clean := false
	defer func() {
		// a panicking listener must not wedge the queue
		if !clean {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
		}
	}()

	for {
		if len(q.pending) == 0 {
			q.draining = false
			clean = true
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()

		q.mu.Lock()
	}
}
