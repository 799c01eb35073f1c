package fetch

import (
	"context"
	"sync"
)

// Handle is one caller's attachment to a view. Closing the last handle of a
// view cancels its in-flight request.
type Handle struct {
	o    *Orchestrator
	v    *view
	id   string
	once sync.Once
	done chan struct{}
}

// Key returns the fingerprint the handle observes.
func (h *Handle) Key() string {
	return h.v.key
}

// State returns the last published view state.
func (h *Handle) State() ViewState {
	return h.v.snapshot()
}

// Subscribe registers fn for state changes. If a state was already published,
// fn receives it first. The returned func removes the subscription.
func (h *Handle) Subscribe(fn func(ViewState)) func() {
	v := h.v
	v.mu.Lock()
	id := v.subscribeLocked(h.id, fn)
	v.mu.Unlock()
	h.o.store.Flush()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			v.unsubscribeLocked(id)
			v.mu.Unlock()
		})
	}
}

// Refetch goes to the network for this handle's view.
func (h *Handle) Refetch(opts RefetchOptions) error {
	return h.o.Refetch(h.v.key, opts)
}

// Mutate writes data into the cache for this handle's view.
func (h *Handle) Mutate(data any, opts MutateOptions) error {
	return h.o.Mutate(h.v.key, data, opts)
}

// Await blocks until the view has no request in flight and returns its state.
func (h *Handle) Await(ctx context.Context) (ViewState, error) {
	for {
		h.v.mu.Lock()
		fl := h.v.flight
		h.v.mu.Unlock()

		if fl == nil {
			h.o.store.Flush()
			return h.State(), nil
		}

		select {
		case <-fl.done:
		case <-ctx.Done():
			return h.State(), ctx.Err()
		}
	}
}

// Close detaches the handle. It is safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		close(h.done)
		h.o.release(h.v, func(v *view) bool {
			return v.detachLocked(h.id)
		})
	})
}
