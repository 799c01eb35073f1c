package optimistic

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
)

// CommitFunc performs the authoritative mutation. A nil result keeps the
// optimistic data as the committed value.
type CommitFunc func(ctx context.Context) (any, error)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// UpdateOptions describe one optimistic update.
type UpdateOptions struct {
	// Method and Endpoint describe the change handed to the Network when
	// the update is attempted offline.
	Method   string
	Endpoint string

	LoadingMessage string
	SuccessMessage string
	// Silent keeps the failure toast away from the Notifier.
	Silent bool
}

// UpdateOption mutates UpdateOptions.
type UpdateOption func(*UpdateOptions)

// WithPendingChange describes the write queued when offline.
func WithPendingChange(method, endpoint string) UpdateOption {
	return func(o *UpdateOptions) {
		o.Method = method
		o.Endpoint = endpoint
	}
}

// WithMessages sets the loading and success toasts. Empty strings skip them.
func WithMessages(loading, success string) UpdateOption {
	return func(o *UpdateOptions) {
		o.LoadingMessage = loading
		o.SuccessMessage = success
	}
}

// WithSilent suppresses the failure toast.
func WithSilent() UpdateOption {
	return func(o *UpdateOptions) { o.Silent = true }
}

// Controller applies provisional writes ahead of server confirmation and
// commits or rolls them back. Updates to one key run one at a time in the
// order Update was called.
type Controller struct {
	orch   *fetch.Orchestrator
	store  *cache.Store
	logger *slog.Logger
	tails  *xsync.MapOf[string, chan struct{}]
}

// New creates a Controller publishing through orch.
func New(orch *fetch.Orchestrator, opts ...Option) *Controller {
	c := &Controller{
		orch:   orch,
		store:  orch.Store(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tails:  xsync.NewMapOf[string, chan struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update writes data under key marked optimistic, runs commit, then either
// stores the authoritative result or restores the entry that existed before
// the write. The restored data and the failure are published together.
func (c *Controller) Update(ctx context.Context, key string, data any, commit CommitFunc, opts ...UpdateOption) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var options UpdateOptions
	for _, opt := range opts {
		opt(&options)
	}

	network := c.orch.Network()
	if !network.Online() {
		network.AddPendingChange(fetch.PendingChange{
			Key:      key,
			Method:   options.Method,
			Endpoint: options.Endpoint,
			Body:     data,
			QueuedAt: c.store.Clock().Now(),
		})
		c.logger.Info("optimistic update queued while offline", "key", key)
		return nil, failure.NewRecord(failure.CodeOffline).Err()
	}

	release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	snapshot, existed := c.store.Peek(key)
	provisional := cache.SetOptions{Optimistic: true}
	if existed {
		provisional = optionsOf(snapshot)
		provisional.Optimistic = true
	}

	c.orch.Commit(key, nil, func() {
		c.store.Set(key, data, provisional)
	})
	c.logger.Debug("optimistic write applied", "key", key, "existed", existed)

	notifier := c.orch.Notifier()
	if options.LoadingMessage != "" {
		notifier.Loading(options.LoadingMessage)
	}

	result, err := c.run(ctx, commit)
	if err != nil {
		rec := failure.FromError(err)
		c.orch.Commit(key,
			func(s *fetch.ViewState) {
				s.Error = rec.Message
				s.ErrorDetails = rec
				s.ServiceStatus = rec.ViewStatus(existed)
				s.Phase = fetch.PhaseError
			},
			func() {
				if existed {
					c.store.Restore(snapshot)
				} else {
					c.store.Delete(key)
				}
			},
		)
		if !options.Silent {
			notifier.Error(rec.Message)
		}
		c.logger.Debug("optimistic write rolled back", "key", key, "code", string(rec.Code))
		return nil, fmt.Errorf("optimistic: commit %s: %w", key, err)
	}

	if result == nil {
		result = data
	}
	confirmed := provisional
	confirmed.Optimistic = false
	c.orch.Commit(key,
		func(s *fetch.ViewState) {
			s.Error = ""
			s.ErrorDetails = nil
			s.ServiceStatus = failure.StatusHealthy
			s.Phase = fetch.PhaseReady
		},
		func() {
			c.store.Set(key, result, confirmed)
		},
	)
	if options.SuccessMessage != "" {
		notifier.Success(options.SuccessMessage)
	}
	c.logger.Debug("optimistic write committed", "key", key)
	return result, nil
}

// Pending reports whether an update for key is queued or running.
func (c *Controller) Pending(key string) bool {
	_, ok := c.tails.Load(key)
	return ok
}

// run calls commit, turning a panic into an error so the entry is never left
// optimistic.
func (c *Controller) run(ctx context.Context, commit CommitFunc) (result any, err error) {
	if commit == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("optimistic: commit panicked: %v", r)
		}
	}()
	return commit(ctx)
}

// acquire waits for every earlier update of key. The returned func hands the
// key to the next update.
func (c *Controller) acquire(ctx context.Context, key string) (func(), error) {
	done := make(chan struct{})
	var prev chan struct{}
	c.tails.Compute(key, func(old chan struct{}, loaded bool) (chan struct{}, bool) {
		prev = old
		return done, false
	})

	release := func() {
		close(done)
		c.tails.Compute(key, func(old chan struct{}, loaded bool) (chan struct{}, bool) {
			return old, !loaded || old == done
		})
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// later updates are chained behind this one; hand over once prev ends
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

func optionsOf(e *cache.Entry) cache.SetOptions {
	return cache.SetOptions{
		TTL:          e.TTL,
		MaxAge:       e.MaxAge,
		Tags:         e.Tags,
		Dependencies: e.Dependencies,
		Priority:     e.Priority,
		Degraded:     e.Degraded,
		ServerStale:  e.ServerStale,
	}
}
