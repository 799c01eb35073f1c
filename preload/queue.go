package preload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/fetch"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("preload: queue closed")

// ErrFull is returned by Enqueue when the backlog is at capacity.
var ErrFull = errors.New("preload: queue full")

// Config bounds the preloader.
type Config struct {
	// Workers is the number of concurrent preloads.
	Workers int `env:"WORKERS"`
	// Capacity is the number of requests that may wait.
	Capacity int `env:"CAPACITY"`
	// Priority is the cache priority given to preloaded entries.
	Priority string `env:"PRIORITY"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:  2,
		Capacity: 64,
		Priority: "low",
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.Priority, validation.In("", "low", "normal", "high")),
	)
}

// Stats counts what the queue has done.
type Stats struct {
	Enqueued  int64
	Completed int64
	Failed    int64
	Dropped   int64
	Pending   int
}

type item struct {
	req  fetch.Request
	opts []fetch.Option
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// Queue warms the cache behind the foreground. Failures are logged and
// counted, never shown to the user.
type Queue struct {
	orch     *fetch.Orchestrator
	logger   *slog.Logger
	workers  int
	priority cache.Priority

	mu     sync.Mutex
	items  chan item
	closed bool

	enqueued  *xsync.Counter
	completed *xsync.Counter
	failed    *xsync.Counter
	dropped   *xsync.Counter
}

// New validates cfg and creates a Queue feeding orch.
func New(orch *fetch.Orchestrator, cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	priority, err := cache.ParsePriority(cfg.Priority)
	if err != nil {
		return nil, err
	}
	if cfg.Priority == "" {
		priority = cache.PriorityLow
	}

	q := &Queue{
		orch:      orch,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		workers:   cfg.Workers,
		priority:  priority,
		items:     make(chan item, cfg.Capacity),
		enqueued:  xsync.NewCounter(),
		completed: xsync.NewCounter(),
		failed:    xsync.NewCounter(),
		dropped:   xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue schedules req. It never blocks; a full backlog drops the request.
// Options given here override the queue's priority.
func (q *Queue) Enqueue(req fetch.Request, opts ...fetch.Option) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- item{req: req, opts: opts}:
		q.enqueued.Inc()
		return nil
	default:
		q.dropped.Inc()
		q.logger.Debug("preload dropped", "endpoint", req.Endpoint)
		return ErrFull
	}
}

// Run preloads queued requests until ctx is done or the queue is closed and
// drained. It waits for running preloads before returning.
func (q *Queue) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(q.workers)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case it, ok := <-q.items:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				q.preload(ctx, it)
				return nil
			})
		}
	}
}

// Close stops accepting requests. Run finishes the backlog and returns.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Value(),
		Completed: q.completed.Value(),
		Failed:    q.failed.Value(),
		Dropped:   q.dropped.Value(),
		Pending:   len(q.items),
	}
}

func (q *Queue) preload(ctx context.Context, it item) {
	opts := make([]fetch.Option, 0, len(it.opts)+2)
	opts = append(opts, fetch.WithPriority(q.priority), fetch.WithSilent())
	opts = append(opts, it.opts...)

	if err := q.orch.Preload(ctx, it.req, opts...); err != nil {
		q.failed.Inc()
		q.logger.Debug("preload failed", "endpoint", it.req.Endpoint, "error", err)
		return
	}
	q.completed.Inc()
	q.logger.Debug("preload completed", "endpoint", it.req.Endpoint)
}
