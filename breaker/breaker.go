package breaker

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-swr-cache/clock"
)

// ErrOpen is returned when a call is short-circuited.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit state (0=closed, 1=open, 2=half-open).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a copy of one endpoint's circuit.
type Snapshot struct {
	Endpoint            string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Cooldown            time.Duration
	ProbeInFlight       bool
}

type circuit struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	probe    bool
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the time source used for cooldowns.
func WithClock(c clock.Clock) Option {
	return func(t *Table) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// Table holds one circuit per endpoint path.
type Table struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	circuits *xsync.MapOf[string, *circuit]
}

// New validates cfg and creates a Table.
func New(cfg Config, opts ...Option) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		cfg:      cfg,
		clock:    clock.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		circuits: xsync.NewMapOf[string, *circuit](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Key reduces an endpoint to the path the circuit is keyed by: query strings,
// fragments and hosts are dropped.
func Key(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" {
		return u.Path
	}
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func (t *Table) circuit(endpoint string) *circuit {
	c, _ := t.circuits.LoadOrCompute(Key(endpoint), func() *circuit {
		return &circuit{}
	})
	return c
}

// Allow reports whether a call to endpoint may proceed. An open circuit whose
// cooldown has elapsed turns half-open and admits exactly one probe.
func (t *Table) Allow(endpoint string) bool {
	c := t.circuit(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return true
	case Open:
		if t.clock.Since(c.openedAt) < c.cooldown {
			return false
		}
		c.state = HalfOpen
		c.probe = true
		t.logger.Info("circuit half-open", "endpoint", Key(endpoint))
		return true
	default:
		if c.probe {
			return false
		}
		c.probe = true
		return true
	}
}

// RecordSuccess closes the circuit and resets its counters.
func (t *Table) RecordSuccess(endpoint string) {
	c := t.circuit(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Closed {
		t.logger.Info("circuit closed", "endpoint", Key(endpoint))
	}
	c.state = Closed
	c.failures = 0
	c.cooldown = 0
	c.probe = false
}

// RecordFailure counts a service fault. The threshold-th consecutive failure
// opens the circuit; a failed probe reopens it with a longer cooldown.
func (t *Table) RecordFailure(endpoint string) {
	c := t.circuit(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	switch c.state {
	case Closed:
		if c.failures >= t.cfg.Threshold {
			t.openLocked(c, endpoint, t.cfg.BaseCooldown)
		}
	case HalfOpen:
		t.openLocked(c, endpoint, t.cfg.next(c.cooldown))
	}
}

func (t *Table) openLocked(c *circuit, endpoint string, cooldown time.Duration) {
	c.state = Open
	c.openedAt = t.clock.Now()
	c.cooldown = cooldown
	c.probe = false
	t.logger.Warn("circuit opened",
		"endpoint", Key(endpoint),
		"failures", c.failures,
		"cooldown", cooldown,
	)
}

// Abandon releases a half-open probe whose call was cancelled before it
// produced a result.
func (t *Table) Abandon(endpoint string) {
	c := t.circuit(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == HalfOpen {
		c.probe = false
	}
}

// Reset returns endpoint's circuit to closed.
func (t *Table) Reset(endpoint string) {
	t.RecordSuccess(endpoint)
}

// ResetAll closes every circuit.
func (t *Table) ResetAll() {
	t.circuits.Range(func(key string, _ *circuit) bool {
		t.RecordSuccess(key)
		return true
	})
}

// State returns the circuit state for endpoint without changing it. An open
// circuit past its cooldown still reports Open until the next Allow.
func (t *Table) State(endpoint string) State {
	return t.Snapshot(endpoint).State
}

// Snapshot returns a copy of endpoint's circuit.
func (t *Table) Snapshot(endpoint string) Snapshot {
	key := Key(endpoint)
	c, ok := t.circuits.Load(key)
	if !ok {
		return Snapshot{Endpoint: key, State: Closed}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Endpoint:            key,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		OpenedAt:            c.openedAt,
		Cooldown:            c.cooldown,
		ProbeInFlight:       c.probe,
	}
}

// Snapshots returns every known circuit ordered by endpoint.
func (t *Table) Snapshots() []Snapshot {
	var keys []string
	t.circuits.Range(func(key string, _ *circuit) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)

	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		out = append(out, t.Snapshot(key))
	}
	return out
}
