package cache

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/goliatone/go-swr-cache/clock"
	"github.com/goliatone/go-swr-cache/internal/cacheinfra"
	"github.com/goliatone/go-swr-cache/internal/dispatch"
)

// Listener receives the committed entry for key, or nil when the key was
// removed. Listeners run outside the store lock and may call back into it.
type Listener func(key string, entry *Entry)

// Stats is a point-in-time summary of the store.
type Stats struct {
	Entries     int
	ByPriority  map[Priority]int
	Hits        int64
	Misses      int64
	Evictions   int64
	ApproxBytes int
	Subscribers int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

type subscription struct {
	id uint64
	fn Listener
}

// Store is the in-memory cache keyed by fingerprint.
type Store struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	table  *cacheinfra.Table[*record]

	mu      sync.Mutex
	subs    map[string][]subscription
	nextSub uint64
	edges   map[string]map[string]struct{}

	hits      *xsync.Counter
	misses    *xsync.Counter
	evictions *xsync.Counter

	queue dispatch.Queue
}

// NewStore validates cfg and creates a Store.
func NewStore(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		clock:     clock.New(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:      make(map[string][]subscription),
		edges:     make(map[string]map[string]struct{}),
		hits:      xsync.NewCounter(),
		misses:    xsync.NewCounter(),
		evictions: xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	infra := cfg.toInternal()
	infra.Clock = s.clock
	table, err := cacheinfra.NewTable[*record](infra)
	if err != nil {
		return nil, err
	}
	s.table = table

	return s, nil
}

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Config returns the configuration the store was created with.
func (s *Store) Config() Config {
	return s.cfg
}

// Get returns the data for key when it is fresh or stale-servable.
func (s *Store) Get(key string) (any, bool) {
	entry, _, ok := s.Lookup(key)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// Lookup is Get returning the entry snapshot and its phase. Expired entries
// are removed and their subscribers notified of the absence.
func (s *Store) Lookup(key string) (*Entry, Phase, bool) {
	s.mu.Lock()
	now := s.clock.Now()

	rec, ok := s.table.Get(key)
	if !ok {
		s.mu.Unlock()
		s.misses.Inc()
		return nil, PhaseExpired, false
	}

	phase := rec.phase(now)
	if phase == PhaseExpired {
		s.removeLocked(key)
		s.mu.Unlock()
		s.queue.Drain()
		s.misses.Inc()
		return nil, PhaseExpired, false
	}

	rec.touch(now)
	entry := rec.snapshot()
	s.mu.Unlock()

	s.hits.Inc()
	return entry, phase, true
}

// Peek returns the entry regardless of freshness without touching access stats.
func (s *Store) Peek(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.table.Get(key)
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

// Set writes data under key. Tags and dependencies merge with the ones already
// on the entry. Expiry is evaluated lazily; no timer is scheduled.
func (s *Store) Set(key string, data any, opts SetOptions) {
	s.mu.Lock()
	now := s.clock.Now()
	ttl, maxAge := s.cfg.lifetimes(opts)

	rec, ok := s.table.Get(key)
	if !ok {
		rec = newRecord(key)
	} else {
		// replace rather than mutate so earlier readers keep a consistent record
		prev := rec
		rec = newRecord(key)
		mergeSet(rec.tags, sortedSet(prev.tags))
		mergeSet(rec.dependencies, sortedSet(prev.dependencies))
		rec.accessCount = prev.accessCount
	}

	rec.data = data
	rec.insertedAt = now
	rec.lastAccess = now
	rec.ttl = ttl
	rec.maxAge = maxAge
	rec.priority = opts.Priority
	rec.optimistic = opts.Optimistic
	rec.degraded = opts.Degraded
	rec.serverStale = opts.ServerStale
	mergeSet(rec.tags, opts.Tags)
	mergeSet(rec.dependencies, opts.Dependencies)

	s.table.Set(key, rec)
	s.notifyLocked(key, rec.snapshot())
	s.enforceCapacityLocked(key, now)
	s.mu.Unlock()

	s.queue.Drain()
}

// Delete removes key and notifies its subscribers with nil.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	removed := s.removeLocked(key)
	s.mu.Unlock()

	s.queue.Drain()
	return removed
}

// Restore writes entry back exactly as it was snapshotted, timestamps and
// labels included. It is how a rolled back write returns to its prior state.
func (s *Store) Restore(entry *Entry) {
	if entry == nil {
		return
	}
	s.mu.Lock()
	rec := newRecord(entry.Key)
	rec.data = entry.Data
	rec.insertedAt = entry.InsertedAt
	rec.lastAccess = entry.LastAccess
	rec.ttl = entry.TTL
	rec.maxAge = entry.MaxAge
	rec.priority = entry.Priority
	rec.accessCount = entry.AccessCount
	rec.optimistic = entry.Optimistic
	rec.degraded = entry.Degraded
	rec.serverStale = entry.ServerStale
	mergeSet(rec.tags, entry.Tags)
	mergeSet(rec.dependencies, entry.Dependencies)

	s.table.Set(entry.Key, rec)
	s.notifyLocked(entry.Key, rec.snapshot())
	s.enforceCapacityLocked(entry.Key, s.clock.Now())
	s.mu.Unlock()

	s.queue.Drain()
}

// Clear removes every entry.
func (s *Store) Clear() int {
	s.mu.Lock()
	keys := s.table.Keys()
	for _, key := range keys {
		s.removeLocked(key)
	}
	s.mu.Unlock()

	s.queue.Drain()
	return len(keys)
}

// InvalidateByTag removes every entry tagged with tag or with a label reachable
// from it through LinkDependency, and returns the number removed.
func (s *Store) InvalidateByTag(tag string) int {
	return s.invalidate(tag, func(r *record) map[string]struct{} { return r.tags })
}

// InvalidateByDependency removes every entry depending on dep or on a label
// reachable from it, and returns the number removed.
func (s *Store) InvalidateByDependency(dep string) int {
	return s.invalidate(dep, func(r *record) map[string]struct{} { return r.dependencies })
}

func (s *Store) invalidate(label string, labelsOf func(*record) map[string]struct{}) int {
	s.mu.Lock()
	labels := s.reachableLocked(label)

	var victims []string
	for _, key := range s.table.Keys() {
		rec, ok := s.table.Get(key)
		if !ok {
			continue
		}
		for l := range labelsOf(rec) {
			if _, hit := labels[l]; hit {
				victims = append(victims, key)
				break
			}
		}
	}

	// every removal commits before the first listener runs
	for _, key := range victims {
		s.removeLocked(key)
	}
	s.mu.Unlock()

	s.queue.Drain()

	if len(victims) > 0 {
		s.logger.Debug("cache invalidated", "label", label, "count", len(victims))
	}
	return len(victims)
}

// LinkDependency records that invalidating parent also invalidates child.
// Cycles are tolerated.
func (s *Store) LinkDependency(parent, child string) {
	if parent == "" || child == "" || parent == child {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	children, ok := s.edges[parent]
	if !ok {
		children = make(map[string]struct{})
		s.edges[parent] = children
	}
	children[child] = struct{}{}
}

func (s *Store) reachableLocked(label string) map[string]struct{} {
	visited := map[string]struct{}{label: {}}
	stack := []string{label}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range s.edges[current] {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			stack = append(stack, child)
		}
	}
	return visited
}

// Subscribe registers fn for changes to key. Listeners for one key run in
// subscription order. The returned func removes the subscription.
func (s *Store) Subscribe(key string, fn Listener) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[key] = append(s.subs[key], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			current := s.subs[key]
			for i, sub := range current {
				if sub.id == id {
					next := make([]subscription, 0, len(current)-1)
					next = append(next, current[:i]...)
					next = append(next, current[i+1:]...)
					current = next
					break
				}
			}
			if len(current) == 0 {
				delete(s.subs, key)
				return
			}
			s.subs[key] = current
		})
	}
}

// Cleanup removes entries past their max-age and returns how many it removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	removed := s.sweepExpiredLocked(s.clock.Now())
	s.mu.Unlock()

	s.queue.Drain()

	if removed > 0 {
		s.logger.Debug("cache cleanup", "removed", removed)
	}
	return removed
}

// StartCleanup runs Cleanup every interval until the returned func is called.
// A non-positive interval uses Config.CleanupInterval, then 60s.
func (s *Store) StartCleanup(interval time.Duration) func() {
	if interval <= 0 {
		interval = s.cfg.CleanupInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticks, stopTicker := s.clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticks:
				s.Cleanup()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopTicker()
			close(done)
		})
	}
}

// Stats returns entry counts, hit/miss totals and an approximate footprint
// computed from the msgpack encoding of each value.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ByPriority: map[Priority]int{PriorityLow: 0, PriorityNormal: 0, PriorityHigh: 0},
		Hits:       s.hits.Value(),
		Misses:     s.misses.Value(),
		Evictions:  s.evictions.Value(),
	}

	for _, key := range s.table.Keys() {
		rec, ok := s.table.Get(key)
		if !ok {
			continue
		}
		stats.Entries++
		stats.ByPriority[normalizePriority(rec.priority)]++
		stats.ApproxBytes += len(key) + approxSize(rec.data)
	}
	for _, subs := range s.subs {
		stats.Subscribers += len(subs)
	}
	return stats
}

// Keys returns the stored keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	keys := s.table.Keys()
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table.Keys())
}

// Subscribers returns the number of listeners registered for key.
func (s *Store) Subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// Dispatch runs fn on the store's notification queue, after every
// notification already queued.
func (s *Store) Dispatch(fn func()) {
	s.queue.Post(fn)
}

// Enqueue queues fn without draining. Callers holding their own lock use it
// to keep notification order equal to commit order, then call Flush.
func (s *Store) Enqueue(fn func()) {
	s.queue.Enqueue(fn)
}

// Flush drains the notification queue.
func (s *Store) Flush() {
	s.queue.Drain()
}

func (s *Store) removeLocked(key string) bool {
	if _, ok := s.table.Get(key); !ok {
		return false
	}
	s.table.Delete(key)
	s.notifyLocked(key, nil)
	return true
}

func (s *Store) notifyLocked(key string, entry *Entry) {
	subs := s.subs[key]
	if len(subs) == 0 {
		return
	}
	fns := make([]func(), 0, len(subs))
	for _, sub := range subs {
		fn := sub.fn
		fns = append(fns, func() { fn(key, entry) })
	}
	s.queue.Enqueue(fns...)
}

func (s *Store) sweepExpiredLocked(now time.Time) int {
	removed := 0
	for _, key := range s.table.Keys() {
		rec, ok := s.table.Get(key)
		if !ok || rec.phase(now) != PhaseExpired {
			continue
		}
		if s.removeLocked(key) {
			removed++
		}
	}
	return removed
}

// enforceCapacityLocked evicts expired entries first, then the lowest
// priority and least recently accessed ones, never the key just written.
func (s *Store) enforceCapacityLocked(keep string, now time.Time) {
	limit := s.cfg.MaxEntries
	if limit <= 0 {
		return
	}
	keys := s.table.Keys()
	if len(keys) <= limit {
		return
	}

	s.sweepExpiredLocked(now)
	keys = s.table.Keys()
	overflow := len(keys) - limit
	if overflow <= 0 {
		return
	}

	candidates := make([]*record, 0, len(keys))
	for _, key := range keys {
		if key == keep {
			continue
		}
		if rec, ok := s.table.Get(key); ok {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := normalizePriority(a.priority), normalizePriority(b.priority); pa != pb {
			return pa < pb
		}
		if !a.lastAccess.Equal(b.lastAccess) {
			return a.lastAccess.Before(b.lastAccess)
		}
		return a.key < b.key
	})

	for i := 0; i < overflow && i < len(candidates); i++ {
		key := candidates[i].key
		if s.removeLocked(key) {
			s.evictions.Inc()
			s.logger.Debug("cache evicted", "key", key, "priority", candidates[i].priority.String())
		}
	}
}

func normalizePriority(p Priority) Priority {
	switch {
	case p < PriorityNormal:
		return PriorityLow
	case p > PriorityNormal:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func approxSize(data any) int {
	if data == nil {
		return 0
	}
	encoded, err := msgpack.Marshal(data)
	if err != nil {
		return 0
	}
	return len(encoded)
}
