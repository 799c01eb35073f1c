package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority affects eviction order only. The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch {
	case p < PriorityNormal:
		return "low"
	case p > PriorityNormal:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts "low", "normal" or "high".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("cache: unknown priority %q", s)
}

// Phase is the lifecycle phase of an entry relative to its TTL and max-age.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseStale
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseStale:
		return "stale"
	default:
		return "expired"
	}
}

// SetOptions controls how Set stores an entry. Zero durations fall back to the
// store configuration; tags and dependencies are merged with existing ones.
type SetOptions struct {
	TTL          time.Duration
	MaxAge       time.Duration
	Tags         []string
	Dependencies []string
	Priority     Priority

	// Optimistic marks a provisional value written ahead of server confirmation.
	Optimistic bool
	// Degraded marks data served while part of the backend failed.
	Degraded bool
	// ServerStale marks data the backend itself reported as stale.
	ServerStale bool
}

// Entry is an immutable copy of a cache entry.
type Entry struct {
	Key          string
	Data         any
	InsertedAt   time.Time
	LastAccess   time.Time
	TTL          time.Duration
	MaxAge       time.Duration
	Tags         []string
	Dependencies []string
	Priority     Priority
	AccessCount  int64
	Optimistic   bool
	Degraded     bool
	ServerStale  bool
}

// Phase reports the entry's phase at now.
func (e *Entry) Phase(now time.Time) Phase {
	return phaseOf(now.Sub(e.InsertedAt), e.TTL, e.MaxAge)
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func phaseOf(age, ttl, maxAge time.Duration) Phase {
	switch {
	case age < ttl:
		return PhaseFresh
	case age < maxAge:
		return PhaseStale
	default:
		return PhaseExpired
	}
}

// record is the mutable entry stored in the table. Guarded by Store.mu.
type record struct {
	key          string
	data         any
	insertedAt   time.Time
	lastAccess   time.Time
	ttl          time.Duration
	maxAge       time.Duration
	tags         map[string]struct{}
	dependencies map[string]struct{}
	priority     Priority
	accessCount  int64
	optimistic   bool
	degraded     bool
	serverStale  bool
}

func newRecord(key string) *record {
	return &record{
		key:          key,
		tags:         make(map[string]struct{}),
		dependencies: make(map[string]struct{}),
	}
}

func (r *record) phase(now time.Time) Phase {
	return phaseOf(now.Sub(r.insertedAt), r.ttl, r.maxAge)
}

func (r *record) touch(now time.Time) {
	if now.After(r.lastAccess) {
		r.lastAccess = now
	}
	r.accessCount++
}

func (r *record) snapshot() *Entry {
	return &Entry{
		Key:          r.key,
		Data:         r.data,
		InsertedAt:   r.insertedAt,
		LastAccess:   r.lastAccess,
		TTL:          r.ttl,
		MaxAge:       r.maxAge,
		Tags:         sortedSet(r.tags),
		Dependencies: sortedSet(r.dependencies),
		Priority:     r.priority,
		AccessCount:  r.accessCount,
		Optimistic:   r.optimistic,
		Degraded:     r.degraded,
		ServerStale:  r.serverStale,
	}
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func mergeSet(set map[string]struct{}, values []string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
}
