package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-swr-cache/clock"
)

var testEpoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newFakeStore(t *testing.T, cfg Config) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(testEpoch)
	store, err := NewStore(cfg, WithClock(fake))
	if err != nil {
		t.Fatalf("expected store, got error: %v", err)
	}
	return store, fake
}

func newTestStore(t *testing.T, cfg Config) *Store {
	store, _ := newFakeStore(t, cfg)
	return store
}

type notification struct {
	key  string
	data any
	nil  bool
}

type listenerLog struct {
	mu     sync.Mutex
	events []notification
}

func (l *listenerLog) listen(key string, entry *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry == nil {
		l.events = append(l.events, notification{key: key, nil: true})
		return
	}
	l.events = append(l.events, notification{key: key, data: entry.Data})
}

func (l *listenerLog) snapshot() []notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notification(nil), l.events...)
}

func TestNewStore_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = 0

	if _, err := NewStore(cfg); err == nil {
		t.Error("expected error for zero DefaultTTL")
	}
}

func TestStore_SetGetUntilTTL(t *testing.T) {
	store, fake := newFakeStore(t, DefaultConfig())

	store.Set("k", "v", SetOptions{TTL: time.Minute, MaxAge: 2 * time.Minute})

	fake.Advance(59 * time.Second)
	entry, phase, ok := store.Lookup("k")
	if !ok || entry.Data != "v" {
		t.Fatalf("expected fresh hit with v, got ok=%v entry=%v", ok, entry)
	}
	if phase != PhaseFresh {
		t.Errorf("expected fresh, got %s", phase)
	}

	fake.Advance(time.Second)
	_, phase, ok = store.Lookup("k")
	if !ok {
		t.Fatal("expected stale-servable hit")
	}
	if phase != PhaseStale {
		t.Errorf("expected stale at exactly ttl, got %s", phase)
	}

	fake.Advance(time.Minute)
	if _, ok := store.Get("k"); ok {
		t.Error("expected miss at max-age")
	}
	if _, ok := store.Peek("k"); ok {
		t.Error("expected expired entry to be removed on access")
	}
}

func TestStore_LifetimeDefaults(t *testing.T) {
	tests := []struct {
		name       string
		opts       SetOptions
		wantTTL    time.Duration
		wantMaxAge time.Duration
	}{
		{"defaults", SetOptions{}, 5 * time.Minute, 10 * time.Minute},
		{"ttl only", SetOptions{TTL: time.Minute}, time.Minute, 2 * time.Minute},
		{"ttl above max age", SetOptions{TTL: 10 * time.Minute, MaxAge: 5 * time.Minute}, 5 * time.Minute, 5 * time.Minute},
		{"explicit", SetOptions{TTL: time.Second, MaxAge: time.Hour}, time.Second, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, DefaultConfig())
			store.Set("k", 1, tt.opts)

			entry, ok := store.Peek("k")
			if !ok {
				t.Fatal("expected entry")
			}
			if entry.TTL != tt.wantTTL {
				t.Errorf("expected ttl %v, got %v", tt.wantTTL, entry.TTL)
			}
			if entry.MaxAge != tt.wantMaxAge {
				t.Errorf("expected max age %v, got %v", tt.wantMaxAge, entry.MaxAge)
			}
			if entry.LastAccess.Before(entry.InsertedAt) {
				t.Error("expected insertedAt <= lastAccess")
			}
		})
	}
}

func TestStore_PeekDoesNotTouchStats(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	store.Set("k", 1, SetOptions{})

	store.Peek("k")
	store.Peek("k")

	entry, _ := store.Peek("k")
	if entry.AccessCount != 0 {
		t.Errorf("expected access count 0, got %d", entry.AccessCount)
	}

	store.Get("k")
	entry, _ = store.Peek("k")
	if entry.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", entry.AccessCount)
	}

	stats := store.Stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("expected 1 hit and 0 misses, got %d/%d", stats.Hits, stats.Misses)
	}
}

func TestStore_SetMergesTagsAndDependencies(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	store.Set("k", 1, SetOptions{Tags: []string{"a"}, Dependencies: []string{"x"}})
	store.Set("k", 2, SetOptions{Tags: []string{"b", ""}, Dependencies: []string{"y"}})

	entry, _ := store.Peek("k")
	if entry.Data != 2 {
		t.Errorf("expected data 2, got %v", entry.Data)
	}
	if len(entry.Tags) != 2 || entry.Tags[0] != "a" || entry.Tags[1] != "b" {
		t.Errorf("expected tags [a b], got %v", entry.Tags)
	}
	if len(entry.Dependencies) != 2 || entry.Dependencies[0] != "x" || entry.Dependencies[1] != "y" {
		t.Errorf("expected dependencies [x y], got %v", entry.Dependencies)
	}
}

func TestStore_SubscribeOrderAndUnsubscribe(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	var order []string

	unsubFirst := store.Subscribe("k", func(string, *Entry) { order = append(order, "first") })
	store.Subscribe("k", func(string, *Entry) { order = append(order, "second") })

	store.Set("k", 1, SetOptions{})
	unsubFirst()
	unsubFirst()
	store.Delete("k")

	want := []string{"first", "second", "second"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected order[%d] = %s, got %s", i, want[i], order[i])
		}
	}
	if got := store.Subscribers("k"); got != 1 {
		t.Errorf("expected 1 subscriber, got %d", got)
	}
}

func TestStore_ListenerSeesCommittedWrite(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	var seen any

	store.Subscribe("k", func(key string, entry *Entry) {
		// re-entrant read must not deadlock and must see the new value
		seen, _ = store.Get(key)
	})

	store.Set("k", "v1", SetOptions{})
	if seen != "v1" {
		t.Errorf("expected listener to read v1, got %v", seen)
	}
}

func TestStore_DeleteNotifiesNil(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	log := &listenerLog{}
	store.Subscribe("k", log.listen)

	store.Set("k", 1, SetOptions{})
	if !store.Delete("k") {
		t.Error("expected Delete to report removal")
	}
	if store.Delete("k") {
		t.Error("expected second Delete to report nothing removed")
	}

	events := log.snapshot()
	if len(events) != 2 || events[0].data != 1 || !events[1].nil {
		t.Errorf("expected [1, nil], got %+v", events)
	}
}

func TestStore_InvalidateByTag(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	store.Set("a", 1, SetOptions{Tags: []string{"experiments"}})
	store.Set("b", 2, SetOptions{Tags: []string{"experiments", "summary"}})
	store.Set("c", 3, SetOptions{Tags: []string{"summary"}})

	var sawTorn bool
	store.Subscribe("a", func(string, *Entry) {
		// b must already be gone when a's listener runs
		if _, ok := store.Peek("b"); ok {
			sawTorn = true
		}
	})

	if got := store.InvalidateByTag("experiments"); got != 2 {
		t.Errorf("expected 2 invalidated, got %d", got)
	}
	if sawTorn {
		t.Error("expected every removal to commit before notification")
	}
	if _, ok := store.Get("a"); ok {
		t.Error("expected a to be invalidated")
	}
	if _, ok := store.Get("c"); !ok {
		t.Error("expected c to survive")
	}
	if got := store.InvalidateByTag("experiments"); got != 0 {
		t.Errorf("expected 0 on second invalidation, got %d", got)
	}
}

func TestStore_InvalidateByDependencyFollowsLinks(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	store.LinkDependency("experiments", "summary")
	store.LinkDependency("summary", "dashboard")
	store.LinkDependency("dashboard", "experiments")

	store.Set("summary-view", 1, SetOptions{Dependencies: []string{"summary"}})
	store.Set("dash-view", 2, SetOptions{Dependencies: []string{"dashboard"}})
	store.Set("other", 3, SetOptions{Dependencies: []string{"users"}})

	if got := store.InvalidateByDependency("experiments"); got != 2 {
		t.Errorf("expected 2 invalidated through links, got %d", got)
	}
	if _, ok := store.Get("other"); !ok {
		t.Error("expected unrelated entry to survive")
	}
}

func TestStore_CleanupRemovesExpired(t *testing.T) {
	store, fake := newFakeStore(t, DefaultConfig())
	log := &listenerLog{}
	store.Subscribe("old", log.listen)

	store.Set("old", 1, SetOptions{TTL: time.Second, MaxAge: 2 * time.Second})
	store.Set("new", 2, SetOptions{TTL: time.Hour})

	fake.Advance(2 * time.Second)

	if got := store.Cleanup(); got != 1 {
		t.Errorf("expected 1 removed, got %d", got)
	}
	if got := store.Len(); got != 1 {
		t.Errorf("expected 1 entry left, got %d", got)
	}
	events := log.snapshot()
	if len(events) != 2 || !events[1].nil {
		t.Errorf("expected removal notification, got %+v", events)
	}
}

func TestStore_StartCleanupUsesClock(t *testing.T) {
	store, fake := newFakeStore(t, DefaultConfig())
	removed := make(chan struct{}, 1)

	store.Set("k", 1, SetOptions{TTL: time.Second, MaxAge: time.Second})
	store.Subscribe("k", func(_ string, entry *Entry) {
		if entry == nil {
			removed <- struct{}{}
		}
	})

	stop := store.StartCleanup(10 * time.Second)
	defer stop()

	fake.Advance(10 * time.Second)

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected periodic cleanup to remove the expired entry")
	}
}

func TestStore_CapacityEvictsByPriorityThenLRU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	store, fake := newFakeStore(t, cfg)

	store.Set("low", 1, SetOptions{Priority: PriorityLow})
	fake.Advance(time.Second)
	store.Set("normal-1", 2, SetOptions{})
	fake.Advance(time.Second)
	store.Set("high", 3, SetOptions{Priority: PriorityHigh})
	fake.Advance(time.Second)

	store.Set("normal-2", 4, SetOptions{})
	if _, ok := store.Peek("low"); ok {
		t.Error("expected low priority entry to be evicted first")
	}

	fake.Advance(time.Second)
	store.Get("normal-1")
	fake.Advance(time.Second)

	store.Set("normal-3", 5, SetOptions{})
	if _, ok := store.Peek("normal-2"); ok {
		t.Error("expected least recently accessed normal entry to be evicted")
	}
	for _, key := range []string{"normal-1", "high", "normal-3"} {
		if _, ok := store.Peek(key); !ok {
			t.Errorf("expected %s to survive", key)
		}
	}

	if got := store.Stats().Evictions; got != 2 {
		t.Errorf("expected 2 evictions, got %d", got)
	}
}

func TestStore_CapacityPrefersExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	store, fake := newFakeStore(t, cfg)

	store.Set("high-expiring", 1, SetOptions{Priority: PriorityHigh, TTL: time.Second, MaxAge: time.Second})
	store.Set("low", 2, SetOptions{Priority: PriorityLow, TTL: time.Hour})
	fake.Advance(2 * time.Second)

	store.Set("new", 3, SetOptions{})

	if _, ok := store.Peek("low"); !ok {
		t.Error("expected expired entry to be swept before evicting live ones")
	}
	if got := store.Stats().Evictions; got != 0 {
		t.Errorf("expected no capacity evictions, got %d", got)
	}
}

func TestStore_UnboundedWhenMaxEntriesZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 0
	store := newTestStore(t, cfg)

	for i := 0; i < 500; i++ {
		store.Set(Fingerprint("GET", "/items", i, "u"), i, SetOptions{})
	}
	if got := store.Len(); got != 500 {
		t.Errorf("expected 500 entries, got %d", got)
	}
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	store.Subscribe("a", func(string, *Entry) {})

	store.Set("a", map[string]any{"name": "alice"}, SetOptions{Priority: PriorityHigh})
	store.Set("b", []int{1, 2, 3}, SetOptions{Priority: PriorityLow})
	store.Set("c", nil, SetOptions{})
	store.Get("a")
	store.Get("missing")

	stats := store.Stats()
	if stats.Entries != 3 {
		t.Errorf("expected 3 entries, got %d", stats.Entries)
	}
	if stats.ByPriority[PriorityHigh] != 1 || stats.ByPriority[PriorityLow] != 1 || stats.ByPriority[PriorityNormal] != 1 {
		t.Errorf("unexpected priority counts: %v", stats.ByPriority)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if stats.ApproxBytes <= len("a")+len("b")+len("c") {
		t.Errorf("expected footprint to include encoded values, got %d", stats.ApproxBytes)
	}
	if stats.Subscribers != 1 {
		t.Errorf("expected 1 subscriber, got %d", stats.Subscribers)
	}
}

func TestStore_ClearNotifiesEveryKey(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	log := &listenerLog{}
	store.Subscribe("a", log.listen)
	store.Subscribe("b", log.listen)

	store.Set("a", 1, SetOptions{})
	store.Set("b", 2, SetOptions{})

	if got := store.Clear(); got != 2 {
		t.Errorf("expected 2 cleared, got %d", got)
	}

	nils := 0
	for _, ev := range log.snapshot() {
		if ev.nil {
			nils++
		}
	}
	if nils != 2 {
		t.Errorf("expected 2 nil notifications, got %d", nils)
	}
}

func TestStore_KeysSorted(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	store.Set("b", 1, SetOptions{})
	store.Set("a", 1, SetOptions{})

	keys := store.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected [a b], got %v", keys)
	}
}

func TestStore_DispatchRunsAfterQueuedNotifications(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	var order []string

	store.Subscribe("k", func(string, *Entry) {
		order = append(order, "listener")
		store.Dispatch(func() { order = append(order, "dispatched") })
		order = append(order, "listener-done")
	})

	store.Set("k", 1, SetOptions{})

	want := []string{"listener", "listener-done", "dispatched"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected order[%d] = %s, got %s", i, want[i], order[i])
		}
	}
}

func TestStore_RestoreKeepsSnapshotTimes(t *testing.T) {
	store, fake := newFakeStore(t, DefaultConfig())
	log := &listenerLog{}
	store.Subscribe("k", log.listen)

	store.Set("k", "before", SetOptions{TTL: time.Minute, Tags: []string{"a"}})
	snap, _ := store.Peek("k")

	fake.Advance(30 * time.Second)
	store.Set("k", "after", SetOptions{Tags: []string{"b"}, Optimistic: true})
	store.Restore(snap)

	got, ok := store.Peek("k")
	if !ok {
		t.Fatal("expected restored entry")
	}
	if got.Data != "before" || got.Optimistic {
		t.Errorf("expected restored data, got %+v", got)
	}
	if !got.InsertedAt.Equal(testEpoch) {
		t.Errorf("expected inserted at %v, got %v", testEpoch, got.InsertedAt)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "a" {
		t.Errorf("expected tags [a], got %v", got.Tags)
	}
	if events := log.snapshot(); len(events) != 3 || events[2].data != "before" {
		t.Errorf("expected restore notification, got %+v", events)
	}
}
