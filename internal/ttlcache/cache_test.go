package ttlcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skobkin/fieldsync/internal/logging"
	"github.com/skobkin/fieldsync/internal/persistence"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func TestGetHonoursTTL(t *testing.T) {
	clock := newClock()
	c := New[string](Config{Now: clock.Now, Logger: logging.Discard()})
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Second, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.Advance(500 * time.Millisecond)
	if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("expected hit at 500ms, got %q ok=%v", v, ok)
	}
	clock.Advance(time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatalf("expected miss at 1500ms")
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 1 || st.Size != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestGetOrFetchCallsProducerOnlyOnMiss(t *testing.T) {
	clock := newClock()
	c := New[int](Config{Now: clock.Now, Logger: logging.Discard()})
	ctx := context.Background()
	calls := 0
	producer := func(context.Context) (int, error) {
		calls++

		return calls * 10, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(ctx, "n", producer, time.Minute, false)
		if err != nil || v != 10 {
			t.Fatalf("call %d: got %d err=%v", i, v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one producer call, got %d", calls)
	}

	clock.Advance(2 * time.Minute)
	if v, _ := c.GetOrFetch(ctx, "n", producer, time.Minute, false); v != 20 {
		t.Fatalf("expected refetch after expiry, got %d", v)
	}
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	c := New[int](Config{Logger: logging.Discard()})
	boom := errors.New("boom")
	_, err := c.GetOrFetch(context.Background(), "n", func(context.Context) (int, error) { return 0, boom }, 0, false)
	if !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if c.Stats().Size != 0 {
		t.Fatalf("errors must not be cached")
	}
}

func TestPersistedTierRehydratesMemory(t *testing.T) {
	clock := newClock()
	store := persistence.NewMemoryKV()
	ctx := context.Background()

	first := New[string](Config{Now: clock.Now, Store: store, Logger: logging.Discard()})
	if err := first.Set(ctx, "profile", "alice", time.Minute, true); err != nil {
		t.Fatalf("set: %v", err)
	}

	second := New[string](Config{Now: clock.Now, Store: store, Logger: logging.Discard()})
	if v, ok := second.Get(ctx, "profile"); !ok || v != "alice" {
		t.Fatalf("expected persisted hit, got %q ok=%v", v, ok)
	}
	if second.Stats().Size != 1 {
		t.Fatalf("expected memory tier to be rehydrated")
	}

	clock.Advance(2 * time.Minute)
	third := New[string](Config{Now: clock.Now, Store: store, Logger: logging.Discard()})
	if _, ok := third.Get(ctx, "profile"); ok {
		t.Fatalf("expired persisted entry must miss")
	}
	if _, found, _ := store.Get(ctx, "profile"); found {
		t.Fatalf("expired persisted entry must be purged")
	}
}

func TestCorruptPersistedEntryIsCleared(t *testing.T) {
	store := persistence.NewMemoryKV()
	ctx := context.Background()
	_ = store.Set(ctx, "broken", []byte("{not json"))

	c := New[string](Config{Store: store, Logger: logging.Discard()})
	if _, ok := c.Get(ctx, "broken"); ok {
		t.Fatalf("corrupt entry must miss")
	}
	if _, found, _ := store.Get(ctx, "broken"); found {
		t.Fatalf("corrupt entry must be removed")
	}
}

func TestCapacityEvictsOldestByStoreTime(t *testing.T) {
	clock := newClock()
	c := New[int](Config{Capacity: 3, Now: clock.Now, Logger: logging.Discard()})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), i, time.Hour, false)
		clock.Advance(time.Second)
	}
	if _, ok := c.Get(ctx, "k0"); ok {
		t.Fatalf("oldest entry must be evicted")
	}
	for _, key := range []string{"k1", "k2", "k3"} {
		if _, ok := c.Get(ctx, key); !ok {
			t.Fatalf("expected %s to survive eviction", key)
		}
	}
}

func TestInvalidatePatterns(t *testing.T) {
	store := persistence.NewMemoryKV()
	c := New[int](Config{Store: store, Logger: logging.Discard()})
	ctx := context.Background()
	for _, key := range []string{"appointments:2026-01", "appointments:2026-02", "profile:me"} {
		_ = c.Set(ctx, key, 1, time.Hour, true)
	}

	if n := c.Invalidate(ctx, "appointments:*"); n != 2 {
		t.Fatalf("expected 2 keys removed by glob, got %d", n)
	}
	if n := c.Invalidate(ctx, "file:m"); n != 1 {
		t.Fatalf("expected 1 key removed by substring, got %d", n)
	}
	keys, _ := store.Keys(ctx, "")
	if len(keys) != 0 {
		t.Fatalf("expected persisted tier to be empty, got %v", keys)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		want    bool
	}{
		{name: "substring", pattern: "items", key: "/api/items/42", want: true},
		{name: "substring miss", pattern: "users", key: "/api/items", want: false},
		{name: "star all", pattern: "*", key: "anything", want: true},
		{name: "prefix glob", pattern: "/api/*", key: "/api/items", want: true},
		{name: "prefix glob miss", pattern: "/v2/*", key: "/api/items", want: false},
		{name: "inner glob", pattern: "/api/*/42", key: "/api/items/42", want: true},
		{name: "inner glob miss", pattern: "/api/*/43", key: "/api/items/42", want: false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.key); got != tt.want {
			t.Fatalf("%s: Match(%q, %q) = %v, want %v", tt.name, tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestCountersAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[int](Config{Name: "snapshots", Registerer: reg, Logger: logging.Discard()})
	ctx := context.Background()
	_ = c.Set(ctx, "a", 1, time.Minute, false)
	c.Get(ctx, "a")
	c.Get(ctx, "missing")

	if got := testutil.ToFloat64(c.hitCount); got != 1 {
		t.Fatalf("expected 1 hit in prometheus, got %v", got)
	}
	if got := testutil.ToFloat64(c.missCount); got != 1 {
		t.Fatalf("expected 1 miss in prometheus, got %v", got)
	}

	// A second cache with the same name shares the registered counters.
	again := New[int](Config{Name: "snapshots", Registerer: reg, Logger: logging.Discard()})
	again.Get(ctx, "missing")
	if got := testutil.ToFloat64(c.missCount); got != 2 {
		t.Fatalf("expected shared miss counter, got %v", got)
	}
}
