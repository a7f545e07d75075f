// Package ttlcache is a two-tier (memory + persisted KV) cache with per-entry expiry.
package ttlcache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/fieldsync/internal/persistence"
)

const (
	DefaultCapacity = 100
	DefaultTTL      = 5 * time.Minute
)

type Config struct {
	Name       string
	Capacity   int
	DefaultTTL time.Duration
	// Store is the persisted tier. Nil keeps the cache memory-only.
	Store      persistence.KV
	Now        func() time.Time
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

type entry[V any] struct {
	Value     V     `json:"value"`
	StoredAt  int64 `json:"stored_at"`
	ExpiresAt int64 `json:"expires_at"`
}

func (e entry[V]) valid(nowMs int64) bool {
	return nowMs < e.ExpiresAt
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	capacity   int
	defaultTTL time.Duration
	store      persistence.KV
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]entry[V]

	hits      atomic.Int64
	misses    atomic.Int64
	hitCount  prometheus.Counter
	missCount prometheus.Counter
}

func New[V any](cfg Config) *Cache[V] {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ttlcache", "cache", name)
	}

	labels := prometheus.Labels{"cache": name}
	c := &Cache[V]{
		capacity:   capacity,
		defaultTTL: ttl,
		store:      cfg.Store,
		now:        now,
		logger:     logger,
		entries:    make(map[string]entry[V]),
		hitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync", Subsystem: "ttlcache", Name: "hits_total",
			Help: "Cache lookups served from either tier.", ConstLabels: labels,
		}),
		missCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync", Subsystem: "ttlcache", Name: "misses_total",
			Help: "Cache lookups that found no fresh entry.", ConstLabels: labels,
		}),
	}
	if cfg.Registerer != nil {
		c.hitCount = registerCounter(cfg.Registerer, c.hitCount)
		c.missCount = registerCounter(cfg.Registerer, c.missCount)
	}

	return c
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}

	return c
}

// Get looks in memory first, then in the persisted tier, rehydrating memory on a fresh hit.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	nowMs := c.now().UnixMilli()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.valid(nowMs) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.hit()

		return e.Value, true
	}

	if e, ok := c.loadPersisted(ctx, key, nowMs); ok {
		c.mu.Lock()
		c.insertLocked(key, e, nowMs)
		c.mu.Unlock()
		c.hit()

		return e.Value, true
	}

	c.miss()
	var zero V

	return zero, false
}

// Set stores value for ttl (DefaultTTL when ttl <= 0). persist also writes the persisted tier.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration, persist bool) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e := entry[V]{Value: value, StoredAt: now.UnixMilli(), ExpiresAt: now.Add(ttl).UnixMilli()}

	c.mu.Lock()
	c.insertLocked(key, e, e.StoredAt)
	c.mu.Unlock()

	if persist && c.store != nil {
		return persistence.SaveJSON(ctx, c.store, key, e)
	}

	return nil
}

// GetOrFetch returns the cached value or calls producer and caches its result.
// Producer errors are returned as-is and nothing is cached.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, producer func(context.Context) (V, error), ttl time.Duration, persist bool) (V, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}

	v, err := producer(ctx)
	if err != nil {
		var zero V

		return zero, err
	}
	if err := c.Set(ctx, key, v, ttl, persist); err != nil {
		c.logger.Warn("persist cache entry", "cache_key", key, "error", err)
	}

	return v, nil
}

// Invalidate removes every key matching pattern from both tiers. A pattern containing
// '*' is a glob; otherwise it matches as a substring. It returns the number of keys removed.
func (c *Cache[V]) Invalidate(ctx context.Context, pattern string) int {
	removed := make(map[string]struct{})

	c.mu.Lock()
	for key := range c.entries {
		if Match(pattern, key) {
			delete(c.entries, key)
			removed[key] = struct{}{}
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		keys, err := c.store.Keys(ctx, "")
		if err != nil {
			c.logger.Warn("list persisted cache keys", "error", err)
		}
		for _, key := range keys {
			if !Match(pattern, key) {
				continue
			}
			if err := c.store.Remove(ctx, key); err != nil {
				c.logger.Warn("remove persisted cache entry", "cache_key", key, "error", err)

				continue
			}
			removed[key] = struct{}{}
		}
	}

	return len(removed)
}

func (c *Cache[V]) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	_, err := persistence.Clear(ctx, c.store, "")

	return err
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}

func (c *Cache[V]) hit() {
	c.hits.Add(1)
	c.hitCount.Inc()
}

func (c *Cache[V]) miss() {
	c.misses.Add(1)
	c.missCount.Inc()
}

func (c *Cache[V]) loadPersisted(ctx context.Context, key string, nowMs int64) (entry[V], bool) {
	if c.store == nil {
		return entry[V]{}, false
	}

	var e entry[V]
	found, err := persistence.LoadJSON(ctx, c.store, key, &e)
	switch {
	case errors.Is(err, persistence.ErrCorrupt):
		c.logger.Warn("dropping corrupt cache entry", "cache_key", key, "error", err)
		c.removePersisted(ctx, key)

		return entry[V]{}, false
	case err != nil:
		c.logger.Warn("read persisted cache entry", "cache_key", key, "error", err)

		return entry[V]{}, false
	case !found:
		return entry[V]{}, false
	}
	if !e.valid(nowMs) {
		c.removePersisted(ctx, key)

		return entry[V]{}, false
	}

	return e, true
}

func (c *Cache[V]) removePersisted(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, key); err != nil {
		c.logger.Warn("remove persisted cache entry", "cache_key", key, "error", err)
	}
}

// insertLocked purges expired entries, then evicts the single oldest entry while over capacity.
func (c *Cache[V]) insertLocked(key string, e entry[V], nowMs int64) {
	c.entries[key] = e
	if len(c.entries) <= c.capacity {
		return
	}

	for k, existing := range c.entries {
		if !existing.valid(nowMs) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.capacity {
		oldestKey := ""
		var oldest int64
		for k, existing := range c.entries {
			if k == key {
				continue
			}
			if oldestKey == "" || existing.StoredAt < oldest {
				oldestKey, oldest = k, existing.StoredAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

// Match reports whether key matches pattern: '*' globs, anything else is a substring.
func Match(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.Contains(key, pattern)
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	rest := key[len(parts[0]):]
	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}

	return strings.HasSuffix(rest, parts[last])
}
