// Package reqcache caches read responses and collapses concurrent identical reads
// into one outstanding call.
package reqcache

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/skobkin/fieldsync/internal/transport"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 100
)

// DefaultDenyList holds path substrings that are never cached.
var DefaultDenyList = []string{"auth", "token", "health", "activity"}

type Config struct {
	Next       transport.Doer
	DefaultTTL time.Duration
	MaxEntries int
	DenyList   []string
	Now        func() time.Time
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Stats is a snapshot of the gate counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Shared        int64
	Invalidations int64
	Size          int
}

type cacheEntry struct {
	resp      *transport.Response
	storedAt  time.Time
	expiresAt time.Time
}

// Gate implements transport.Doer in front of another Doer.
type Gate struct {
	next   transport.Doer
	ttl    time.Duration
	max    int
	deny   []string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	flight  singleflight.Group

	hits, misses, shared, invalidations atomic.Int64
	metrics                             gateMetrics
}

type gateMetrics struct {
	hits, misses, shared, invalidations prometheus.Counter
}

func NewGate(cfg Config) *Gate {
	g := &Gate{
		next:    cfg.Next,
		ttl:     cfg.DefaultTTL,
		max:     cfg.MaxEntries,
		deny:    cfg.DenyList,
		now:     cfg.Now,
		logger:  cfg.Logger,
		entries: make(map[string]cacheEntry),
		metrics: newGateMetrics(cfg.Registerer),
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.max <= 0 {
		g.max = DefaultMaxEntries
	}
	if g.deny == nil {
		g.deny = DefaultDenyList
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default().With("component", "reqcache")
	}

	return g
}

func newGateMetrics(reg prometheus.Registerer) gateMetrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync", Subsystem: "reqcache", Name: name, Help: help,
		})
		if reg == nil {
			return c
		}
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

	return gateMetrics{
		hits:          counter("hits_total", "Reads served from the request cache."),
		misses:        counter("misses_total", "Reads that went to the network or joined a flight."),
		shared:        counter("shared_total", "Reads that joined an in-flight identical call."),
		invalidations: counter("invalidations_total", "Cached responses removed by mutations."),
	}
}

// Do serves reads from cache or a shared flight and invalidates after successful mutations.
func (g *Gate) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	req = req.Clone()
	bypass := parseBool(req.Header.Get(transport.HeaderCacheBypass))
	ttl := g.ttl
	if secs, err := strconv.Atoi(strings.TrimSpace(req.Header.Get(transport.HeaderCacheTTL))); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	extra := invalidationTags(req.Header.Values(transport.HeaderCacheInvalidate))
	req.Header.Del(transport.HeaderCacheBypass)
	req.Header.Del(transport.HeaderCacheTTL)
	req.Header.Del(transport.HeaderCacheInvalidate)

	if !req.IsRead() {
		resp, err := g.next.Do(ctx, req)
		if err == nil {
			g.Invalidate(req.Path)
			for _, path := range extra {
				g.Invalidate(path)
			}
		}

		return resp, err
	}
	if g.denied(req.Path) {
		return g.next.Do(ctx, req)
	}

	key := Key(req.Path, req.Query)
	if !bypass {
		if resp, ok := g.lookup(key); ok {
			g.hits.Add(1)
			g.metrics.hits.Inc()

			return resp, nil
		}
	}
	g.misses.Add(1)
	g.metrics.misses.Inc()

	ch := g.flight.DoChan(key, func() (any, error) {
		// A flight that finished between our lookup and joining may have filled the entry.
		if !bypass {
			if resp, ok := g.lookup(key); ok {
				return resp, nil
			}
		}
		resp, err := g.next.Do(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		g.store(key, resp, ttl)

		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.shared.Add(1)
			g.metrics.shared.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}

		return copyResponse(res.Val.(*transport.Response)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops every cached key containing path or its collection path.
// It returns the number of entries removed.
func (g *Gate) Invalidate(path string) int {
	full := strings.TrimRight(stripQuery(path), "/")
	if full == "" {
		return 0
	}
	collection := CollectionPath(full)

	g.mu.Lock()
	removed := 0
	for key := range g.entries {
		if strings.Contains(key, full) || strings.Contains(key, collection) {
			delete(g.entries, key)
			removed++
		}
	}
	g.mu.Unlock()

	if removed > 0 {
		g.invalidations.Add(int64(removed))
		g.metrics.invalidations.Add(float64(removed))
		g.logger.Debug("invalidated cached reads", "path", full, "collection", collection, "removed", removed)
	}

	return removed
}

// Clear drops every cached response.
func (g *Gate) Clear() {
	g.mu.Lock()
	g.entries = make(map[string]cacheEntry)
	g.mu.Unlock()
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	size := len(g.entries)
	g.mu.Unlock()

	return Stats{
		Hits:          g.hits.Load(),
		Misses:        g.misses.Load(),
		Shared:        g.shared.Load(),
		Invalidations: g.invalidations.Load(),
		Size:          size,
	}
}

func (g *Gate) lookup(key string) (*transport.Response, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		return nil, false
	}
	if !g.now().Before(e.expiresAt) {
		delete(g.entries, key)

		return nil, false
	}

	return copyResponse(e.resp), true
}

func (g *Gate) store(key string, resp *transport.Response, ttl time.Duration) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.entries[key]; !exists && len(g.entries) >= g.max {
		g.evictLocked(now)
	}
	g.entries[key] = cacheEntry{resp: copyResponse(resp), storedAt: now, expiresAt: now.Add(ttl)}
}

// evictLocked purges expired entries, then the oldest 20% by store time if still full.
func (g *Gate) evictLocked(now time.Time) {
	for key, e := range g.entries {
		if !now.Before(e.expiresAt) {
			delete(g.entries, key)
		}
	}
	if len(g.entries) < g.max {
		return
	}

	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return g.entries[keys[i]].storedAt.Before(g.entries[keys[j]].storedAt)
	})
	n := g.max / 5
	if n < 1 {
		n = 1
	}
	for _, key := range keys[:n] {
		delete(g.entries, key)
	}
	g.logger.Debug("evicted oldest cached reads", "count", n)
}

func (g *Gate) denied(path string) bool {
	lower := strings.ToLower(path)
	for _, d := range g.deny {
		if strings.Contains(lower, d) {
			return true
		}
	}

	return false
}

// Key is the path plus the query encoded with sorted parameter names.
func Key(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}

	return path + "?" + query.Encode()
}

// CollectionPath strips a trailing numeric or UUID segment: /items/42 -> /items.
func CollectionPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return path
	}
	if isIdentifier(path[idx+1:]) {
		return path[:idx]
	}

	return path
}

func isIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	if _, err := strconv.ParseUint(segment, 10, 64); err == nil {
		return true
	}
	if len(segment) != 36 {
		return false
	}
	_, err := uuid.Parse(segment)

	return err == nil
}

func invalidationTags(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}

	return out
}

func stripQuery(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}

	return path
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))

	return err == nil && v
}

func copyResponse(r *transport.Response) *transport.Response {
	return &transport.Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}
