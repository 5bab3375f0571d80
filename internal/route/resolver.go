// Package route implements the Route Resolver (§4.G): a per-shard, bounded,
// TTL-aware cache in front of the Flow Catalog's exact (method, path) match.
package route

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowmesh/runtime/internal/catalog"
)

// DefaultTTL is the cache entry lifetime named in §4.G.
const DefaultTTL = 60 * time.Second

// DefaultCacheSize bounds the number of distinct routes one shard keeps hot;
// sized generously since a route cache entry is small (two strings plus a
// flow config pointer).
const DefaultCacheSize = 512

type entry struct {
	route     *catalog.Route
	expiresAt time.Time
}

// Resolver is the per-shard two-tier cache described in §4.G: a bounded LRU
// keyed by (method, path) holding TTL-stamped entries, falling through to
// the Flow Catalog on miss or expiry. A negative catalog result (no route)
// is returned without caching, matching the spec's explicit "a negative
// result is returned without caching" rule.
type Resolver struct {
	catalog catalog.Catalog
	ttl     time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, entry]
}

// New constructs a Resolver over cat with DefaultTTL/DefaultCacheSize.
func New(cat catalog.Catalog) *Resolver {
	return NewWithOptions(cat, DefaultTTL, DefaultCacheSize)
}

// NewWithOptions constructs a Resolver with an explicit TTL and cache size.
func NewWithOptions(cat catalog.Catalog, ttl time.Duration, size int) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[string, entry](size)
	return &Resolver{catalog: cat, ttl: ttl, cache: c}
}

// Resolve returns the route bound to (method, path), or nil if none exists.
func (r *Resolver) Resolve(ctx context.Context, method, path string) (*catalog.Route, error) {
	key := method + " " + normalisePath(path)

	r.mu.Lock()
	if e, ok := r.cache.Get(key); ok {
		if time.Now().Before(e.expiresAt) {
			r.mu.Unlock()
			return e.route, nil
		}
		r.cache.Remove(key)
	}
	r.mu.Unlock()

	route, err := r.catalog.ResolveRoute(ctx, method, normalisePath(path))
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, nil
	}

	r.mu.Lock()
	r.cache.Add(key, entry{route: route, expiresAt: time.Now().Add(r.ttl)})
	r.mu.Unlock()
	return route, nil
}

// Invalidate drops every cached route bound to flowID. Called on a Catalog
// change notification (§6 invalidate) so a shard does not serve a stale
// route for up to a full TTL window.
func (r *Resolver) Invalidate(flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.cache.Keys() {
		e, ok := r.cache.Peek(key)
		if ok && e.route != nil && e.route.FlowID == flowID {
			r.cache.Remove(key)
		}
	}
}

// Clear drops the entire route cache (used by the shard's cache/clear
// control-plane endpoint, §4.F).
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

// normalisePath strips a trailing slash so "/api/foo/" and "/api/foo" share
// one cache entry and one catalog lookup; the configured API prefix is
// stripped by the caller (the front-door router) before Resolve is called.
func normalisePath(path string) string {
	if len(path) > 1 && path[len(path)-1] == '/' {
		return path[:len(path)-1]
	}
	return path
}
