// Package cache provides a time- and size-bounded cache with single-flight
// deduplication of concurrent computations. When multiple callers ask for the
// same uncached key, only one computation runs and every caller receives its
// result. Failures propagate to all waiters and are never cached.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backing is an optional second-level store for cache entries, shared across
// restarts (and possibly processes). Single-flight remains per-process, so a
// shared backing degrades deduplication to best effort; correctness never
// depends on it.
type Backing interface {
	Load(key string) (payload []byte, expires time.Time, ok bool)
	Store(key string, payload []byte, expires time.Time)
	Delete(key string)
}

// Cache is a TTL + LRU bounded cache keyed by canonical strings.
// The zero value is not usable; create instances with New.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int

	group   singleflight.Group
	backing Backing
	logger  *slog.Logger
	now     func() time.Time
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithLogger sets the logger.
func WithLogger[V any](logger *slog.Logger) Option[V] {
	return func(c *Cache[V]) {
		c.logger = logger
	}
}

// WithBacking attaches a persistent second-level store. Values must be
// JSON-serialisable.
func WithBacking[V any](b Backing) Option[V] {
	return func(c *Cache[V]) {
		c.backing = b
	}
}

// WithNow sets the time function for testing.
func WithNow[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// New creates a cache holding at most maxEntries values. When the bound is
// exceeded the least-recently-used entry is evicted.
func New[V any](maxEntries int, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// flightResult carries a flight's value together with where it came from,
// so every waiter on the same flight reports the same source.
type flightResult[V any] struct {
	value  V
	cached bool
}

// GetOrCompute returns the cached value for key if present and unexpired.
// Otherwise it runs compute, at most once per key across concurrent callers,
// stores the result with the given ttl, and returns it.
//
// The second return value reports whether the value was served from the
// cache. Every caller that waited on a flight that ran compute reports
// false, not just the caller whose closure ran.
//
// The compute function receives a context detached from the caller so that
// one caller's cancellation does not abort the computation for other
// waiters. If the caller's context expires first, GetOrCompute returns the
// context error while the computation continues and may still populate the
// cache.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.get(key); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Re-check under single-flight: a previous flight may have stored
		// the value between our miss and this call.
		if v, ok := c.get(key); ok {
			return flightResult[V]{value: v, cached: true}, nil
		}

		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.put(key, v, ttl)
		return flightResult[V]{value: v}, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		fr := res.Val.(flightResult[V])
		return fr.value, fr.cached, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.get(key)
}

// Invalidate removes an entry immediately. Used after writes that change the
// backend state an entry was derived from.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	if c.backing != nil {
		c.backing.Delete(key)
	}
}

// Len returns the number of entries currently held in memory, including any
// not yet lazily expired.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) get(key string) (V, bool) {
	c.mu.Lock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry[V])
		if c.now().Before(ent.expires) {
			c.order.MoveToFront(elem)
			c.mu.Unlock()
			return ent.value, true
		}
		// Expired: evict lazily.
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	var zero V
	if c.backing == nil {
		return zero, false
	}

	payload, expires, ok := c.backing.Load(key)
	if !ok || !c.now().Before(expires) {
		return zero, false
	}

	var v V
	if err := json.Unmarshal(payload, &v); err != nil {
		c.logger.Warn("discarding undecodable backing entry", "key", key, "error", err)
		c.backing.Delete(key)
		return zero, false
	}

	c.store(key, v, expires)
	return v, true
}

func (c *Cache[V]) put(key string, v V, ttl time.Duration) {
	expires := c.now().Add(ttl)
	c.store(key, v, expires)

	if c.backing != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			c.logger.Warn("skipping backing write for unencodable value", "key", key, "error", err)
			return
		}
		c.backing.Store(key, payload, expires)
	}
}

func (c *Cache[V]) store(key string, v V, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = v
		ent.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&entry[V]{key: key, value: v, expires: expires})

	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry[V])
	c.order.Remove(elem)
	delete(c.entries, ent.key)
}
