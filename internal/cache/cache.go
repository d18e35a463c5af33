// Package cache memoizes expensive lookups (registry calls, cluster listings)
// with an optional TTL and per-key in-flight de-duplication.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Singleton is the key used for list-level results that have no natural key.
const Singleton = ""

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero: never expires
}

// Cache is safe for concurrent use. The zero TTL means entries never expire once computed.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]

	group singleflight.Group
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now; used by tests to step over expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[V any](ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache[V]{ttl: ttl, now: o.now, entries: map[string]entry[V]{}}
}

// Calculate returns the cached value for key, or runs producer to compute it.
//
// Concurrent callers of the same key share one producer invocation. A failed
// computation is not stored, so the next call starts over. A caller whose ctx
// ends while waiting gets ctx.Err(); the computation keeps running for the others.
func (c *Cache[V]) Calculate(ctx context.Context, key string, producer func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// another flight may have stored it between lookup and DoChan.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := producer(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		c.store(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Invalidate drops key so the next Calculate recomputes it.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included until they are touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) store(key string, v V) {
	e := entry[V]{value: v}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}
