// Package cache provides keyed caches shared by concurrent mining workers.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// OnceCache memoizes one value per key. The first caller for a key runs the
// computation; concurrent callers for the same key wait for and share that
// result. Errors are returned to every waiter but never cached, so a later
// call retries the computation.
type OnceCache[K comparable, V any] struct {
	mu     sync.RWMutex
	values map[K]V
	group  singleflight.Group

	keyString func(K) string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewOnceCache creates a cache. keyString maps a key to the singleflight
// group key; nil uses fmt's %v formatting.
func NewOnceCache[K comparable, V any](keyString func(K) string) *OnceCache[K, V] {
	if keyString == nil {
		keyString = func(k K) string { return fmt.Sprintf("%v", k) }
	}

	return &OnceCache[K, V]{
		values:    make(map[K]V),
		keyString: keyString,
	}
}

// Get returns the cached value for key, computing it at most once.
func (c *OnceCache[K, V]) Get(ctx context.Context, key K, compute ComputeFunc[V]) (V, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)

		return v, nil
	}

	result, err, _ := c.group.Do(c.keyString(key), func() (any, error) {
		// A previous flight may have stored the value between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		c.misses.Add(1)

		v, computeErr := compute(ctx)
		if computeErr != nil {
			return v, computeErr
		}

		c.mu.Lock()
		c.values[key] = v
		c.mu.Unlock()

		return v, nil
	})

	v, _ := result.(V)

	if err != nil {
		var zero V

		return zero, err
	}

	return v, nil
}

// Peek returns the cached value without computing it.
func (c *OnceCache[K, V]) Peek(key K) (V, bool) {
	return c.lookup(key)
}

// Forget drops a cached value.
func (c *OnceCache[K, V]) Forget(key K) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()

	c.group.Forget(c.keyString(key))
}

// Len returns the number of cached values.
func (c *OnceCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.values)
}

// Stats returns cache hit and miss counts.
func (c *OnceCache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *OnceCache[K, V]) lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]

	return v, ok
}
