// Package cache provides a bounded, time-expiring result cache with
// single-flight de-duplication of concurrent misses.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) (any, error)

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Shared    int64 `json:"shared"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
}

// Cache is an LRU cache whose entries expire after a per-call TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	group    singleflight.Group
	now      func() time.Time
	// epoch advances on every invalidation. A flight that started in an
	// older epoch returns its value but does not store it.
	epoch uint64

	hits, misses, shared, evictions int64
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// GetOrCompute returns the cached value for key, or runs fn to produce it.
// Concurrent misses on the same key share a single fn call. Errors are
// returned to every waiter and never cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (any, error) {
	if v, ok := c.lookup(key, true); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished just before this one may have filled the slot.
		if v, ok := c.lookup(key, false); ok {
			return v, nil
		}
		c.mu.Lock()
		epoch := c.epoch
		c.mu.Unlock()
		// The flight outlives any single waiter's cancellation.
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.storeIf(epoch, key, v, ttl)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.mu.Lock()
			c.shared++
			c.mu.Unlock()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns an unexpired value without computing.
func (c *Cache) Get(key string) (any, bool) {
	return c.lookup(key, true)
}

// lookup finds a live entry and marks it recently used. Expired entries are removed.
func (c *Cache) lookup(key string, count bool) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok {
		e := el.Value.(*entry)
		if c.now().Before(e.expiresAt) {
			c.ll.MoveToFront(el)
			if count {
				c.hits++
			}
			return e.value, true
		}
		c.removeElement(el)
	}
	if count {
		c.misses++
	}
	return nil, false
}

// storeIf stores value unless the cache was invalidated since epoch.
func (c *Cache) storeIf(epoch uint64, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}

	expiresAt := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}

	for c.ll.Len() >= c.capacity {
		c.removeElement(c.ll.Back())
		c.evictions++
	}
	c.items[key] = c.ll.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// Invalidate drops key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidatePrefix drops every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	n := 0
	for key, el := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeElement(el)
			n++
		}
	}
	return n
}

// Purge empties the cache. Counters are kept.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.ll.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Shared:    c.shared,
		Evictions: c.evictions,
		Size:      c.ll.Len(),
		Capacity:  c.capacity,
	}
}

// GetOrComputeAs is a typed wrapper around GetOrCompute.
func GetOrComputeAs[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
