// Package memo provides a concurrent score cache keyed by search paths, with deduplication of
// concurrent computations for the same key and predicate-based invalidation.
package memo

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	currentlyExecutedSize  = 64
	defaultCleanupInterval = time.Minute
)

// Key is a comparable cache key with a stable string form.
type Key interface {
	comparable
	String() string
}

type entry[K Key] struct {
	key   K
	score float64
}

type result struct {
	v float64
	e error
}

type Cache[K Key] struct {
	mu                sync.Mutex
	items             *gocache.Cache
	ttl               time.Duration
	epoch             uint64
	currentlyExecuted map[string][]chan<- result
}

// New creates a cache. A zero ttl keeps entries until they are invalidated; a positive ttl is
// only a safety net for paths that stop being reachable.
func New[K Key](ttl time.Duration) *Cache[K] {
	expiration := ttl
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	return &Cache[K]{
		items:             gocache.New(expiration, defaultCleanupInterval),
		ttl:               expiration,
		currentlyExecuted: make(map[string][]chan<- result, currentlyExecutedSize),
	}
}

func (c *Cache[K]) Lookup(key K) (float64, bool) {
	v, ok := c.items.Get(key.String())
	if !ok {
		return 0, false
	}
	//nolint:forcetypeassert
	return v.(entry[K]).score, true
}

// GetOrCompute returns the cached score of key or computes it with fn. Concurrent callers for
// the same key wait for the first computation instead of running fn again. fresh is true only
// for the caller whose fn produced the value. Errors are not cached.
func (c *Cache[K]) GetOrCompute(ctx context.Context, key K, fn func(ctx context.Context) (float64, error)) (score float64, fresh bool, err error) {
	if v, ok := c.Lookup(key); ok {
		return v, false, nil
	}

	k := key.String()
	c.mu.Lock()
	if v, ok := c.Lookup(key); ok {
		c.mu.Unlock()
		return v, false, nil
	}
	if chans, ok := c.currentlyExecuted[k]; ok {
		res := make(chan result, 1)
		c.currentlyExecuted[k] = append(chans, res)
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case r := <-res:
			return r.v, false, r.e
		}
	}
	c.currentlyExecuted[k] = nil
	epoch := c.epoch
	c.mu.Unlock()

	v, err := fn(ctx)

	c.mu.Lock()
	// an invalidation that ran while computing may have targeted this key
	if err == nil && epoch == c.epoch {
		c.items.Set(k, entry[K]{key: key, score: v}, c.ttl)
	}
	for _, ch := range c.currentlyExecuted[k] {
		ch <- result{v: v, e: err}
		close(ch)
	}
	delete(c.currentlyExecuted, k)
	c.mu.Unlock()

	return v, err == nil, err
}

// Put stores a score directly.
func (c *Cache[K]) Put(key K, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Set(key.String(), entry[K]{key: key, score: score}, c.ttl)
}

// Invalidate removes every entry whose key matches and returns how many were removed.
func (c *Cache[K]) Invalidate(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, item := range c.items.Items() {
		//nolint:forcetypeassert
		e := item.Object.(entry[K])
		if match(e.key) {
			c.items.Delete(k)
			removed++
		}
	}
	c.epoch++
	return removed
}

func (c *Cache[K]) Len() int {
	return c.items.ItemCount()
}
