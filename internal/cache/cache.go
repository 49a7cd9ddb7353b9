// Package cache memoizes expensive per-key results such as calibrations.
//
// A Cache is a bounded LRU with per-entry TTL in front of an optional
// remote Store. Concurrent GetOrCompute calls for the same missing key share
// one computation; failed computations are never stored.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/metrics"
)

const (
	DefaultTTL      = 15 * time.Minute
	DefaultCapacity = 64
)

// Store is a second cache tier shared between processes.
type Store[V any] interface {
	Load(ctx context.Context, key string) (V, bool, error)
	Save(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	Name     string
	TTL      time.Duration
	Capacity int
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

type Cache[V any] struct {
	name     string
	ttl      time.Duration
	capacity int
	remote   Store[V]
	now      func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
	// gens counts invalidations per key and epoch counts purges; a
	// computation only stores its result if neither moved while it ran.
	gens  map[string]uint64
	epoch uint64

	group singleflight.Group
}

// New returns an empty cache. remote may be nil.
func New[V any](opts Options, remote Store[V]) *Cache[V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Cache[V]{
		name:     opts.Name,
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		remote:   remote,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		gens:     make(map[string]uint64),
	}
}

// Get returns the live local entry for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.now().Before(e.expires) {
		c.removeLocked(el)
		return zero, false
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

// GetOrCompute returns the cached value for key or runs compute once,
// however many callers ask concurrently. compute runs detached from the
// cancellation of the caller that started it, so a caller giving up does
// not fail the others; that caller still returns ctx.Err() promptly.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		c.count("hit")
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		gen := c.generation(key)
		if v, ok := c.Get(key); ok {
			c.count("hit")
			return v, nil
		}
		if c.remote != nil {
			v, ok, err := c.remote.Load(fctx, key)
			switch {
			case err != nil:
				logger.Infof("cache %s: remote load %s: %v", c.name, key, err)
			case ok:
				c.count("remote_hit")
				c.put(key, v, gen)
				return v, nil
			}
		}

		c.count("miss")
		v, err := compute(fctx)
		if err != nil {
			c.count("error")
			return nil, err
		}
		if !c.put(key, v, gen) {
			logger.Debugf("cache %s: %s invalidated while computing, result not stored", c.name, key)
			return v, nil
		}
		if c.remote != nil {
			if err := c.remote.Save(fctx, key, v, c.ttl); err != nil {
				logger.Infof("cache %s: remote save %s: %v", c.name, key, err)
			}
			if c.generation(key) != gen {
				_ = c.remote.Delete(fctx, key)
			}
		}
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			c.count("shared")
		}
		return res.Val.(V), nil
	}
}

// Invalidate drops key from both tiers. An in-flight computation for key
// still completes for its waiters, but its result is not stored and later
// callers start a new one.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	c.group.Forget(key)
	c.mu.Lock()
	c.gens[key]++
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	if c.remote != nil {
		return c.remote.Delete(ctx, key)
	}
	return nil
}

// Purge empties the local tier. Results of computations in flight are
// discarded.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.items = make(map[string]*list.Element)
	c.lru.Init()
	metrics.CacheEntries.WithLabelValues(c.name).Set(0)
}

// Len is the number of local entries, expired ones included until touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// generation identifies the state of key for staleness checks.
func (c *Cache[V]) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch<<32 + c.gens[key]
}

// put stores v unless key was invalidated or the cache purged since gen was
// taken, and reports whether it stored.
func (c *Cache[V]) put(key string, v V, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch<<32+c.gens[key] != gen {
		return false
	}

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value, e.expires = v, expires
		c.lru.MoveToFront(el)
		return true
	}
	c.items[key] = c.lru.PushFront(&entry[V]{key: key, value: v, expires: expires})
	for c.lru.Len() > c.capacity {
		c.removeLocked(c.lru.Back())
	}
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	return true
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	c.lru.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

func (c *Cache[V]) count(result string) {
	metrics.CacheRequestsTotal.WithLabelValues(c.name, result).Inc()
}
