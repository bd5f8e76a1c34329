package extract

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog/log"
)

// L2 is an optional second-level cache behind the in-memory tier. The
// Redis implementation lives in redis.go; correctness never depends on L2
// durability.
type L2 interface {
	Get(ctx context.Context, key string) (*Result, bool)
	Set(ctx context.Context, key string, res *Result, ttl time.Duration)
}

// CacheConfig bounds the in-memory tier.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
}

type cacheEntry struct {
	result   *Result
	size     int64
	expires  time.Time
	accessed time.Time
}

// CacheStats is a read-only snapshot of cache effectiveness.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// Cache is the content-addressed idempotence cache fronting the LLM.
// Concurrent misses for one key are coalesced through singleflight so at
// most one upstream call runs per key within the TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	bytes   int64
	cfg     CacheConfig
	stats   CacheStats
	flight  singleflight.Group
	l2      L2
	now     func() time.Time
}

// NewCache builds the cache. Zero bounds get working defaults.
func NewCache(cfg CacheConfig, l2 L2) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		cfg:     cfg,
		l2:      l2,
		now:     time.Now,
	}
}

// WithClock injects a time source for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns a cached result when present and unexpired.
func (c *Cache) Get(ctx context.Context, key string) (*Result, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().Before(e.expires) {
		e.accessed = c.now()
		c.stats.Hits++
		res := e.result
		c.mu.Unlock()
		return res, true
	}
	if ok {
		c.removeLocked(key, e)
	}
	c.stats.Misses++
	c.mu.Unlock()

	if c.l2 != nil {
		if res, ok := c.l2.Get(ctx, key); ok {
			c.Put(key, res)
			return res, true
		}
	}
	return nil, false
}

// Put stores a result under its content address, evicting approximately
// least-recently-used entries when a bound is exceeded.
func (c *Cache) Put(key string, res *Result) {
	size := res.approxSize()

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	for (len(c.entries) >= c.cfg.MaxEntries || c.bytes+size > c.cfg.MaxBytes) && len(c.entries) > 0 {
		c.evictLRULocked()
	}
	c.entries[key] = &cacheEntry{
		result:   res,
		size:     size,
		expires:  c.now().Add(c.cfg.TTL),
		accessed: c.now(),
	}
	c.bytes += size
	c.mu.Unlock()
}

// GetOrCompute returns the cached result for key, or runs compute exactly
// once per key across concurrent callers and caches its output. cached
// reports whether the value came from cache.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (*Result, error)) (res *Result, cached bool, err error) {
	if res, ok := c.Get(ctx, key); ok {
		return res, true, nil
	}

	v, err, shared := c.flight.Do(key, func() (interface{}, error) {
		// A peer may have filled the cache while we queued.
		if res, ok := c.Get(ctx, key); ok {
			return res, nil
		}
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, res)
		if c.l2 != nil {
			c.l2.Set(ctx, key, res, c.cfg.TTL)
		}
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Result), shared, nil
}

// Stats snapshots cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	return s
}

// removeLocked drops one entry. Caller holds c.mu.
func (c *Cache) removeLocked(key string, e *cacheEntry) {
	delete(c.entries, key)
	c.bytes -= e.size
}

// evictLRULocked removes the least recently accessed entry. Caller holds
// c.mu.
func (c *Cache) evictLRULocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, e := range c.entries {
		if first || e.accessed.Before(oldest) {
			oldest = e.accessed
			oldestKey = key
			first = false
		}
	}
	if oldestKey != "" {
		c.removeLocked(oldestKey, c.entries[oldestKey])
		c.stats.Evictions++
		log.Debug().Str("key", oldestKey[:8]).Msg("extraction cache evicted LRU entry")
	}
}
