package dcache

import (
	"context"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// entry is a cache entry.
type entry struct {
	Val interface{}

	// Exp is expiration instant, zero for entries that never expire.
	Exp time.Time

	// Window renews Exp on every read when positive.
	Window time.Duration

	// Hard bounds total lifetime of a sliding entry.
	Hard time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.Exp.IsZero() && e.Exp.Before(now)
}

// makeEntry applies an expiration policy to a fresh entry.
func makeEntry(v interface{}, expiry Expiration, defaultTTL time.Duration, jitter float64) entry {
	now := time.Now()
	e := entry{Val: v}

	switch expiry.Kind {
	case ExpireNever:
	case ExpireAbsolute:
		e.Exp = expiry.At
	case ExpireSliding:
		backstop := expiry.Backstop
		if backstop <= 0 {
			backstop = DefaultBackstopFactor * expiry.Window
		}

		e.Window = expiry.Window
		e.Hard = now.Add(backstop)

		e.Exp = now.Add(expiry.Window)
		if e.Exp.After(e.Hard) {
			e.Exp = e.Hard
		}
	default:
		ttl := defaultTTL
		if jitter > 0 {
			ttl += time.Duration(float64(ttl) * jitter * (rand.Float64() - 0.5)) // nolint:gosec
		}

		e.Exp = now.Add(ttl)
	}

	return e
}

// MemoryConfig controls in-memory tier instance.
type MemoryConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is tier instance name, used in stats and logging.
	Name string

	// TimeToLive is delay before entry expiration for writes with a default
	// policy, default 5m.
	TimeToLive time.Duration

	// DeleteExpiredAfter is delay before expired entry is deleted from cache, default 24h.
	DeleteExpiredAfter time.Duration

	// DeleteExpiredJobInterval is delay between two consecutive cleanups, default 1h.
	DeleteExpiredJobInterval time.Duration

	// ItemsCountReportInterval is items count metric report interval, default 1m.
	ItemsCountReportInterval time.Duration

	// ExpirationJitter is a fraction of TTL to randomize, default 0.1.
	// Use -1 to disable.
	// If enabled, default-policy TTL will be randomly altered in bounds of
	// ±(ExpirationJitter * TTL / 2).
	ExpirationJitter float64

	// HeapInUseSoftLimit sets heap in use threshold when eviction of most expired items will be performed.
	//
	// Eviction is a part of delete expired job, eviction runs at most once per delete expired job and
	// removes most expired entries up to HeapInUseEvictFraction.
	HeapInUseSoftLimit uint64

	// HeapInUseEvictFraction is a fraction of total count of items to be evicted (0, 1], default 0.1 (10% of items).
	HeapInUseEvictFraction float64
}

var _ Tier = &Memory{}

// Memory is an in-memory local tier.
//
// Please use NewMemory to create an instance.
type Memory struct {
	sync.RWMutex
	data   map[string]entry
	closed chan struct{}

	config MemoryConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewMemory creates an instance of in-memory tier with optional configuration.
func NewMemory(cfg ...MemoryConfig) *Memory {
	config := MemoryConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.DeleteExpiredAfter == 0 {
		config.DeleteExpiredAfter = 24 * time.Hour
	}

	if config.DeleteExpiredJobInterval == 0 {
		config.DeleteExpiredJobInterval = time.Hour
	}

	if config.ItemsCountReportInterval == 0 {
		config.ItemsCountReportInterval = time.Minute
	}

	if config.ExpirationJitter == 0 {
		config.ExpirationJitter = 0.1
	}

	if config.TimeToLive == 0 {
		config.TimeToLive = 5 * time.Minute
	}

	c := &Memory{
		data:   map[string]entry{},
		config: config,
		stat:   config.Stats,
		log:    config.Logger,
		closed: make(chan struct{}),
	}

	if c.stat != nil {
		go c.reportItemsCount()
	}

	go c.cleaner()

	return c
}

// Get returns the value for key.
//
// A sliding entry gets its expiration renewed by the read, bounded by the
// entry's absolute backstop.
func (c *Memory) Get(ctx context.Context, k string) (interface{}, bool, error) {
	if SkipRead(ctx) {
		return nil, false, nil
	}

	now := time.Now()

	c.RLock()
	cacheEntry, ok := c.data[k]
	c.RUnlock()

	if !ok {
		if c.log != nil {
			c.log.Debug(ctx, "cache miss",
				"name", c.config.Name,
				"key", k)
		}

		if c.stat != nil {
			c.stat.Add(ctx, MetricMiss, 1, "name", c.config.Name)
		}

		return nil, false, nil
	}

	if cacheEntry.expired(now) {
		if c.log != nil {
			c.log.Debug(ctx, "cache key expired",
				"name", c.config.Name,
				"key", k)
		}

		if c.stat != nil {
			c.stat.Add(ctx, MetricExpired, 1, "name", c.config.Name)
		}

		return nil, false, nil
	}

	if cacheEntry.Window > 0 {
		c.slide(k, now)
	}

	if c.stat != nil {
		c.stat.Add(ctx, MetricHit, 1, "name", c.config.Name)
	}

	if c.log != nil {
		c.log.Debug(ctx, "cache hit",
			"name", c.config.Name,
			"key", k,
			"entry", cacheEntry)
	}

	return cacheEntry.Val, true, nil
}

// slide renews entry expiration up to its hard backstop.
func (c *Memory) slide(k string, now time.Time) {
	c.Lock()
	defer c.Unlock()

	cacheEntry, ok := c.data[k]
	if !ok || cacheEntry.expired(now) {
		return
	}

	exp := now.Add(cacheEntry.Window)
	if exp.After(cacheEntry.Hard) {
		exp = cacheEntry.Hard
	}

	cacheEntry.Exp = exp
	c.data[k] = cacheEntry
}

// Exists reports entry presence without affecting sliding expiration.
func (c *Memory) Exists(ctx context.Context, k string) (bool, error) {
	if SkipRead(ctx) {
		return false, nil
	}

	c.RLock()
	cacheEntry, ok := c.data[k]
	c.RUnlock()

	return ok && !cacheEntry.expired(time.Now()), nil
}

// Set stores value with an expiration policy.
func (c *Memory) Set(ctx context.Context, k string, v interface{}, expiry Expiration) error {
	c.Lock()
	defer c.Unlock()

	c.data[k] = makeEntry(v, expiry, c.config.TimeToLive, c.config.ExpirationJitter)

	if c.log != nil {
		c.log.Debug(ctx, "wrote to cache", "name", c.config.Name, "key", k, "value", v, "expiry", expiry)
	}

	if c.stat != nil {
		c.stat.Add(ctx, MetricWrite, 1, "name", c.config.Name)
	}

	return nil
}

// Remove deletes an entry, reporting whether a live one existed.
func (c *Memory) Remove(ctx context.Context, k string) (bool, error) {
	c.Lock()
	defer c.Unlock()

	cacheEntry, ok := c.data[k]
	delete(c.data, k)

	return ok && !cacheEntry.expired(time.Now()), nil
}

// RemoveAll deletes multiple entries.
func (c *Memory) RemoveAll(ctx context.Context, keys []string) error {
	c.Lock()
	defer c.Unlock()

	for _, k := range keys {
		delete(c.data, k)
	}

	return nil
}

// ExpireAll marks all entries as expired.
func (c *Memory) ExpireAll() {
	now := time.Now()

	c.Lock()
	for k, v := range c.data {
		v.Exp = now
		v.Window = 0
		c.data[k] = v
	}
	c.Unlock()
}

// Close disables cache instance, it must be called at most once.
func (c *Memory) Close() {
	close(c.closed)
}

func (c *Memory) cleaner() {
	for {
		c.RLock()
		interval := c.config.DeleteExpiredJobInterval
		c.RUnlock()

		select {
		case <-time.After(interval):
			c.clearExpired()
		case <-c.closed:
			return
		}
	}
}

func (c *Memory) clearExpired() {
	expirationBoundary := time.Now().Add(-c.config.DeleteExpiredAfter)
	keys := make([]string, 0, 100)

	c.RLock()
	for k, i := range c.data {
		if !i.Exp.IsZero() && i.Exp.Before(expirationBoundary) {
			keys = append(keys, k)
		}
	}
	c.RUnlock()

	if c.log != nil {
		c.log.Debug(context.Background(), "clearing expired cache items",
			"name", c.config.Name,
			"items", keys,
		)
	}

	c.Lock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.Unlock()

	c.evictHeapInUse()
}

func (c *Memory) evictHeapInUse() {
	if c.config.HeapInUseSoftLimit == 0 {
		return
	}

	runtime.GC()

	m := runtime.MemStats{}
	runtime.ReadMemStats(&m)

	if m.HeapInuse < c.config.HeapInUseSoftLimit {
		return
	}

	type expiring struct {
		key      string
		expireAt time.Time
	}

	c.RLock()
	entries := make([]expiring, 0, len(c.data))

	for k, i := range c.data {
		entries = append(entries, expiring{key: k, expireAt: i.Exp})
	}
	c.RUnlock()

	// Sort entries to put most expired in head, never-expiring in tail.
	sort.Slice(entries, func(i, j int) bool {
		if entries[j].expireAt.IsZero() {
			return true
		}

		if entries[i].expireAt.IsZero() {
			return false
		}

		return entries[i].expireAt.Before(entries[j].expireAt)
	})

	evictFraction := c.config.HeapInUseEvictFraction
	if evictFraction == 0 {
		evictFraction = 0.1
	}

	evictItems := int(float64(len(entries)) * evictFraction)

	if c.stat != nil {
		c.stat.Add(context.Background(), MetricEvict, float64(evictItems), "name", c.config.Name)
	}

	c.Lock()
	for i := 0; i < evictItems; i++ {
		delete(c.data, entries[i].key)
	}
	c.Unlock()
}

func (c *Memory) reportItemsCount() {
	for {
		c.RLock()
		interval := c.config.ItemsCountReportInterval
		c.RUnlock()

		select {
		case <-time.After(interval):
		case <-c.closed:
			return
		}

		count := c.Len()

		if c.log != nil {
			c.log.Debug(context.Background(), "cache items count",
				"name", c.config.Name,
				"count", count,
			)
		}

		if c.stat != nil {
			c.stat.Set(context.Background(), MetricItems, float64(count), "name", c.config.Name)
		}
	}
}

// Len returns number of elements in cache.
func (c *Memory) Len() int {
	c.RLock()
	cnt := len(c.data)
	c.RUnlock()

	return cnt
}
