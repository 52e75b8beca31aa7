package dcache

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/cespare/xxhash/v2"
)

const shards = 64

type bucket struct {
	sync.RWMutex
	data map[string]entry
}

var _ Tier = &ShardedMap{}

// ShardedMap is an in-memory local tier sharded by key hash.
//
// Unrelated keys do not contend on one mutex, making it a better fit than
// Memory for high-concurrency callers. Please use NewShardedMap to create an
// instance.
type ShardedMap struct {
	buckets [shards]bucket
	closed  chan struct{}

	config MemoryConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewShardedMap creates an instance of sharded in-memory tier with optional
// configuration.
func NewShardedMap(cfg ...MemoryConfig) *ShardedMap {
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

	if config.ExpirationJitter == 0 {
		config.ExpirationJitter = 0.1
	}

	if config.TimeToLive == 0 {
		config.TimeToLive = 5 * time.Minute
	}

	c := &ShardedMap{
		config: config,
		stat:   config.Stats,
		log:    config.Logger,
		closed: make(chan struct{}),
	}

	for i := 0; i < shards; i++ {
		c.buckets[i].data = make(map[string]entry)
	}

	go c.cleaner()

	return c
}

func (c *ShardedMap) bucket(k string) *bucket {
	return &c.buckets[xxhash.Sum64String(k)%shards]
}

// Get returns the value for key, renewing sliding expiration up to the entry
// backstop.
func (c *ShardedMap) Get(ctx context.Context, k string) (interface{}, bool, error) {
	if SkipRead(ctx) {
		return nil, false, nil
	}

	now := time.Now()
	b := c.bucket(k)

	b.RLock()
	cacheEntry, ok := b.data[k]
	b.RUnlock()

	if !ok || cacheEntry.expired(now) {
		if c.stat != nil {
			m := MetricMiss
			if ok {
				m = MetricExpired
			}

			c.stat.Add(ctx, m, 1, "name", c.config.Name)
		}

		return nil, false, nil
	}

	if cacheEntry.Window > 0 {
		b.Lock()
		if cur, ok := b.data[k]; ok && !cur.expired(now) {
			exp := now.Add(cur.Window)
			if exp.After(cur.Hard) {
				exp = cur.Hard
			}

			cur.Exp = exp
			b.data[k] = cur
		}
		b.Unlock()
	}

	if c.stat != nil {
		c.stat.Add(ctx, MetricHit, 1, "name", c.config.Name)
	}

	return cacheEntry.Val, true, nil
}

// Exists reports entry presence without affecting sliding expiration.
func (c *ShardedMap) Exists(ctx context.Context, k string) (bool, error) {
	if SkipRead(ctx) {
		return false, nil
	}

	b := c.bucket(k)

	b.RLock()
	cacheEntry, ok := b.data[k]
	b.RUnlock()

	return ok && !cacheEntry.expired(time.Now()), nil
}

// Set stores value with an expiration policy.
func (c *ShardedMap) Set(ctx context.Context, k string, v interface{}, expiry Expiration) error {
	b := c.bucket(k)

	b.Lock()
	b.data[k] = makeEntry(v, expiry, c.config.TimeToLive, c.config.ExpirationJitter)
	b.Unlock()

	if c.stat != nil {
		c.stat.Add(ctx, MetricWrite, 1, "name", c.config.Name)
	}

	return nil
}

// Remove deletes an entry, reporting whether a live one existed.
func (c *ShardedMap) Remove(ctx context.Context, k string) (bool, error) {
	b := c.bucket(k)

	b.Lock()
	cacheEntry, ok := b.data[k]
	delete(b.data, k)
	b.Unlock()

	return ok && !cacheEntry.expired(time.Now()), nil
}

// RemoveAll deletes multiple entries.
func (c *ShardedMap) RemoveAll(ctx context.Context, keys []string) error {
	for _, k := range keys {
		b := c.bucket(k)

		b.Lock()
		delete(b.data, k)
		b.Unlock()
	}

	return nil
}

// Len returns number of elements in cache.
func (c *ShardedMap) Len() int {
	cnt := 0

	for i := range c.buckets {
		b := &c.buckets[i]

		b.RLock()
		cnt += len(b.data)
		b.RUnlock()
	}

	return cnt
}

// Close disables cache instance, it must be called at most once.
func (c *ShardedMap) Close() {
	close(c.closed)
}

func (c *ShardedMap) cleaner() {
	for {
		select {
		case <-time.After(c.config.DeleteExpiredJobInterval):
			c.clearExpired()
		case <-c.closed:
			return
		}
	}
}

func (c *ShardedMap) clearExpired() {
	expirationBoundary := time.Now().Add(-c.config.DeleteExpiredAfter)

	for i := range c.buckets {
		b := &c.buckets[i]
		keys := make([]string, 0, 100)

		b.RLock()
		for k, e := range b.data {
			if !e.Exp.IsZero() && e.Exp.Before(expirationBoundary) {
				keys = append(keys, k)
			}
		}
		b.RUnlock()

		b.Lock()
		for _, k := range keys {
			delete(b.data, k)
		}
		b.Unlock()
	}
}
