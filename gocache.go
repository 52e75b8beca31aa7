package dcache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var _ Tier = &GoCacheTier{}

// GoCacheTier adapts a patrickmn/go-cache instance as a local tier.
//
// The underlying store has no sliding concept, a sliding policy is degraded to
// a fixed lifetime of its backstop.
type GoCacheTier struct {
	cache *gocache.Cache
}

// NewGoCacheTier wraps an existing go-cache instance.
func NewGoCacheTier(c *gocache.Cache) *GoCacheTier {
	return &GoCacheTier{cache: c}
}

// Exists reports entry presence.
func (c *GoCacheTier) Exists(ctx context.Context, k string) (bool, error) {
	if SkipRead(ctx) {
		return false, nil
	}

	_, ok := c.cache.Get(k)

	return ok, nil
}

// Get returns the value for key.
func (c *GoCacheTier) Get(ctx context.Context, k string) (interface{}, bool, error) {
	if SkipRead(ctx) {
		return nil, false, nil
	}

	v, ok := c.cache.Get(k)

	return v, ok, nil
}

// Set stores value with an expiration policy.
func (c *GoCacheTier) Set(ctx context.Context, k string, v interface{}, expiry Expiration) error {
	var ttl time.Duration

	switch expiry.Kind {
	case ExpireNever:
		ttl = gocache.NoExpiration
	case ExpireAbsolute:
		ttl = time.Until(expiry.At)
	case ExpireSliding:
		ttl = expiry.Backstop
		if ttl <= 0 {
			ttl = DefaultBackstopFactor * expiry.Window
		}
	default:
		ttl = gocache.DefaultExpiration
	}

	c.cache.Set(k, v, ttl)

	return nil
}

// Remove deletes an entry, reporting whether it existed.
func (c *GoCacheTier) Remove(ctx context.Context, k string) (bool, error) {
	_, ok := c.cache.Get(k)
	c.cache.Delete(k)

	return ok, nil
}

// RemoveAll deletes multiple entries.
func (c *GoCacheTier) RemoveAll(ctx context.Context, keys []string) error {
	for _, k := range keys {
		c.cache.Delete(k)
	}

	return nil
}
