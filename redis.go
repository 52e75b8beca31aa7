package dcache

import (
	"context"
	"errors"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/redis/go-redis/v9"
)

// RedisConfig is configuration for NewRedisTier.
type RedisConfig struct {
	// Name is added to logs and stats.
	Name string

	// Client is an explicitly constructed, caller-owned Redis client, required.
	Client redis.UniversalClient

	// Codec serializes values, gob by default.
	Codec Codec

	// KeyPrefix namespaces cache keys on a shared Redis instance.
	KeyPrefix string

	// TimeToLive is applied to writes with a default policy, default 5m.
	TimeToLive time.Duration

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

var _ RemoteTier = &RedisTier{}

// RedisTier is a remote tier backed by Redis.
//
// Values are serialized with the configured codec. The not-exists guard maps
// to SET NX, the lease primitive to SET NX with the owner identity as value
// and a check-and-del script on release. The caller owns the client lifecycle.
//
// Please use NewRedisTier to create an instance.
type RedisTier struct {
	client redis.UniversalClient
	codec  Codec

	config RedisConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// releaseLeaseScript deletes a lease key only when still owned by the caller.
var releaseLeaseScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`)

// NewRedisTier creates a Redis remote tier.
func NewRedisTier(config RedisConfig) *RedisTier {
	if config.TimeToLive == 0 {
		config.TimeToLive = 5 * time.Minute
	}

	c := &RedisTier{
		client: config.Client,
		codec:  config.Codec,
		config: config,
	}

	if c.codec == nil {
		c.codec = GobCodec{}
	}

	c.log = config.Logger
	if c.log == nil {
		c.log = ctxd.NoOpLogger{}
	}

	c.stat = config.Stats
	if c.stat == nil {
		c.stat = stats.NoOp{}
	}

	return c
}

func (c *RedisTier) key(k string) string {
	return c.config.KeyPrefix + k
}

// ttl maps policy ttl to Redis expiration, 0 keeps the key forever.
func (c *RedisTier) ttl(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return c.config.TimeToLive
	default:
		return d
	}
}

// Exists reports entry presence.
func (c *RedisTier) Exists(ctx context.Context, k string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(k)).Result()
	if err != nil {
		return false, ctxd.WrapError(ctx, err, "failed to check remote cache key", "name", c.config.Name, "key", k)
	}

	return n > 0, nil
}

// Get returns the value for key.
func (c *RedisTier) Get(ctx context.Context, k string) (interface{}, bool, error) {
	if SkipRead(ctx) {
		return nil, false, nil
	}

	data, err := c.client.Get(ctx, c.key(k)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.stat.Add(ctx, MetricMiss, 1, "name", c.config.Name)

			return nil, false, nil
		}

		return nil, false, ctxd.WrapError(ctx, err, "failed to read remote cache", "name", c.config.Name, "key", k)
	}

	v, err := c.codec.Unmarshal(data)
	if err != nil {
		return nil, false, ctxd.WrapError(ctx, err, "failed to decode remote cache value", "name", c.config.Name, "key", k)
	}

	c.stat.Add(ctx, MetricHit, 1, "name", c.config.Name)

	return v, true, nil
}

// Set stores value with an expiration policy.
//
// A policy that is already past removes the entry instead of storing a dead
// value.
func (c *RedisTier) Set(ctx context.Context, k string, value interface{}, expiry Expiration) error {
	if expiry.Expired(time.Now()) {
		if err := c.client.Del(ctx, c.key(k)).Err(); err != nil {
			return ctxd.WrapError(ctx, err, "failed to delete remote cache key", "name", c.config.Name, "key", k)
		}

		return nil
	}

	data, err := c.codec.Marshal(value)
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to encode remote cache value", "name", c.config.Name, "key", k)
	}

	if err := c.client.Set(ctx, c.key(k), data, c.ttl(expiry.TTL(time.Now()))).Err(); err != nil {
		return ctxd.WrapError(ctx, err, "failed to write remote cache", "name", c.config.Name, "key", k)
	}

	c.stat.Add(ctx, MetricWrite, 1, "name", c.config.Name)

	return nil
}

// Remove deletes an entry, reporting whether it existed.
func (c *RedisTier) Remove(ctx context.Context, k string) (bool, error) {
	n, err := c.client.Del(ctx, c.key(k)).Result()
	if err != nil {
		return false, ctxd.WrapError(ctx, err, "failed to delete remote cache key", "name", c.config.Name, "key", k)
	}

	return n > 0, nil
}

// RemoveAll deletes multiple entries.
func (c *RedisTier) RemoveAll(ctx context.Context, keys []string) error {
	prefixed := make([]string, 0, len(keys))
	for _, k := range keys {
		prefixed = append(prefixed, c.key(k))
	}

	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return ctxd.WrapError(ctx, err, "failed to delete remote cache keys", "name", c.config.Name)
	}

	return nil
}

// SetIfAbsent writes value only when key is currently absent.
func (c *RedisTier) SetIfAbsent(ctx context.Context, k string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return false, ctxd.WrapError(ctx, err, "failed to encode remote cache value", "name", c.config.Name, "key", k)
	}

	ok, err := c.client.SetNX(ctx, c.key(k), data, c.ttl(ttl)).Result()
	if err != nil {
		return false, ctxd.WrapError(ctx, err, "failed guarded remote cache write", "name", c.config.Name, "key", k)
	}

	if ok {
		c.stat.Add(ctx, MetricWrite, 1, "name", c.config.Name)
	}

	return ok, nil
}

// Expire renews the time to live of an existing entry.
func (c *RedisTier) Expire(ctx context.Context, k string, ttl time.Duration) (bool, error) {
	ok, err := c.client.Expire(ctx, c.key(k), c.ttl(ttl)).Result()
	if err != nil {
		return false, ctxd.WrapError(ctx, err, "failed to renew remote cache ttl", "name", c.config.Name, "key", k)
	}

	return ok, nil
}

// Publish sends a message to every subscriber of channel.
func (c *RedisTier) Publish(ctx context.Context, channel string, message string) (int64, error) {
	n, err := c.client.Publish(ctx, channel, message).Result()
	if err != nil {
		return 0, ctxd.WrapError(ctx, err, "failed to publish", "name", c.config.Name, "channel", channel)
	}

	return n, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe registers a handler for messages on channel.
//
// The handler runs in a background goroutine until the subscription is closed.
func (c *RedisTier) Subscribe(ctx context.Context, channel string, handler func(message string)) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, channel)

	// Forcing subscription confirmation before first publish can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, ctxd.WrapError(ctx, err, "failed to subscribe", "name", c.config.Name, "channel", channel)
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Payload)
		}
	}()

	return &redisSubscription{pubsub: pubsub}, nil
}

// TryAcquireLease takes a named time-bounded ownership token.
func (c *RedisTier) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(name), owner, ttl).Result()
	if err != nil {
		return false, ctxd.WrapError(ctx, err, "failed to acquire lease", "name", c.config.Name, "lease", name)
	}

	return ok, nil
}

// ReleaseLease returns a lease held by owner, a no-op for foreign leases.
func (c *RedisTier) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := releaseLeaseScript.Run(ctx, c.client, []string{c.key(name)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return ctxd.WrapError(ctx, err, "failed to release lease", "name", c.config.Name, "lease", name)
	}

	return nil
}
