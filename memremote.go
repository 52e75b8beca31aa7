package dcache

import (
	"context"
	"sync"
	"time"
)

// memRemoteEntry is a serialized remote entry.
type memRemoteEntry struct {
	data []byte
	exp  time.Time // zero for entries that never expire
}

func (e memRemoteEntry) expired(now time.Time) bool {
	return !e.exp.IsZero() && e.exp.Before(now)
}

type memLease struct {
	owner string
	exp   time.Time
}

// MemRemoteConfig is optional configuration for NewMemRemote.
type MemRemoteConfig struct {
	// Codec serializes values, gob by default.
	Codec Codec

	// TimeToLive is applied to writes with a default policy, default 5m.
	TimeToLive time.Duration
}

var _ RemoteTier = &MemRemote{}

// MemRemote is an in-process remote tier.
//
// It stores serialized values, delivers published messages to in-process
// subscribers and grants leases, mirroring the remote capability set for
// single-node deployments and tests. Messages are delivered synchronously in
// the publisher's goroutine.
type MemRemote struct {
	mu     sync.Mutex
	data   map[string]memRemoteEntry
	leases map[string]memLease

	smu     sync.Mutex
	nextSub int
	subs    map[string]map[int]func(message string)

	config MemRemoteConfig
	codec  Codec
}

// NewMemRemote creates an in-process remote tier with optional configuration.
func NewMemRemote(cfg ...MemRemoteConfig) *MemRemote {
	config := MemRemoteConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.TimeToLive == 0 {
		config.TimeToLive = 5 * time.Minute
	}

	c := &MemRemote{
		data:   map[string]memRemoteEntry{},
		leases: map[string]memLease{},
		subs:   map[string]map[int]func(string){},
		config: config,
		codec:  config.Codec,
	}

	if c.codec == nil {
		c.codec = GobCodec{}
	}

	return c
}

func (c *MemRemote) ttl(d time.Duration) time.Time {
	switch {
	case d < 0:
		return time.Time{}
	case d == 0:
		return time.Now().Add(c.config.TimeToLive)
	default:
		return time.Now().Add(d)
	}
}

// Exists reports entry presence.
func (c *MemRemote) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]

	return ok && !e.expired(time.Now()), nil
}

// Get returns the value for key.
func (c *MemRemote) Get(ctx context.Context, key string) (interface{}, bool, error) {
	if SkipRead(ctx) {
		return nil, false, nil
	}

	c.mu.Lock()
	e, ok := c.data[key]
	c.mu.Unlock()

	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}

	v, err := c.codec.Unmarshal(e.data)
	if err != nil {
		return nil, false, err
	}

	return v, true, nil
}

// Set stores value with an expiration policy.
//
// A policy that is already past removes the entry instead of storing a dead
// value.
func (c *MemRemote) Set(ctx context.Context, key string, value interface{}, expiry Expiration) error {
	if expiry.Expired(time.Now()) {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.data, key)

		return nil
	}

	data, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = memRemoteEntry{data: data, exp: c.ttl(expiry.TTL(time.Now()))}

	return nil
}

// Remove deletes an entry, reporting whether it existed.
func (c *MemRemote) Remove(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	delete(c.data, key)

	return ok && !e.expired(time.Now()), nil
}

// RemoveAll deletes multiple entries.
func (c *MemRemote) RemoveAll(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		delete(c.data, k)
	}

	return nil
}

// SetIfAbsent writes value only when key is currently absent.
func (c *MemRemote) SetIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}

	c.data[key] = memRemoteEntry{data: data, exp: c.ttl(ttl)}

	return true, nil
}

// Expire renews the time to live of an existing entry.
func (c *MemRemote) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}

	e.exp = c.ttl(ttl)
	c.data[key] = e

	return true, nil
}

// Publish delivers message to every subscriber of channel.
func (c *MemRemote) Publish(ctx context.Context, channel string, message string) (int64, error) {
	c.smu.Lock()
	handlers := make([]func(string), 0, len(c.subs[channel]))

	for _, h := range c.subs[channel] {
		handlers = append(handlers, h)
	}
	c.smu.Unlock()

	for _, h := range handlers {
		h(message)
	}

	return int64(len(handlers)), nil
}

type memSubscription struct {
	c       *MemRemote
	channel string
	id      int
}

func (s *memSubscription) Close() error {
	s.c.smu.Lock()
	defer s.c.smu.Unlock()

	delete(s.c.subs[s.channel], s.id)

	return nil
}

// Subscribe registers a handler for messages on channel.
func (c *MemRemote) Subscribe(ctx context.Context, channel string, handler func(message string)) (Subscription, error) {
	c.smu.Lock()
	defer c.smu.Unlock()

	if c.subs[channel] == nil {
		c.subs[channel] = map[int]func(string){}
	}

	c.nextSub++
	c.subs[channel][c.nextSub] = handler

	return &memSubscription{c: c, channel: channel, id: c.nextSub}, nil
}

// TryAcquireLease takes a named time-bounded ownership token.
func (c *MemRemote) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if l, ok := c.leases[name]; ok && l.owner != owner && l.exp.After(now) {
		return false, nil
	}

	c.leases[name] = memLease{owner: owner, exp: now.Add(ttl)}

	return true, nil
}

// ReleaseLease returns a lease held by owner.
func (c *MemRemote) ReleaseLease(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.leases[name]; ok && l.owner == owner {
		delete(c.leases, name)
	}

	return nil
}

// Len returns number of live entries.
func (c *MemRemote) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cnt := 0

	for _, e := range c.data {
		if !e.expired(now) {
			cnt++
		}
	}

	return cnt
}
