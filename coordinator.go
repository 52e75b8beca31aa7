package dcache

import (
	"context"
	"errors"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/google/uuid"
)

// CoordinatorConfig is configuration for NewCoordinator.
type CoordinatorConfig struct {
	// Name is added to logs and stats.
	Name string

	// Remote is the shared tier behind all local tiers, required.
	Remote RemoteTier

	// Local is the fast bounded tier, in-memory created by default.
	Local Tier

	// LocalConfig is a configuration for in-memory tier instance if Local is
	// not provided.
	LocalConfig MemoryConfig

	// LocalTTL is the time to live of local backfills, zero applies the local
	// tier's own default.
	LocalTTL time.Duration

	// Locks is the per-key lock table, created by default.
	Locks *LockTable

	// LockConfig is a configuration for the lock table if Locks is not
	// provided.
	LockConfig LockTableConfig

	// DistLock is the cross-process lock, created by default.
	DistLock *DistLock

	// DistLockConfig is a configuration for the distributed lock if DistLock
	// is not provided, Remote and Owner are filled in.
	DistLockConfig DistLockConfig

	// Channel overrides the invalidation channel name.
	Channel string

	// Origin is a stable tag identifying this node, random by default.
	Origin string

	// UnlockedBuildFallback builds the value without cross-process protection
	// when distributed lease retries are exhausted, instead of failing with
	// ErrLeaseUnavailable. The in-process lock still serializes local callers.
	UnlockedBuildFallback bool

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// Coordinator is the externally visible cache contract across both tiers.
//
// A read consults local then remote tier, a miss acquires a key-scoped lock,
// re-checks, computes via the supplied build function, writes to the remote
// tier with a not-exists guard and backfills the local tier. Local backfills
// always use the coordinator's own expiration policy, never the caller's, so
// L1 refresh semantics stay uniform.
//
// Please use NewCoordinator to create an instance.
type Coordinator struct {
	local  Tier
	remote RemoteTier
	locks  *LockTable
	dist   *DistLock
	inv    *Invalidator

	ownLocal bool
	ownLocks bool

	config CoordinatorConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewCoordinator creates a coordinator and subscribes it to the invalidation
// channel.
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.Remote == nil {
		return nil, ctxd.NewError(context.Background(), "remote tier is required")
	}

	if config.Origin == "" {
		config.Origin = uuid.NewString()
	}

	c := &Coordinator{config: config}

	c.log = config.Logger
	if c.log == nil {
		c.log = ctxd.NoOpLogger{}
	}

	c.stat = config.Stats
	if c.stat == nil {
		c.stat = stats.NoOp{}
	}

	c.remote = config.Remote

	c.local = config.Local
	if c.local == nil {
		config.LocalConfig.Name = config.Name
		config.LocalConfig.Logger = config.Logger
		config.LocalConfig.Stats = config.Stats
		c.local = NewMemory(config.LocalConfig)
		c.ownLocal = true
	}

	c.locks = config.Locks
	if c.locks == nil {
		config.LockConfig.Name = config.Name
		config.LockConfig.Logger = config.Logger
		config.LockConfig.Stats = config.Stats
		c.locks = NewLockTable(config.LockConfig)
		c.ownLocks = true
	}

	c.dist = config.DistLock
	if c.dist == nil {
		dlc := config.DistLockConfig
		dlc.Name = config.Name
		dlc.Remote = config.Remote
		dlc.Owner = config.Origin
		dlc.Logger = config.Logger
		dlc.Stats = config.Stats
		c.dist = NewDistLock(dlc)
	}

	inv, err := NewInvalidator(context.Background(), InvalidatorConfig{
		Name:    config.Name,
		Local:   c.local,
		Remote:  c.remote,
		Channel: config.Channel,
		Origin:  config.Origin,
		Logger:  config.Logger,
		Stats:   config.Stats,
	})
	if err != nil {
		if c.ownLocks {
			c.locks.Close()
		}

		if c.ownLocal {
			if m, ok := c.local.(*Memory); ok {
				m.Close()
			}
		}

		return nil, err
	}

	c.inv = inv

	return c, nil
}

// Origin returns the stable tag identifying this node.
func (c *Coordinator) Origin() string {
	return c.config.Origin
}

// Get returns the cached value for key, ErrNotFound on a double miss.
//
// A remote hit is backfilled into the local tier with the coordinator's local
// ttl, never the remote entry's remaining one.
func (c *Coordinator) Get(ctx context.Context, key string) (interface{}, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	v, found, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		return v, nil
	}

	v, found, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, ErrNotFound
	}

	c.stat.Add(ctx, MetricRemoteHit, 1, "name", c.config.Name)

	if err := c.backfill(ctx, key, v); err != nil {
		return nil, err
	}

	return v, nil
}

// GetOrAdd returns the cached value for key, computing it via build if absent.
//
// Concurrent callers for one key are serialized by the lock table within this
// process and by a distributed lease across processes, so build runs at most
// once per key cluster-wide. WithoutDistLock in ctx opts out of cross-process
// protection. The caller-supplied expiry applies to the remote tier, local
// backfills keep the coordinator's uniform policy.
func (c *Coordinator) GetOrAdd(ctx context.Context, key string, build BuildFunc, expiry Expiration) (interface{}, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	if build == nil {
		return nil, ErrNilBuildFunc
	}

	v, found, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		return v, nil
	}

	if v, found, err := c.remoteRead(ctx, key, expiry); err != nil || found {
		return v, err
	}

	// Serializing concurrent local callers for this key.
	h, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer c.locks.Release(h)

	// Double-check, a concurrent caller may have completed the build while
	// this one waited for the handle.
	v, found, err = c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		return v, nil
	}

	if SkipDistLock(ctx) {
		return c.buildUnlocked(ctx, key, build, expiry)
	}

	v, acquired, err := c.dist.TryWithLock(ctx, key, build, expiry)
	if err != nil {
		return nil, err
	}

	if !acquired {
		if !c.config.UnlockedBuildFallback {
			return nil, ErrLeaseUnavailable
		}

		c.log.Warn(ctx, "building without cross-process protection",
			"name", c.config.Name,
			"key", key)

		return c.buildUnlocked(ctx, key, build, expiry)
	}

	if err := c.backfill(ctx, key, v); err != nil {
		return nil, err
	}

	return v, nil
}

// Add stores value in remote then local tier.
func (c *Coordinator) Add(ctx context.Context, key string, value interface{}, expiry Expiration) error {
	if key == "" {
		return ErrEmptyKey
	}

	if err := c.remote.Set(ctx, key, value, expiry); err != nil {
		return err
	}

	return c.backfill(ctx, key, value)
}

// GetMulti returns present values for keys, absent keys are omitted.
func (c *Coordinator) GetMulti(ctx context.Context, keys []string) (map[string]interface{}, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	res := make(map[string]interface{}, len(keys))

	for _, key := range keys {
		v, err := c.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}

			return nil, err
		}

		res[key] = v
	}

	return res, nil
}

// AddMulti stores multiple values.
func (c *Coordinator) AddMulti(ctx context.Context, values map[string]interface{}, expiry Expiration) error {
	if len(values) == 0 {
		return ErrNoKeys
	}

	for key, v := range values {
		if err := c.Add(ctx, key, v, expiry); err != nil {
			return err
		}
	}

	return nil
}

// GetOrAddMulti returns values for keys, computing absent ones via build.
func (c *Coordinator) GetOrAddMulti(ctx context.Context, keys []string, build func(ctx context.Context, key string) (interface{}, error), expiry Expiration) (map[string]interface{}, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	if build == nil {
		return nil, ErrNilBuildFunc
	}

	res := make(map[string]interface{}, len(keys))

	for _, key := range keys {
		key := key

		v, err := c.GetOrAdd(ctx, key, func(ctx context.Context) (interface{}, error) {
			return build(ctx, key)
		}, expiry)
		if err != nil {
			return nil, err
		}

		res[key] = v
	}

	return res, nil
}

// NotifyChangeFor propagates an external mutation of the value behind key to
// every node's local tier.
func (c *Coordinator) NotifyChangeFor(ctx context.Context, key string) error {
	return c.inv.NotifyChangeFor(ctx, key)
}

// NotifyChangeForKeys propagates external mutations for multiple keys.
func (c *Coordinator) NotifyChangeForKeys(ctx context.Context, keys []string) error {
	return c.inv.NotifyChangeForKeys(ctx, keys)
}

// Close unsubscribes from the invalidation channel and releases owned
// resources.
func (c *Coordinator) Close() error {
	err := c.inv.Close()

	if c.ownLocks {
		c.locks.Close()
	}

	if c.ownLocal {
		if m, ok := c.local.(*Memory); ok {
			m.Close()
		}
	}

	return err
}

// remoteRead checks the remote tier and backfills local on a hit.
func (c *Coordinator) remoteRead(ctx context.Context, key string, expiry Expiration) (interface{}, bool, error) {
	v, found, err := c.remote.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	c.stat.Add(ctx, MetricRemoteHit, 1, "name", c.config.Name)

	// Remote stores have no sliding concept, renewal is emulated by
	// re-issuing an expire command on read. The absolute backstop is only
	// enforced by the local tier.
	if expiry.Kind == ExpireSliding {
		if _, err := c.remote.Expire(ctx, key, expiry.Window); err != nil {
			return nil, false, err
		}
	}

	if err := c.backfill(ctx, key, v); err != nil {
		return nil, false, err
	}

	return v, true, nil
}

// buildUnlocked computes and writes the value without cross-process
// protection, concurrent processes may duplicate the build and the surviving
// value is whichever guarded write landed first.
func (c *Coordinator) buildUnlocked(ctx context.Context, key string, build BuildFunc, expiry Expiration) (interface{}, error) {
	v, found, err := c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if !found {
		c.stat.Add(ctx, MetricBuild, 1, "name", c.config.Name)

		v, err = build(ctx)
		if err != nil {
			c.stat.Add(ctx, MetricFailedBuild, 1, "name", c.config.Name)

			return nil, err
		}

		if SkipRead(ctx) {
			// A forced refresh replaces the value being skipped, the
			// not-exists guard would block it.
			if err := c.remote.Set(ctx, key, v, expiry); err != nil {
				return nil, err
			}
		} else {
			ok, err := c.remote.SetIfAbsent(ctx, key, v, expiry.TTL(time.Now()))
			if err != nil {
				return nil, err
			}

			if !ok {
				// Lost the write race, adopt the winner's value.
				if cur, found, err := c.remote.Get(ctx, key); err == nil && found {
					v = cur
				}
			}
		}
	}

	if err := c.backfill(ctx, key, v); err != nil {
		return nil, err
	}

	return v, nil
}

// backfill writes a value to the local tier with the coordinator's uniform
// local policy.
func (c *Coordinator) backfill(ctx context.Context, key string, v interface{}) error {
	ttl := LocalTTL(ctx)
	if ttl == 0 {
		ttl = c.config.LocalTTL
	}

	expiry := DefaultExpiration()
	if ttl > 0 {
		expiry = ExpireAfter(ttl)
	}

	if err := c.local.Set(ctx, key, v, expiry); err != nil {
		return ctxd.WrapError(ctx, err, "failed to backfill local tier",
			"name", c.config.Name,
			"key", key)
	}

	return nil
}

// GetOrAddTyped returns the typed cached value for key, computing it via
// build if absent.
//
// It is a typed wrapper over Coordinator.GetOrAdd, the coordinator never
// inspects the value structure.
func GetOrAddTyped[T any](ctx context.Context, c *Coordinator, key string, build func(ctx context.Context) (T, error), expiry Expiration) (T, error) {
	v, err := c.GetOrAdd(ctx, key, func(ctx context.Context) (interface{}, error) {
		return build(ctx)
	}, expiry)
	if err != nil {
		var zero T

		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		var zero T

		return zero, ctxd.NewError(ctx, "unexpected cached value type",
			"name", c.config.Name,
			"key", key,
			"value", v)
	}

	return t, nil
}
