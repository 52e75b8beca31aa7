package dcache

import (
	"context"
	"math/rand"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// leaseSuffix derives a lease name from a cache key.
const leaseSuffix = ".lock"

// DistLockConfig is configuration for NewDistLock.
type DistLockConfig struct {
	// Name is added to logs and stats.
	Name string

	// Remote provides the lease primitive and the guarded write.
	Remote RemoteTier

	// Owner is a stable identity of this process/node, required.
	Owner string

	// LeaseTTL bounds how long a crashed holder can stall other nodes,
	// default 30s.
	LeaseTTL time.Duration

	// MaxRetries is the number of re-attempts after a failed acquisition,
	// default 10.
	MaxRetries int

	// Backoff is delay between attempts, default 100ms.
	Backoff time.Duration

	// BackoffJitter is a fraction of Backoff to randomize, default 0.5.
	// Use -1 to disable.
	// If enabled, each sleep is altered in bounds of ±(BackoffJitter * Backoff / 2)
	// to avoid synchronized retries across competitors.
	BackoffJitter float64

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// DistLock is a lease-based cross-process mutual exclusion used when
// in-process locking cannot coordinate across machines.
//
// Please use NewDistLock to create an instance.
type DistLock struct {
	config DistLockConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewDistLock creates a distributed lock over a remote tier's lease primitive.
func NewDistLock(config DistLockConfig) *DistLock {
	if config.LeaseTTL == 0 {
		config.LeaseTTL = 30 * time.Second
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}

	if config.Backoff == 0 {
		config.Backoff = 100 * time.Millisecond
	}

	if config.BackoffJitter == 0 {
		config.BackoffJitter = 0.5
	}

	l := &DistLock{config: config}

	l.log = config.Logger
	if l.log == nil {
		l.log = ctxd.NoOpLogger{}
	}

	l.stat = config.Stats
	if l.stat == nil {
		l.stat = stats.NoOp{}
	}

	return l
}

// TryWithLock runs build for key under a cluster-wide lease.
//
// On acquisition the remote tier is re-checked first, another process may have
// populated the key between the caller's miss and the lease grant. A freshly
// built value is written with a not-exists guard and the lease is released
// regardless of build outcome.
//
// Exhausting retries without acquiring the lease is an expected contention
// outcome reported as acquired=false with nil error, callers decide whether to
// fall back or surface a failure. A context cancellation aborts the retry loop
// early with the context error.
func (l *DistLock) TryWithLock(ctx context.Context, key string, build BuildFunc, expiry Expiration) (value interface{}, acquired bool, err error) {
	name := key + leaseSuffix

	for attempt := 0; ; attempt++ {
		ok, err := l.config.Remote.TryAcquireLease(ctx, name, l.config.Owner, l.config.LeaseTTL)
		if err != nil {
			return nil, false, ctxd.WrapError(ctx, err, "failed to acquire lease",
				"name", l.config.Name,
				"key", key)
		}

		if ok {
			v, err := l.locked(ctx, key, name, build, expiry)

			return v, true, err
		}

		if attempt >= l.config.MaxRetries {
			break
		}

		l.stat.Add(ctx, MetricLeaseRetry, 1, "name", l.config.Name)

		select {
		case <-time.After(l.backoff()):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	l.stat.Add(ctx, MetricLeaseExhausted, 1, "name", l.config.Name)
	l.log.Warn(ctx, "distributed lease retries exhausted",
		"name", l.config.Name,
		"key", key,
		"retries", l.config.MaxRetries)

	return nil, false, nil
}

func (l *DistLock) locked(ctx context.Context, key, name string, build BuildFunc, expiry Expiration) (interface{}, error) {
	defer func() {
		if err := l.config.Remote.ReleaseLease(ctx, name, l.config.Owner); err != nil {
			// Lease TTL is the safety net, release failure is not fatal.
			l.log.Warn(ctx, "failed to release lease",
				"error", err,
				"name", l.config.Name,
				"key", key)
		}
	}()

	// Double-check, another process may have populated the key before the
	// lease was granted.
	v, found, err := l.config.Remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		return v, nil
	}

	l.stat.Add(ctx, MetricBuild, 1, "name", l.config.Name)

	v, err = build(ctx)
	if err != nil {
		l.stat.Add(ctx, MetricFailedBuild, 1, "name", l.config.Name)

		return nil, err
	}

	// A forced refresh replaces the value being skipped, the not-exists guard
	// would block it.
	if SkipRead(ctx) {
		if err := l.config.Remote.Set(ctx, key, v, expiry); err != nil {
			return nil, err
		}

		return v, nil
	}

	ok, err := l.config.Remote.SetIfAbsent(ctx, key, v, expiry.TTL(time.Now()))
	if err != nil {
		return nil, err
	}

	if !ok {
		// An unlocked writer slipped in, its value wins.
		if cur, found, err := l.config.Remote.Get(ctx, key); err == nil && found {
			return cur, nil
		}
	}

	return v, nil
}

func (l *DistLock) backoff() time.Duration {
	d := l.config.Backoff

	if l.config.BackoffJitter > 0 {
		d += time.Duration(float64(d) * l.config.BackoffJitter * (rand.Float64() - 0.5)) // nolint:gosec
	}

	return d
}
