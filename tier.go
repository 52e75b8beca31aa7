package dcache

import (
	"context"
	"time"
)

// Tier is a key-value store layer consumed by the coordinator.
//
// Implementations must be safe for concurrent use. The coordinator never
// inspects stored values beyond existence.
type Tier interface {
	// Exists reports entry presence without reading the value.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the value for key, found=false on miss or expired entry.
	Get(ctx context.Context, key string) (value interface{}, found bool, err error)

	// Set stores value with an expiration policy.
	Set(ctx context.Context, key string, value interface{}, expiry Expiration) error

	// Remove deletes an entry, reporting whether it existed.
	// Removing an absent key is not an error.
	Remove(ctx context.Context, key string) (bool, error)

	// RemoveAll deletes multiple entries.
	RemoveAll(ctx context.Context, keys []string) error
}

// Subscription is an active channel subscription.
type Subscription interface {
	// Close stops message delivery and releases the subscription.
	Close() error
}

// RemoteTier is the shared store behind all local tiers.
//
// Besides plain key-value access it provides the cross-process primitives the
// coordinator builds on: a not-exists-guarded write, a publish/subscribe
// channel and a lease for distributed mutual exclusion.
type RemoteTier interface {
	Tier

	// SetIfAbsent writes value only when key is currently absent.
	SetIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Expire renews the time to live of an existing entry, reporting whether
	// the entry was present.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Publish sends a message to every subscriber of channel and returns the
	// number of deliveries. Delivery is at-most-once, best-effort, unordered.
	Publish(ctx context.Context, channel string, message string) (int64, error)

	// Subscribe registers a handler for messages on channel.
	Subscribe(ctx context.Context, channel string, handler func(message string)) (Subscription, error)

	// TryAcquireLease takes a named time-bounded ownership token.
	// It fails when another owner currently holds the lease.
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease returns a lease held by owner. Releasing a lease owned by
	// somebody else is a no-op.
	ReleaseLease(ctx context.Context, name, owner string) error
}
