package dcache

import (
	"context"
	"time"
)

type (
	skipReadCtxKey     struct{}
	skipDistLockCtxKey struct{}
	localTTLCtxKey     struct{}
)

// WithSkipRead returns context with cache read ignored.
//
// With such context tiers should always report a miss, discarding cached
// value. A GetOrAdd then rebuilds the value and refreshes both tiers,
// replacing the remote copy unconditionally.
func WithSkipRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipReadCtxKey{}, true)
}

// SkipRead returns true if cache read is ignored in context.
func SkipRead(ctx context.Context) bool {
	_, ok := ctx.Value(skipReadCtxKey{}).(bool)
	return ok
}

// WithoutDistLock returns context with cross-process locking disabled for
// GetOrAdd.
//
// Concurrent processes may then each invoke the build function and the first
// not-exists-guarded write wins. This trades at-most-once computation for
// latency, use it only when duplicate builds are acceptable.
func WithoutDistLock(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipDistLockCtxKey{}, true)
}

// SkipDistLock returns true if cross-process locking is disabled in context.
func SkipDistLock(ctx context.Context) bool {
	_, ok := ctx.Value(skipDistLockCtxKey{}).(bool)
	return ok
}

// WithLocalTTL returns context overriding the local tier backfill time to live
// for a single call.
func WithLocalTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, localTTLCtxKey{}, ttl)
}

// LocalTTL returns the local backfill ttl override, zero if absent.
func LocalTTL(ctx context.Context) time.Duration {
	ttl, _ := ctx.Value(localTTLCtxKey{}).(time.Duration)
	return ttl
}
