// Package dcache coordinates a fast bounded local cache tier with a slower
// shared remote tier across a fleet of processes.
//
// Features:
//
//   - GetOrAdd builds a missing value at most once per key under concurrent
//     access, both within one process (lock table) and across processes
//     (lease-based distributed lock with double-check).
//   - Remote writes are guarded by a not-exists condition to never clobber a
//     value another process just wrote.
//   - External mutations are propagated with a publish/subscribe invalidation
//     channel, with self-echo suppression on the originating node.
//   - Per-key lock handles have their own bounded lifetime, independent of
//     cached value expiration, with guaranteed resource cleanup on eviction.
//   - Sliding expiration always carries an absolute backstop, so an entry
//     refreshed indefinitely by reads still expires eventually.
//   - Allows logging and stats collection, propagates context.
package dcache

import "context"

// BuildFunc computes a value for a missing key.
//
// It may perform arbitrary I/O and should honor ctx cancellation.
type BuildFunc func(ctx context.Context) (interface{}, error)
