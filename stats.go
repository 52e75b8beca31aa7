package dcache

// Metric names for stats.Tracker.
const (
	// MetricHit is a counter of local tier cache hits.
	MetricHit = "cache_hit"

	// MetricMiss is a counter of local tier cache misses.
	MetricMiss = "cache_miss"

	// MetricExpired is a counter of expired entries served as misses.
	MetricExpired = "cache_expired"

	// MetricWrite is a counter of cache writes.
	MetricWrite = "cache_write"

	// MetricItems is a gauge of entries in cache.
	MetricItems = "cache_items"

	// MetricEvict is a counter of evicted entries.
	MetricEvict = "cache_evict"

	// MetricRemoteHit is a counter of remote tier hits backfilled locally.
	MetricRemoteHit = "cache_remote_hit"

	// MetricBuild is a counter of value builds.
	MetricBuild = "cache_build"

	// MetricFailedBuild is a counter of failed value builds.
	MetricFailedBuild = "cache_failed_build"

	// MetricLockEvict is a counter of lock handles evicted from the lock table.
	MetricLockEvict = "cache_lock_evict"

	// MetricLeaseRetry is a counter of distributed lease acquisition retries.
	MetricLeaseRetry = "cache_lease_retry"

	// MetricLeaseExhausted is a counter of distributed lease retry exhaustions.
	MetricLeaseExhausted = "cache_lease_exhausted"

	// MetricInvalidated is a counter of local evictions caused by invalidation
	// events from other nodes.
	MetricInvalidated = "cache_invalidated"

	// MetricInvalidationSuppressed is a counter of self-originated invalidation
	// events ignored on receipt.
	MetricInvalidationSuppressed = "cache_invalidation_suppressed"
)
