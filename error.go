package dcache

// SentinelError is an error.
type SentinelError string

const (
	// ErrNotFound indicates missing cache entry.
	ErrNotFound = SentinelError("missing cache item")

	// ErrEmptyKey indicates an empty cache key passed where a key is required.
	ErrEmptyKey = SentinelError("empty cache key")

	// ErrNilBuildFunc indicates a missing build function on a miss path.
	ErrNilBuildFunc = SentinelError("nil build function")

	// ErrNoKeys indicates an empty collection passed to a batched operation.
	ErrNoKeys = SentinelError("no keys provided")

	// ErrLeaseUnavailable indicates distributed lock retries were exhausted
	// without establishing a unique writer.
	ErrLeaseUnavailable = SentinelError("distributed lease unavailable")

	// ErrInvalidOrigin indicates an origin tag that would be truncated by the
	// invalidation event encoding.
	ErrInvalidOrigin = SentinelError("origin tag must not contain ':'")

	// ErrClosed indicates component was closed and deactivated.
	ErrClosed = SentinelError("closed")
)

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}
