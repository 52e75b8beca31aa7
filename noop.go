package dcache

import "context"

// NoOp is a Tier stub, it disables the local tier.
type NoOp struct{}

var _ Tier = NoOp{}

// Exists does not find anything.
func (NoOp) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// Get does not find anything.
func (NoOp) Get(ctx context.Context, key string) (interface{}, bool, error) {
	return nil, false, nil
}

// Set discards value.
func (NoOp) Set(ctx context.Context, key string, v interface{}, expiry Expiration) error {
	return nil
}

// Remove does nothing.
func (NoOp) Remove(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// RemoveAll does nothing.
func (NoOp) RemoveAll(ctx context.Context, keys []string) error {
	return nil
}
