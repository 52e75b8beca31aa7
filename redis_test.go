package dcache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bool64/dcache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisTier connects to a real Redis instance, REDIS_ADDR gates the test,
// e.g. REDIS_ADDR=localhost:6379.
func redisTier(t *testing.T) *dcache.RedisTier {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})

	return dcache.NewRedisTier(dcache.RedisConfig{
		Name:      "integration",
		Client:    client,
		KeyPrefix: "dcache-test:" + uuid.NewString() + ":",
	})
}

func TestRedisTier_integration(t *testing.T) {
	c := redisTier(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", 123, dcache.ExpireAfter(time.Minute)))

	v, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 123, v)

	exists, err := c.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err := c.SetIfAbsent(ctx, "key", 456, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Expire(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := c.Remove(ctx, "key")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err = c.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, found)

	// A write with a past absolute expiration must not store anything.
	require.NoError(t, c.Set(ctx, "dead", 1, dcache.ExpireAt(time.Now().Add(-time.Second))))

	exists, err = c.Exists(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisTier_integration_leases(t *testing.T) {
	c := redisTier(t)
	ctx := context.Background()

	ok, err := c.TryAcquireLease(ctx, "lease", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.TryAcquireLease(ctx, "lease", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Foreign release must not free the lease.
	require.NoError(t, c.ReleaseLease(ctx, "lease", "node-b"))

	ok, err = c.TryAcquireLease(ctx, "lease", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLease(ctx, "lease", "node-a"))

	ok, err = c.TryAcquireLease(ctx, "lease", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.ReleaseLease(ctx, "lease", "node-b"))
}

func TestRedisTier_integration_pubsub(t *testing.T) {
	c := redisTier(t)
	ctx := context.Background()

	got := make(chan string, 1)

	sub, err := c.Subscribe(ctx, "dcache-test-chan", func(message string) {
		got <- message
	})
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, sub.Close())
	}()

	_, err = c.Publish(ctx, "dcache-test-chan", "origin:key")
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "origin:key", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestCoordinator_integration_redis(t *testing.T) {
	remote := redisTier(t)
	ctx := context.Background()

	nodeA := newTestCoordinator(t, remote, "redis-node-a")
	nodeB := newTestCoordinator(t, remote, "redis-node-b")

	v, err := nodeA.GetOrAdd(ctx, "user", func(ctx context.Context) (interface{}, error) {
		return cachedUser{Name: "jane", Age: 30}, nil
	}, dcache.ExpireAfter(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, cachedUser{Name: "jane", Age: 30}, v)

	v, err = nodeB.Get(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, cachedUser{Name: "jane", Age: 30}, v)

	require.NoError(t, nodeA.NotifyChangeFor(ctx, "user"))

	// Redis pubsub delivery is asynchronous.
	assert.Eventually(t, func() bool {
		_, err := nodeB.Get(ctx, "user")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}
