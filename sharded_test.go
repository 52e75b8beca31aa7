package dcache_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bool64/dcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMap(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewShardedMap(dcache.MemoryConfig{
		TimeToLive:       time.Millisecond,
		ExpirationJitter: -1,
	})
	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", 123, dcache.DefaultExpiration()))

	v, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 123, v)

	time.Sleep(2 * time.Millisecond)

	_, found, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "key", 123, dcache.NoExpiration()))

	removed, err := c.Remove(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, c.Len())
}

func TestShardedMap_sliding(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewShardedMap()

	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", 123,
		dcache.SlidingExpiration(40*time.Millisecond).WithBackstop(100*time.Millisecond)))

	time.Sleep(25 * time.Millisecond)

	_, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)

	// Renewed by the previous read.
	time.Sleep(25 * time.Millisecond)

	_, found, err = c.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)

	// Backstop cuts renewals off.
	time.Sleep(80 * time.Millisecond)

	_, found, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestShardedMap_concurrency(t *testing.T) {
	c := dcache.NewShardedMap()

	defer c.Close()

	ctx := context.Background()

	wg := sync.WaitGroup{}

	for r := 0; r < 50; r++ {
		wg.Add(1)

		go func(r int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				k := "key" + strconv.Itoa(r) + ":" + strconv.Itoa(i)

				assert.NoError(t, c.Set(ctx, k, i, dcache.DefaultExpiration()))

				v, found, err := c.Get(ctx, k)
				assert.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, i, v)
			}
		}(r)
	}

	wg.Wait()

	assert.Equal(t, 5000, c.Len())
}
