package dcache_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/dcache"
	"github.com/bool64/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	st := &stats.TrackerMock{}

	c := dcache.NewMemory(dcache.MemoryConfig{
		Name:                     "test",
		Stats:                    st,
		Logger:                   ctxd.NoOpLogger{},
		TimeToLive:               time.Millisecond,
		ExpirationJitter:         -1,
		DeleteExpiredAfter:       20 * time.Millisecond,
		DeleteExpiredJobInterval: 8 * time.Millisecond,
	})
	defer c.Close()

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "key", 123, dcache.DefaultExpiration()))

	v, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 123, v)

	exists, err := c.Exists(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, exists)

	// Expired.
	time.Sleep(2 * time.Millisecond)

	_, found, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	exists, err = c.Exists(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, 1, st.Int(dcache.MetricHit))
	assert.Equal(t, 1, st.Int(dcache.MetricMiss))
	assert.Equal(t, 1, st.Int(dcache.MetricExpired))
	assert.Equal(t, 1, st.Int(dcache.MetricWrite))
}

func TestMemory_Remove(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewMemory()

	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", 123, dcache.DefaultExpiration()))

	removed, err := c.Remove(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Remove(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, removed, "removing an absent key is a no-op")

	require.NoError(t, c.Set(ctx, "one", 1, dcache.DefaultExpiration()))
	require.NoError(t, c.Set(ctx, "two", 2, dcache.DefaultExpiration()))
	require.NoError(t, c.RemoveAll(ctx, []string{"one", "two"}))
	assert.Equal(t, 0, c.Len())
}

func TestMemory_expirationPolicies(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewMemory(dcache.MemoryConfig{
		TimeToLive:       time.Millisecond,
		ExpirationJitter: -1,
	})
	defer c.Close()

	require.NoError(t, c.Set(ctx, "eternal", 1, dcache.NoExpiration()))
	require.NoError(t, c.Set(ctx, "deadline", 2, dcache.ExpireAt(time.Now().Add(5*time.Millisecond))))

	time.Sleep(2 * time.Millisecond)

	// Default ttl entry would be gone by now, no-expiry entry survives.
	_, found, err := c.Get(ctx, "eternal")
	assert.NoError(t, err)
	assert.True(t, found)

	_, found, err = c.Get(ctx, "deadline")
	assert.NoError(t, err)
	assert.True(t, found)

	time.Sleep(5 * time.Millisecond)

	_, found, err = c.Get(ctx, "deadline")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_slidingBackstop(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewMemory()

	defer c.Close()

	// Sliding window of 60ms with a hard backstop of 150ms.
	require.NoError(t, c.Set(ctx, "key", 123,
		dcache.SlidingExpiration(60*time.Millisecond).WithBackstop(150*time.Millisecond)))

	start := time.Now()

	// Reads every 30ms keep renewing the entry within the backstop.
	for time.Since(start) < 100*time.Millisecond {
		time.Sleep(30 * time.Millisecond)

		_, found, err := c.Get(ctx, "key")
		require.NoError(t, err)
		require.True(t, found, "entry must stay alive while read within the window")
	}

	// Continued reads cannot push the entry past the backstop.
	time.Sleep(80 * time.Millisecond)

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found, "entry must expire at the backstop despite renewals")
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemory_slidingStopsWithoutReads(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewMemory()

	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", 123, dcache.SlidingExpiration(20*time.Millisecond)))

	time.Sleep(30 * time.Millisecond)

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found, "entry expires one window after the last read")
}

func TestMemory_ExpireAll(t *testing.T) {
	ctx := context.Background()
	c := dcache.NewMemory()

	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", 123, dcache.NoExpiration()))

	c.ExpireAll()
	time.Sleep(time.Millisecond)

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_concurrency(t *testing.T) {
	st := &stats.TrackerMock{}
	c := dcache.NewMemory(dcache.MemoryConfig{Stats: st})

	defer c.Close()

	ctx := context.Background()

	pipeline := make(chan struct{}, 500)
	n := 1000

	for i := 0; i < n; i++ {
		pipeline <- struct{}{}

		k := "oneone" + strconv.Itoa(i)

		go func() {
			defer func() {
				<-pipeline
			}()

			err := c.Set(ctx, k, 123, dcache.DefaultExpiration())
			assert.NoError(t, err)

			v, found, err := c.Get(ctx, k)
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 123, v)
		}()
	}

	// Waiting for goroutines to finish.
	for i := 0; i < cap(pipeline); i++ {
		pipeline <- struct{}{}
	}

	// Every distinct key has single write.
	assert.Equal(t, n, st.Int(dcache.MetricWrite), "total writes")
	assert.Equal(t, n, c.Len())
}
