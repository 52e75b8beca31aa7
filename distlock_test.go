package dcache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bool64/dcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistLock_TryWithLock_singleWriter(t *testing.T) {
	remote := dcache.NewMemRemote()
	ctx := context.Background()

	nodeA := dcache.NewDistLock(dcache.DistLockConfig{
		Remote:  remote,
		Owner:   "node-a",
		Backoff: time.Millisecond,
	})
	nodeB := dcache.NewDistLock(dcache.DistLockConfig{
		Remote:  remote,
		Owner:   "node-b",
		Backoff: time.Millisecond,
	})

	var (
		mu     sync.Mutex
		builds int
	)

	build := func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		builds++
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		return 42, nil
	}

	wg := sync.WaitGroup{}
	wg.Add(2)

	var va, vb interface{}

	go func() {
		defer wg.Done()

		v, acquired, err := nodeA.TryWithLock(ctx, "key", build, dcache.DefaultExpiration())
		assert.NoError(t, err)
		assert.True(t, acquired)

		va = v
	}()

	go func() {
		defer wg.Done()

		v, acquired, err := nodeB.TryWithLock(ctx, "key", build, dcache.DefaultExpiration())
		assert.NoError(t, err)
		assert.True(t, acquired)

		vb = v
	}()

	wg.Wait()

	assert.Equal(t, 1, builds, "build must run once cluster-wide")
	assert.Equal(t, 42, va)
	assert.Equal(t, 42, vb)
}

func TestDistLock_TryWithLock_retriesExhausted(t *testing.T) {
	remote := dcache.NewMemRemote()
	ctx := context.Background()

	// A foreign process holds the lease for the whole test.
	ok, err := remote.TryAcquireLease(ctx, "key.lock", "foreign", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	l := dcache.NewDistLock(dcache.DistLockConfig{
		Remote:     remote,
		Owner:      "node-a",
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	})

	v, acquired, err := l.TryWithLock(ctx, "key", func(ctx context.Context) (interface{}, error) {
		t.Fatal("build must not run without the lease")

		return nil, nil
	}, dcache.DefaultExpiration())

	assert.NoError(t, err, "exhausted retries are an expected contention outcome")
	assert.False(t, acquired)
	assert.Nil(t, v)
}

func TestDistLock_TryWithLock_contextAbortsRetries(t *testing.T) {
	remote := dcache.NewMemRemote()
	ctx := context.Background()

	ok, err := remote.TryAcquireLease(ctx, "key.lock", "foreign", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	l := dcache.NewDistLock(dcache.DistLockConfig{
		Remote:     remote,
		Owner:      "node-a",
		MaxRetries: 1000,
		Backoff:    10 * time.Millisecond,
	})

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, acquired, err := l.TryWithLock(cctx, "key", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, dcache.DefaultExpiration())

	assert.False(t, acquired)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDistLock_TryWithLock_doubleCheck(t *testing.T) {
	remote := dcache.NewMemRemote()
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "key", "existing", dcache.DefaultExpiration()))

	l := dcache.NewDistLock(dcache.DistLockConfig{
		Remote: remote,
		Owner:  "node-a",
	})

	v, acquired, err := l.TryWithLock(ctx, "key", func(ctx context.Context) (interface{}, error) {
		t.Fatal("build must not run for a populated key")

		return nil, nil
	}, dcache.DefaultExpiration())

	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "existing", v)
}

func TestDistLock_TryWithLock_buildErrorReleasesLease(t *testing.T) {
	remote := dcache.NewMemRemote()
	ctx := context.Background()

	l := dcache.NewDistLock(dcache.DistLockConfig{
		Remote: remote,
		Owner:  "node-a",
	})

	buildErr := errors.New("backend down")

	_, acquired, err := l.TryWithLock(ctx, "key", func(ctx context.Context) (interface{}, error) {
		return nil, buildErr
	}, dcache.DefaultExpiration())

	assert.True(t, acquired)
	assert.True(t, errors.Is(err, buildErr))

	// Nothing cached, lease released for the next attempt.
	_, found, err := remote.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	ok, err := remote.TryAcquireLease(ctx, "key.lock", "node-b", time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok, "lease must be released after a failed build")
}
