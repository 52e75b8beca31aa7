package dcache_test

import (
	"testing"
	"time"

	"github.com/bool64/dcache"
	"github.com/stretchr/testify/assert"
)

func TestSlidingExpiration_defaultBackstop(t *testing.T) {
	e := dcache.SlidingExpiration(3 * time.Second)

	assert.Equal(t, dcache.ExpireSliding, e.Kind)
	assert.Equal(t, 3*time.Second, e.Window)
	assert.Equal(t, 30*time.Second, e.Backstop, "backstop defaults to 10x the window")

	e = e.WithBackstop(5 * time.Second)
	assert.Equal(t, 5*time.Second, e.Backstop)
}

func TestExpiration_TTL(t *testing.T) {
	now := time.Now()

	assert.Equal(t, time.Duration(0), dcache.DefaultExpiration().TTL(now))
	assert.Equal(t, time.Duration(-1), dcache.NoExpiration().TTL(now))
	assert.Equal(t, time.Minute, dcache.ExpireAt(now.Add(time.Minute)).TTL(now))
	assert.Equal(t, 3*time.Second, dcache.SlidingExpiration(3*time.Second).TTL(now))

	// The negative range is reserved for entries that never expire.
	assert.Greater(t, dcache.ExpireAt(now.Add(-time.Minute)).TTL(now), time.Duration(0))

	assert.True(t, dcache.ExpireAt(now.Add(-time.Minute)).Expired(now))
	assert.False(t, dcache.ExpireAt(now.Add(time.Minute)).Expired(now))
	assert.False(t, dcache.NoExpiration().Expired(now))
}
