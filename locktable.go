package dcache

import (
	"context"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/puzpuzpuz/xsync"
)

// LockTableConfig is optional configuration for NewLockTable.
type LockTableConfig struct {
	// Name is added to logs and stats.
	Name string

	// HandleTTL is lock handle lifetime, refreshed on every acquisition,
	// default 1m. Independent of any cached value expiration.
	HandleTTL time.Duration

	// EvictInterval is delay between two eviction sweeps, default 1m.
	EvictInterval time.Duration

	// OnEvict is called synchronously after a handle's wait primitive is
	// released on eviction, at most once per handle.
	OnEvict func(key string)

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// LockHandle is the right to (re)compute the value for one key.
//
// There is exactly one live handle per key, owned collectively by all waiters
// for that key.
type LockHandle struct {
	key string

	// sem holds a single token when the handle is free.
	sem chan struct{}

	// done is closed on eviction to wake waiters so they retry on a fresh
	// handle.
	done chan struct{}

	// expireAt is read and written only while holding the token.
	expireAt time.Time
}

// Key returns the owning key.
func (h *LockHandle) Key() string {
	return h.key
}

func newLockHandle(key string, ttl time.Duration) *LockHandle {
	h := &LockHandle{
		key:      key,
		sem:      make(chan struct{}, 1),
		done:     make(chan struct{}),
		expireAt: time.Now().Add(ttl),
	}
	h.sem <- struct{}{}

	return h
}

// LockTable hands out one mutual-exclusion handle per key to serialize
// concurrent recomputation attempts within one process.
//
// Handles carry their own bounded lifetime and are evicted with guaranteed
// release of the underlying wait primitive. Please use NewLockTable to create
// an instance.
type LockTable struct {
	handles *xsync.Map
	closed  chan struct{}

	config LockTableConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewLockTable creates a lock table with optional configuration.
func NewLockTable(cfg ...LockTableConfig) *LockTable {
	config := LockTableConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.HandleTTL == 0 {
		config.HandleTTL = time.Minute
	}

	if config.EvictInterval == 0 {
		config.EvictInterval = time.Minute
	}

	t := &LockTable{
		handles: xsync.NewMap(),
		closed:  make(chan struct{}),
		config:  config,
		log:     config.Logger,
		stat:    config.Stats,
	}

	if t.log == nil {
		t.log = ctxd.NoOpLogger{}
	}

	if t.stat == nil {
		t.stat = stats.NoOp{}
	}

	go t.janitor()

	return t
}

// Acquire blocks until the caller exclusively holds the handle for key.
//
// The handle for a key is created at most once, concurrent first-miss callers
// race on an atomic load-or-store and the losers adopt the winner's handle.
// Acquire fails only on context cancellation or an empty key.
func (t *LockTable) Acquire(ctx context.Context, key string) (*LockHandle, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	for {
		v, _ := t.handles.LoadOrStore(key, newLockHandle(key, t.config.HandleTTL))
		h := v.(*LockHandle)

		select {
		case <-h.sem:
			h.expireAt = time.Now().Add(t.config.HandleTTL)

			return h, nil
		case <-h.done:
			// Handle was evicted while waiting, retry on a fresh one.
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release signals the handle, allowing the next waiter to proceed.
func (t *LockTable) Release(h *LockHandle) {
	h.sem <- struct{}{}
}

// Contains reports whether a live handle exists for key.
func (t *LockTable) Contains(key string) bool {
	_, ok := t.handles.Load(key)

	return ok
}

// Len returns number of live handles.
func (t *LockTable) Len() int {
	n := 0
	t.handles.Range(func(_ string, _ interface{}) bool {
		n++

		return true
	})

	return n
}

// Close stops the eviction janitor.
func (t *LockTable) Close() {
	close(t.closed)
}

func (t *LockTable) janitor() {
	for {
		select {
		case <-time.After(t.config.EvictInterval):
			t.evictExpired()
		case <-t.closed:
			return
		}
	}
}

func (t *LockTable) evictExpired() {
	now := time.Now()

	t.handles.Range(func(key string, v interface{}) bool {
		h := v.(*LockHandle)

		select {
		case <-h.sem:
			// Expiration is checked while holding the token, a concurrent
			// acquisition would have refreshed it before the token became
			// obtainable here.
			if now.Before(h.expireAt) {
				h.sem <- struct{}{}

				return true
			}

			t.handles.Delete(key)
			// Releasing the wait primitive, waiters retry on a fresh handle.
			close(h.done)

			if t.config.OnEvict != nil {
				t.config.OnEvict(key)
			}

			t.stat.Add(context.Background(), MetricLockEvict, 1, "name", t.config.Name)
			t.log.Debug(context.Background(), "evicted lock handle",
				"name", t.config.Name,
				"key", key)
		default:
			// Held, skip.
		}

		return true
	})
}
