// Copyright (C) 2026 Streamgate Contributors
// Tests for the connection admission pool

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/services/gateway/store"
)

// =============================================================================
// Fault-Injecting Store
// =============================================================================

// faultStore wraps a MemoryStore and fails every call with
// store.ErrUnavailable while tripped. pairErr, when set, makes
// AcquirePair fail with that error instead.
type faultStore struct {
	mu      sync.Mutex
	inner   *store.MemoryStore
	tripped bool
	pairErr error
}

func newFaultStore(clock clockwork.Clock) *faultStore {
	return &faultStore{inner: store.NewMemoryStoreWithClock(clock)}
}

func (f *faultStore) trip(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripped = on
}

func (f *faultStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

func (f *faultStore) failPair(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairErr = err
}

func (f *faultStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if f.failing() {
		return 0, store.ErrUnavailable
	}
	return f.inner.Increment(ctx, key, delta)
}

func (f *faultStore) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	if f.failing() {
		return 0, store.ErrUnavailable
	}
	return f.inner.Decrement(ctx, key, delta)
}

func (f *faultStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if f.failing() {
		return 0, false, store.ErrUnavailable
	}
	return f.inner.Get(ctx, key)
}

func (f *faultStore) SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if f.failing() {
		return store.ErrUnavailable
	}
	return f.inner.SetWithExpiry(ctx, key, value, ttl)
}

func (f *faultStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if f.failing() {
		return 0, store.ErrUnavailable
	}
	return f.inner.IncrementWithExpiry(ctx, key, delta, ttl)
}

func (f *faultStore) AddToSet(ctx context.Context, setKey, member string) error {
	if f.failing() {
		return store.ErrUnavailable
	}
	return f.inner.AddToSet(ctx, setKey, member)
}

func (f *faultStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	if f.failing() {
		return store.ErrUnavailable
	}
	return f.inner.RemoveFromSet(ctx, setKey, member)
}

func (f *faultStore) AcquirePair(ctx context.Context, globalKey, userKey string, maxGlobal, maxUser int64) (store.AcquireResult, error) {
	if f.failing() {
		return store.AcquireResult{}, store.ErrUnavailable
	}
	f.mu.Lock()
	pairErr := f.pairErr
	f.mu.Unlock()
	if pairErr != nil {
		return store.AcquireResult{}, pairErr
	}
	return f.inner.AcquirePair(ctx, globalKey, userKey, maxGlobal, maxUser)
}

var _ store.CounterStore = (*faultStore)(nil)

// =============================================================================
// Helpers
// =============================================================================

func newTestPool(t *testing.T, cs store.CounterStore, maxGlobal, maxPerUser int64) *Pool {
	t.Helper()
	return newPoolWithClock(cs, PoolConfig{
		MaxGlobal:  maxGlobal,
		MaxPerUser: maxPerUser,
	}, nil, nil, clockwork.NewFakeClock())
}

// =============================================================================
// Acquire / Release
// =============================================================================

func TestPoolAcquire_GlobalCeiling(t *testing.T) {
	ctx := context.Background()
	cs := store.NewMemoryStore()
	pool := newTestPool(t, cs, 2, 2)

	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	require.NoError(t, pool.Acquire(ctx, "bob", "t2"))

	err := pool.Acquire(ctx, "carol", "t3")
	require.Error(t, err)
	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int64(2), exhausted.Current)
	assert.Equal(t, int64(2), exhausted.Max)

	// Releasing one slot lets the next acquire through.
	pool.Release(ctx, "alice", "t1")
	assert.NoError(t, pool.Acquire(ctx, "carol", "t3"))
}

func TestPoolAcquire_PerUserCeiling(t *testing.T) {
	ctx := context.Background()
	cs := store.NewMemoryStore()
	pool := newTestPool(t, cs, 100, 2)

	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	require.NoError(t, pool.Acquire(ctx, "alice", "t2"))

	err := pool.Acquire(ctx, "alice", "t3")
	var userLimit *UserLimitExceededError
	require.ErrorAs(t, err, &userLimit)
	assert.Equal(t, "alice", userLimit.UserID)
	assert.Equal(t, int64(2), userLimit.Limit)

	// Other users are unaffected.
	assert.NoError(t, pool.Acquire(ctx, "bob", "t4"))

	// Rejection must not leak a global slot.
	stats := pool.Stats(ctx)
	assert.Equal(t, int64(3), stats.Current)
}

func TestPoolAcquire_ConcurrentNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	cs := store.NewMemoryStore()
	const maxGlobal = 10
	pool := newTestPool(t, cs, maxGlobal, maxGlobal)

	var wg sync.WaitGroup
	var admitted int64
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if pool.Acquire(ctx, "alice", fmt.Sprintf("t%d", n)) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(maxGlobal), admitted)
	v, ok, err := cs.Get(ctx, "pool:global")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(maxGlobal), v)
}

func TestPoolRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	cs := store.NewMemoryStore()
	pool := newTestPool(t, cs, 5, 5)

	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	pool.Release(ctx, "alice", "t1")
	pool.Release(ctx, "alice", "t1")
	pool.Release(ctx, "alice", "t1")

	v, _, err := cs.Get(ctx, "pool:global")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "duplicate releases must not drive the counter negative")
}

func TestPoolRelease_UntrackedThreadDoesNotDecrement(t *testing.T) {
	ctx := context.Background()
	cs := store.NewMemoryStore()
	pool := newTestPool(t, cs, 5, 5)

	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	pool.Release(ctx, "bob", "never-acquired")

	v, _, err := cs.Get(ctx, "pool:global")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "alice's live slot must survive a stray release")
}

// =============================================================================
// Health Tiers
// =============================================================================

func TestPoolStats_HealthTiers(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		want    PoolState
	}{
		{"empty pool is healthy", 0, PoolHealthy},
		{"below degraded threshold", 6, PoolHealthy},
		{"at degraded threshold", 7, PoolDegraded},
		{"at critical threshold", 9, PoolCritical},
		{"full pool is exhausted", 10, PoolExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cs := store.NewMemoryStore()
			pool := newTestPool(t, cs, 10, 10)
			for i := int64(0); i < tt.current; i++ {
				require.NoError(t, pool.Acquire(ctx, "alice", fmt.Sprintf("t%d", i)))
			}
			stats := pool.Stats(ctx)
			assert.Equal(t, tt.want, stats.State)
			assert.Equal(t, tt.current, stats.Current)
			assert.InDelta(t, float64(tt.current)/10.0, stats.Utilization, 1e-9)
		})
	}
}

// =============================================================================
// Degraded Mode
// =============================================================================

func TestPool_DegradedFallbackEnforcesLocally(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	fs := newFaultStore(clock)
	fs.trip(true)
	pool := newPoolWithClock(fs, PoolConfig{MaxGlobal: 2, MaxPerUser: 2}, nil, nil, clock)

	// Store is down from the start; admissions still work locally.
	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	require.NoError(t, pool.Acquire(ctx, "alice", "t2"))

	err := pool.Acquire(ctx, "alice", "t3")
	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)

	stats := pool.Stats(ctx)
	assert.True(t, stats.StoreDegraded)
	assert.Equal(t, int64(2), stats.Current)
}

func TestPool_StoreErrorDoesNotDrainForeignSlots(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	fs := newFaultStore(clock)
	pool := newPoolWithClock(fs, PoolConfig{MaxGlobal: 10, MaxPerUser: 10}, nil, nil, clock)

	// Three sessions admitted by other instances live in the store.
	_, err := fs.Increment(ctx, "pool:global", 3)
	require.NoError(t, err)

	// The store errors without being unreachable. The session is
	// admitted locally, so its release must stay local too.
	fs.failPair(errors.New("WRONGTYPE operation against a key"))
	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	assert.True(t, pool.Stats(ctx).StoreDegraded)
	pool.Release(ctx, "alice", "t1")

	v, ok, err := fs.Get(ctx, "pool:global")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), v, "foreign sessions must keep their slots")

	// Recovery pushes only the net delta of local admissions, which is
	// zero after the acquire/release pair above.
	fs.failPair(nil)
	clock.Advance(6 * time.Second)
	require.NoError(t, pool.Acquire(ctx, "bob", "t2"))
	assert.False(t, pool.Stats(ctx).StoreDegraded)

	v, _, err = fs.Get(ctx, "pool:global")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v, "store holds the three foreign slots plus bob's")
}

func TestPool_ReconcilesAfterStoreRecovers(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	fs := newFaultStore(clock)
	fs.trip(true)
	pool := newPoolWithClock(fs, PoolConfig{MaxGlobal: 10, MaxPerUser: 10}, nil, nil, clock)

	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))
	require.NoError(t, pool.Acquire(ctx, "alice", "t2"))
	pool.Release(ctx, "alice", "t2")

	fs.trip(false)
	clock.Advance(6 * time.Second)

	// The next acquire probes the store and pushes the net delta (+1).
	require.NoError(t, pool.Acquire(ctx, "bob", "t3"))

	stats := pool.Stats(ctx)
	assert.False(t, stats.StoreDegraded)

	v, ok, err := fs.Get(ctx, "pool:global")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v, "store should hold alice's surviving slot plus bob's")
}
