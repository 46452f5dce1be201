// Copyright (C) 2026 Streamgate Contributors
// Tests for the tiered rate limiter

package resilience

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/services/gateway/config"
	"github.com/streamgate/streamgate/services/gateway/store"
)

// testClock is minute-aligned so advancing within a test never crosses
// a window boundary unintentionally.
func testClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
}

func newTestLimiter(cs store.CounterStore, clock clockwork.Clock, burst int64) *RateLimiter {
	return newRateLimiterWithClock(cs, RateLimiterConfig{
		Default: config.RateSpec{Limit: 10, Period: time.Minute},
		Premium: config.RateSpec{Limit: 100, Period: time.Minute},
		Burst:   burst,
	}, nil, nil, clock)
}

// =============================================================================
// Window Semantics
// =============================================================================

func TestRateLimiter_RejectsAboveLimit(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Check(ctx, "alice", TierDefault), "call %d should pass", i+1)
	}

	err := limiter.Check(ctx, "alice", TierDefault)
	var rle *RateLimitExceededError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "alice", rle.Key)
	assert.Equal(t, int64(10), rle.Limit)
	assert.Greater(t, rle.ResetIn, time.Duration(0))
	assert.LessOrEqual(t, rle.ResetIn, time.Minute)
}

func TestRateLimiter_BurstExtendsLimit(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 3)

	// limit 10 + burst 3 = 13 admitted in one window.
	for i := 0; i < 13; i++ {
		require.NoError(t, limiter.Check(ctx, "alice", TierDefault))
	}
	var rle *RateLimitExceededError
	require.ErrorAs(t, limiter.Check(ctx, "alice", TierDefault), &rle)
}

func TestRateLimiter_NewWindowResetsCount(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Check(ctx, "alice", TierDefault))
	}
	require.Error(t, limiter.Check(ctx, "alice", TierDefault))

	// Rolling into the next minute starts a fresh window.
	clock.Advance(time.Minute)
	assert.NoError(t, limiter.Check(ctx, "alice", TierDefault))
}

func TestRateLimiter_RejectedCallsStillCount(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 0)

	for i := 0; i < 15; i++ {
		_ = limiter.Check(ctx, "alice", TierDefault)
	}
	count, _, ok := limiter.WindowStats("alice")
	require.True(t, ok)
	assert.Equal(t, int64(15), count, "rejected calls count toward the window")
}

func TestRateLimiter_TiersAreIndependentQuotas(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Check(ctx, "alice", TierDefault))
	}
	require.Error(t, limiter.Check(ctx, "alice", TierDefault))

	// A premium caller has a 100-call quota.
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Check(ctx, "bob", TierPremium))
	}
	require.Error(t, limiter.Check(ctx, "bob", TierPremium))
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPremium, ParseTier("premium"))
	assert.Equal(t, TierDefault, ParseTier("default"))
	assert.Equal(t, TierDefault, ParseTier(""))
	assert.Equal(t, TierDefault, ParseTier("platinum"))
}

// =============================================================================
// Store Sync
// =============================================================================

func TestRateLimiter_FlushSharesCountsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	shared := store.NewMemoryStoreWithClock(clock)
	limiterA := newTestLimiter(shared, clock, 0)
	limiterB := newTestLimiter(shared, clock, 0)

	// Instance A consumes 8 calls; its first check flushes, the rest sit
	// in the local cache until it goes stale.
	for i := 0; i < 8; i++ {
		require.NoError(t, limiterA.Check(ctx, "alice", TierDefault))
	}
	clock.Advance(2 * time.Second)
	limiterA.syncOnce(ctx)

	// Instance B's first check pulls the shared total of 8, so alice has
	// only two calls left there.
	require.NoError(t, limiterB.Check(ctx, "alice", TierDefault))
	require.NoError(t, limiterB.Check(ctx, "alice", TierDefault))
	var rle *RateLimitExceededError
	require.ErrorAs(t, limiterB.Check(ctx, "alice", TierDefault), &rle)
}

func TestRateLimiter_DegradedKeepsCountingLocally(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	fs := newFaultStore(clock)
	fs.trip(true)
	limiter := newTestLimiter(fs, clock, 0)

	// The first check tries to flush, hits the outage, and degrades.
	// Local enforcement still applies the full quota.
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Check(ctx, "alice", TierDefault))
	}
	require.Error(t, limiter.Check(ctx, "alice", TierDefault))
}

func TestRateLimiter_RecoversAfterOutage(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	fs := newFaultStore(clock)
	fs.trip(true)
	limiter := newTestLimiter(fs, clock, 0)

	require.NoError(t, limiter.Check(ctx, "alice", TierDefault))

	fs.trip(false)
	limiter.syncOnce(ctx)

	// Recovered: the next stale check flushes to the store again.
	clock.Advance(2 * time.Second)
	require.NoError(t, limiter.Check(ctx, "alice", TierDefault))
	limiter.syncOnce(ctx)

	windowStart := clock.Now().Truncate(time.Minute)
	v, ok, err := fs.Get(ctx, limiter.storeKey("alice", windowStart))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

// slowFlushStore stalls IncrementWithExpiry for keys containing
// blockSubstr until release is called; every other key passes straight
// through to the inner store.
type slowFlushStore struct {
	*store.MemoryStore
	blockSubstr string
	entered     chan struct{}
	gate        chan struct{}
	enterOnce   sync.Once
}

func newSlowFlushStore(clock clockwork.Clock, blockSubstr string) *slowFlushStore {
	return &slowFlushStore{
		MemoryStore: store.NewMemoryStoreWithClock(clock),
		blockSubstr: blockSubstr,
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
}

func (s *slowFlushStore) release() { close(s.gate) }

func (s *slowFlushStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if strings.Contains(key, s.blockSubstr) {
		s.enterOnce.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.MemoryStore.IncrementWithExpiry(ctx, key, delta, ttl)
}

func TestRateLimiter_SlowFlushDoesNotBlockOtherKeys(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	slow := newSlowFlushStore(clock, ":alice:")
	limiter := newTestLimiter(slow, clock, 0)

	// alice's first check goes stale immediately and flushes; the store
	// round trip stalls on the gate.
	aliceDone := make(chan error, 1)
	go func() { aliceDone <- limiter.Check(ctx, "alice", TierDefault) }()
	<-slow.entered

	// bob's check must complete while alice's flush is still in flight.
	bobDone := make(chan error, 1)
	go func() { bobDone <- limiter.Check(ctx, "bob", TierDefault) }()
	select {
	case err := <-bobDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("check blocked behind another key's store flush")
	}

	slow.release()
	require.NoError(t, <-aliceDone)
}

func TestRateLimiter_SyncLoopEvictsStaleWindows(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 0)

	require.NoError(t, limiter.Check(ctx, "alice", TierDefault))
	_, _, ok := limiter.WindowStats("alice")
	require.True(t, ok)

	clock.Advance(3 * time.Minute)
	limiter.syncOnce(ctx)

	_, _, ok = limiter.WindowStats("alice")
	assert.False(t, ok, "windows older than two periods are evicted")
}

func TestRateLimiter_StartAndClose(t *testing.T) {
	clock := testClock()
	limiter := newTestLimiter(store.NewMemoryStoreWithClock(clock), clock, 0)
	limiter.Start()
	limiter.Close()
}
