// Copyright (C) 2026 Streamgate Contributors
// Tests for the admission middleware

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/services/gateway/config"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/store"
	"github.com/streamgate/streamgate/services/gateway/tracking"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type admissionFixture struct {
	store   *store.MemoryStore
	pool    *resilience.Pool
	limiter *resilience.RateLimiter
	tracker *tracking.Tracker
	router  *gin.Engine
}

func newAdmissionFixture(maxGlobal, maxPerUser, rateLimit int64) *admissionFixture {
	cs := store.NewMemoryStore()
	pool := resilience.NewPool(cs, resilience.PoolConfig{
		MaxGlobal:  maxGlobal,
		MaxPerUser: maxPerUser,
	}, nil, nil)
	limiter := resilience.NewRateLimiter(cs, resilience.RateLimiterConfig{
		Default: config.RateSpec{Limit: rateLimit, Period: time.Minute},
		Premium: config.RateSpec{Limit: 1000, Period: time.Minute},
	}, nil, nil)
	tracker := tracking.NewTracker(tracking.Config{SamplingRate: 1.0}, nil, nil)

	router := gin.New()
	router.POST("/guarded", AdmissionMiddleware(pool, limiter, tracker), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"thread_id": GetThreadID(c),
			"user_id":   GetUserID(c),
			"tier":      string(GetTier(c)),
		})
	})
	return &admissionFixture{store: cs, pool: pool, limiter: limiter, tracker: tracker, router: router}
}

func (f *admissionFixture) do(headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/guarded", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	f.router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Identity Assignment
// =============================================================================

func TestAdmission_AssignsThreadID(t *testing.T) {
	f := newAdmissionFixture(10, 10, 100)

	w := f.do(nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(ThreadIDHeader), "a generated thread id is echoed back")
}

func TestAdmission_HonorsClientThreadID(t *testing.T) {
	f := newAdmissionFixture(10, 10, 100)

	w := f.do(map[string]string{ThreadIDHeader: "client-thread-7"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client-thread-7", w.Header().Get(ThreadIDHeader))
	assert.Contains(t, w.Body.String(), "client-thread-7")
}

func TestAdmission_AnonymousDefault(t *testing.T) {
	f := newAdmissionFixture(10, 10, 100)

	w := f.do(nil)
	assert.Contains(t, w.Body.String(), `"user_id":"anonymous"`)
	assert.Contains(t, w.Body.String(), `"tier":"default"`)
}

// =============================================================================
// Rejections
// =============================================================================

func TestAdmission_PoolExhaustedReturns503(t *testing.T) {
	f := newAdmissionFixture(1, 1, 100)
	ctx := context.Background()

	// Occupy the only slot out of band so the request finds a full pool.
	require.NoError(t, f.pool.Acquire(ctx, "squatter", "held"))

	w := f.do(map[string]string{UserIDHeader: "alice"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "pool_exhausted")
}

func TestAdmission_UserLimitReturns429(t *testing.T) {
	f := newAdmissionFixture(10, 1, 100)
	ctx := context.Background()

	require.NoError(t, f.pool.Acquire(ctx, "alice", "held"))

	w := f.do(map[string]string{UserIDHeader: "alice"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "user_limit_exceeded")
}

func TestAdmission_RateLimitReturns429WithRetryAfter(t *testing.T) {
	f := newAdmissionFixture(10, 10, 2)

	assert.Equal(t, http.StatusOK, f.do(map[string]string{UserIDHeader: "alice"}).Code)
	assert.Equal(t, http.StatusOK, f.do(map[string]string{UserIDHeader: "alice"}).Code)

	w := f.do(map[string]string{UserIDHeader: "alice"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAdmission_PremiumTierUsesPremiumQuota(t *testing.T) {
	f := newAdmissionFixture(100, 100, 2)

	headers := map[string]string{UserIDHeader: "alice", TierHeader: "premium"}
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, f.do(headers).Code)
	}
}

// =============================================================================
// Cleanup
// =============================================================================

func TestAdmission_ReleasesSlotAfterRequest(t *testing.T) {
	f := newAdmissionFixture(10, 10, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, f.do(map[string]string{UserIDHeader: "alice"}).Code)
	}

	stats := f.pool.Stats(ctx)
	assert.Equal(t, int64(0), stats.Current, "every slot must be released when the request ends")
}

func TestAdmission_ClearsTrackingState(t *testing.T) {
	f := newAdmissionFixture(10, 10, 100)

	w := f.do(map[string]string{ThreadIDHeader: "thread-1"})
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := f.tracker.ExecutionSummary("thread-1")
	assert.False(t, ok, "per-thread trace is cleared after the request")
}

func TestAdmission_RejectedRequestLeavesNoState(t *testing.T) {
	f := newAdmissionFixture(1, 1, 100)
	ctx := context.Background()
	require.NoError(t, f.pool.Acquire(ctx, "squatter", "held"))

	w := f.do(map[string]string{ThreadIDHeader: "thread-1"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	_, ok := f.tracker.ExecutionSummary("thread-1")
	assert.False(t, ok)
	stats := f.pool.Stats(ctx)
	assert.Equal(t, int64(1), stats.Current, "only the squatter's slot remains")
}
