// Copyright (C) 2026 Streamgate Contributors
// Tests for the operational endpoints

package handlers

import (
	"context"
	"encoding/json"
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

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Pool Stats
// =============================================================================

func TestGetPoolStats(t *testing.T) {
	ctx := context.Background()
	cs := store.NewMemoryStore()
	pool := resilience.NewPool(cs, resilience.PoolConfig{MaxGlobal: 10, MaxPerUser: 5}, nil, nil)
	require.NoError(t, pool.Acquire(ctx, "alice", "t1"))

	router := gin.New()
	router.GET("/pool/stats", GetPoolStats(pool))

	w := get(router, "/pool/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats resilience.PoolStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Current)
	assert.Equal(t, int64(10), stats.Max)
	assert.Equal(t, resilience.PoolHealthy, stats.State)
}

// =============================================================================
// Breakers
// =============================================================================

func TestGetBreakers(t *testing.T) {
	ctx := context.Background()
	registry := resilience.NewBreakerRegistry(store.NewMemoryStore(), resilience.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
		CallTimeout:      time.Second,
	}, nil, nil)
	require.NoError(t, registry.Execute(ctx, "ollama", func(context.Context) error { return nil }))

	router := gin.New()
	router.GET("/breakers", GetBreakers(registry))

	w := get(router, "/breakers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"provider_key":"ollama"`)
	assert.Contains(t, w.Body.String(), `"state":"closed"`)
}

// =============================================================================
// Rate Limit Window
// =============================================================================

func TestGetRateLimitWindow(t *testing.T) {
	ctx := context.Background()
	limiter := resilience.NewRateLimiter(store.NewMemoryStore(), resilience.RateLimiterConfig{
		Default: config.RateSpec{Limit: 10, Period: time.Minute},
		Premium: config.RateSpec{Limit: 100, Period: time.Minute},
	}, nil, nil)
	require.NoError(t, limiter.Check(ctx, "alice", resilience.TierDefault))

	router := gin.New()
	router.GET("/ratelimit/:key", GetRateLimitWindow(limiter))

	w := get(router, "/ratelimit/alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = get(router, "/ratelimit/nobody")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Stage Statistics and Traces
// =============================================================================

func TestGetStageStatistics(t *testing.T) {
	tracker := tracking.NewTracker(tracking.Config{SamplingRate: 1.0}, nil, nil)
	scope := tracker.StartStage("generate", "g", "thread-1", true)
	scope.End(nil)

	router := gin.New()
	router.GET("/stats/stages/:stageID", GetStageStatistics(tracker))

	w := get(router, "/stats/stages/generate")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = get(router, "/stats/stages/nothing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(router, "/stats/stages/generate?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTrace(t *testing.T) {
	tracker := tracking.NewTracker(tracking.Config{SamplingRate: 1.0}, nil, nil)
	scope := tracker.StartStage("generate", "g", "thread-1", true)
	scope.End(nil)

	router := gin.New()
	router.GET("/trace/:threadID", GetTrace(tracker))

	w := get(router, "/trace/thread-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"thread_id":"thread-1"`)

	w = get(router, "/trace/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
