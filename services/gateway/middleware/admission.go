// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway service.
//
// The admission middleware is the front door for every chat request:
// it assigns the thread identity, runs the tiered rate limiter, and
// acquires a connection pool slot before the handler executes. The
// slot is released and per-thread tracking state is cleared on every
// exit path, including handler panics recovered by gin.
//
//	Request
//	   │
//	   ▼
//	AdmissionMiddleware
//	   │
//	   ├─► Assign thread ID (X-Thread-ID or UUID v4)
//	   │
//	   ├─► limiter.Check(userID, tier)      → 429 on rejection
//	   │
//	   ├─► pool.Acquire(userID, threadID)   → 503 / 429 on rejection
//	   │
//	   └─► Handler
//	           │
//	           ▼
//	       pool.Release + tracker.ClearThread (deferred)
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamgate/streamgate/services/gateway/datatypes"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/tracking"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	threadIDKey = "streamgate_thread_id"
	userIDKey   = "streamgate_user_id"
	tierKey     = "streamgate_tier"
)

// ThreadIDHeader carries the client-assigned thread identity. When
// absent the middleware mints a UUID and echoes it back in the
// response so clients can correlate trace lookups.
const ThreadIDHeader = "X-Thread-ID"

// UserIDHeader identifies the caller for per-user ceilings and rate
// limit buckets. Anonymous callers share one bucket.
const UserIDHeader = "X-User-ID"

// TierHeader selects the rate limit tier. Unknown values fall back to
// the default tier.
const TierHeader = "X-Tier"

const anonymousUser = "anonymous"

// =============================================================================
// Context Helpers
// =============================================================================

// GetThreadID returns the thread ID assigned by the admission
// middleware, or "" if the middleware did not run.
func GetThreadID(c *gin.Context) string {
	return c.GetString(threadIDKey)
}

// GetUserID returns the caller identity assigned by the admission
// middleware, or "" if the middleware did not run.
func GetUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// GetTier returns the rate limit tier assigned by the admission
// middleware.
func GetTier(c *gin.Context) resilience.Tier {
	return resilience.ParseTier(c.GetString(tierKey))
}

// =============================================================================
// Admission Middleware
// =============================================================================

// AdmissionMiddleware gates chat endpoints behind the rate limiter and
// the connection admission pool.
//
// # Description
//
// The rate limiter runs first so that over-quota callers are rejected
// without consuming a pool slot. Pool acquisition follows; on success
// the slot is guaranteed to be released exactly once when the request
// finishes, whether the handler returned normally, streamed to
// completion, or aborted on client disconnect.
//
// # Thread Safety
//
// Safe for concurrent use; all shared state lives in the pool, limiter
// and tracker, which synchronize internally.
func AdmissionMiddleware(pool *resilience.Pool, limiter *resilience.RateLimiter,
	tracker *tracking.Tracker) gin.HandlerFunc {

	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			userID = anonymousUser
		}
		tier := resilience.ParseTier(c.GetHeader(TierHeader))

		threadID := c.GetHeader(ThreadIDHeader)
		if threadID == "" {
			threadID = uuid.NewString()
		}
		c.Set(threadIDKey, threadID)
		c.Set(userIDKey, userID)
		c.Set(tierKey, string(tier))
		c.Header(ThreadIDHeader, threadID)

		scope := tracker.StartStage("admission", "admission", threadID, false)
		scope.SetMetadata("user_id", userID)
		scope.SetMetadata("tier", string(tier))

		if err := limiter.Check(c.Request.Context(), userID, tier); err != nil {
			scope.End(err)
			tracker.ClearThread(threadID)
			rejectRateLimited(c, err)
			return
		}

		if err := pool.Acquire(c.Request.Context(), userID, threadID); err != nil {
			scope.End(err)
			tracker.ClearThread(threadID)
			rejectAdmission(c, err)
			return
		}
		scope.End(nil)

		defer func() {
			pool.Release(c.Request.Context(), userID, threadID)
			tracker.ClearThread(threadID)
		}()

		c.Next()
	}
}

// rejectRateLimited maps rate limiter errors onto 429 responses with a
// Retry-After hint.
func rejectRateLimited(c *gin.Context, err error) {
	var rle *resilience.RateLimitExceededError
	if errors.As(err, &rle) {
		retryAfter := int64(rle.ResetIn.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
			Error:      err.Error(),
			Code:       "rate_limited",
			RetryAfter: retryAfter,
		})
		return
	}
	slog.Error("Rate limiter rejected request with unexpected error", "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, datatypes.ErrorResponse{
		Error: "internal rate limiter error",
	})
}

// rejectAdmission maps pool acquisition errors onto HTTP statuses:
// global exhaustion is a capacity problem (503), a per-user ceiling is
// the caller's own concurrency (429).
func rejectAdmission(c *gin.Context, err error) {
	var exhausted *resilience.PoolExhaustedError
	if errors.As(err, &exhausted) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
			Error: err.Error(),
			Code:  "pool_exhausted",
		})
		return
	}
	var userLimit *resilience.UserLimitExceededError
	if errors.As(err, &userLimit) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
			Error: err.Error(),
			Code:  "user_limit_exceeded",
		})
		return
	}
	slog.Error("Pool acquisition failed with unexpected error", "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, datatypes.ErrorResponse{
		Error: "internal admission error",
	})
}
