// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/streamgate/streamgate/services/gateway/datatypes"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/tracking"
)

// defaultStatsWindow is how many recent samples back stage statistics
// endpoints when the caller does not pass ?limit=.
const defaultStatsWindow = 100

// GetPoolStats serves GET /v1/pool/stats.
func GetPoolStats(pool *resilience.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, pool.Stats(c.Request.Context()))
	}
}

// GetBreakers serves GET /v1/breakers with one snapshot per known
// provider.
func GetBreakers(registry *resilience.BreakerRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": registry.Snapshot(c.Request.Context())})
	}
}

// GetRateLimitWindow serves GET /v1/ratelimit/:key, reporting the
// caller's current window from the local cache.
func GetRateLimitWindow(limiter *resilience.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		count, resetIn, ok := limiter.WindowStats(key)
		if !ok {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
				Error: "no active window for key",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"key":              key,
			"count":            count,
			"reset_in_seconds": int64(resetIn.Seconds()),
		})
	}
}

// GetStageStatistics serves GET /v1/stats/stages/:stageID with
// duration aggregates over recent sampled executions.
func GetStageStatistics(tracker *tracking.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		stageID := c.Param("stageID")
		limit := defaultStatsWindow
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
					Error: "limit must be a positive integer",
				})
				return
			}
			limit = parsed
		}
		stats, ok := tracker.StageStatistics(stageID, limit)
		if !ok {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
				Error: "no samples recorded for stage",
			})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// GetTrace serves GET /v1/trace/:threadID with the stage tree of a
// sampled in-flight or just-finished thread.
func GetTrace(tracker *tracking.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("threadID")
		summary, ok := tracker.ExecutionSummary(threadID)
		if !ok {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
				Error: "thread not tracked (unsampled, unknown, or already cleared)",
			})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
