// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgate/streamgate/services/gateway/handlers"
	"github.com/streamgate/streamgate/services/gateway/middleware"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/tracking"
)

// SetupRoutes wires the gateway's HTTP surface.
//
// Chat endpoints sit behind the admission middleware; operational
// endpoints are unguarded so they stay reachable when the pool is
// exhausted.
func SetupRoutes(router *gin.Engine, pool *resilience.Pool, registry *resilience.BreakerRegistry,
	limiter *resilience.RateLimiter, tracker *tracking.Tracker, providers *handlers.ProviderSet) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		chat := v1.Group("/chat")
		chat.Use(middleware.AdmissionMiddleware(pool, limiter, tracker))
		{
			chat.POST("/direct", handlers.HandleDirectChat(providers, registry, tracker))
			chat.POST("/stream", handlers.HandleChatStream(providers, registry, tracker))
		}

		v1.GET("/pool/stats", handlers.GetPoolStats(pool))
		v1.GET("/breakers", handlers.GetBreakers(registry))
		v1.GET("/ratelimit/:key", handlers.GetRateLimitWindow(limiter))

		stats := v1.Group("/stats")
		{
			stats.GET("/stages/:stageID", handlers.GetStageStatistics(tracker))
		}
		v1.GET("/trace/:threadID", handlers.GetTrace(tracker))
	}
}
