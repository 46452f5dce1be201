// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints: the chat
// surface gated by admission control, and the read-only operational
// endpoints that expose pool, breaker, rate limit, and tracking state.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports liveness. The gateway is "up" even when the
// shared store is unreachable; degraded-mode detail lives in
// /v1/pool/stats.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
