// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamgate/streamgate/services/gateway/datatypes"
	"github.com/streamgate/streamgate/services/gateway/middleware"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/tracking"
)

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// HandleChatStream serves POST /v1/chat/stream: the completion is
// streamed back as SSE token events, with the whole upstream stream
// wrapped by the provider's circuit breaker.
//
// # Description
//
// The handler holds the connection open for the duration of the
// upstream stream. A heartbeat goroutine emits SSE comments during
// idle stretches; a client disconnect cancels the request context,
// which aborts the upstream call mid-stream. The pool slot held by the
// admission middleware is released when this handler returns,
// regardless of how the stream ended.
//
// # Limitations
//
//   - Tokens are forwarded as-is; no server-side buffering or reflow.
func HandleChatStream(providers *ProviderSet, registry *resilience.BreakerRegistry,
	tracker *tracking.Tracker) gin.HandlerFunc {

	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the stream request", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}

		client, err := providers.Resolve(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		span.SetAttributes(attribute.String("llm.provider", client.ProviderKey()))

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writer, err := NewGinSSEWriter(c.Writer)
		if err != nil {
			slog.Error("SSE not supported by response writer", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
			return
		}

		threadID := middleware.GetThreadID(c)
		scope := tracker.StartStage("stream_generate", "upstream stream", threadID, false)
		scope.SetMetadata("provider", client.ProviderKey())

		if err := writer.WriteStatus("Generating..."); err != nil {
			scope.End(err)
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Heartbeat keepalive during idle stretches of the upstream
		// stream. Stops when the stream finishes or the client goes away.
		heartbeatDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-streamCtx.Done():
					return
				case <-heartbeatDone:
					return
				case <-ticker.C:
					if err := writer.WriteKeepalive(); err != nil {
						slog.Debug("Keepalive write failed, client likely disconnected")
						cancel()
						return
					}
				}
			}
		}()

		// tokenCount is atomic because a timed-out upstream call is
		// abandoned by the breaker, and its goroutine may still be
		// running the delta callback while this handler reads the count.
		var tokenCount atomic.Int64
		err = registry.Execute(streamCtx, client.ProviderKey(), func(ctx context.Context) error {
			return client.GenerateStream(ctx, req.Prompt, req.Params, func(delta string) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				tokenCount.Add(1)
				return writer.WriteToken(delta)
			})
		})
		close(heartbeatDone)
		scope.End(err)
		span.AddEvent("stream_complete", trace.WithAttributes(
			attribute.Int64("tokens_forwarded", tokenCount.Load()),
		))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeStreamError(writer, client.ProviderKey(), err)
			return
		}

		if err := writer.WriteDone(threadID); err != nil {
			slog.Debug("Failed to write done event", "error", err)
		}
	}
}

// writeStreamError reports a mid-stream failure to the client. Headers
// are already sent at this point, so the error travels as an SSE event
// rather than an HTTP status. Call outcome metrics are recorded by the
// breaker's Execute, not here.
func writeStreamError(writer SSEWriter, provider string, err error) {
	var open *resilience.CircuitOpenError
	switch {
	case errors.As(err, &open):
		_ = writer.WriteError("upstream temporarily unavailable, try again later")
	case errors.Is(err, context.Canceled):
		// Client disconnected; nothing left to write to.
		slog.Debug("Stream aborted by client disconnect", "provider", provider)
	default:
		slog.Error("Upstream stream failed", "provider", provider, "error", err)
		_ = writer.WriteError(err.Error())
	}
}
