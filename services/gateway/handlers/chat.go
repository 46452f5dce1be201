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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/streamgate/streamgate/services/gateway/datatypes"
	"github.com/streamgate/streamgate/services/gateway/middleware"
	"github.com/streamgate/streamgate/services/gateway/resilience"
	"github.com/streamgate/streamgate/services/gateway/tracking"
	"github.com/streamgate/streamgate/services/llm"
)

var chatTracer = otel.Tracer("streamgate.gateway.handlers")

// =============================================================================
// Provider Resolution
// =============================================================================

// ProviderSet resolves a request's provider field to a registered
// upstream client. The zero provider resolves to the configured
// default.
type ProviderSet struct {
	clients    map[string]llm.LLMClient
	defaultKey string
}

// NewProviderSet builds a set with def as the default upstream.
func NewProviderSet(def llm.LLMClient) *ProviderSet {
	return &ProviderSet{
		clients:    map[string]llm.LLMClient{def.ProviderKey(): def},
		defaultKey: def.ProviderKey(),
	}
}

// Register adds another upstream client, keyed by its ProviderKey.
func (p *ProviderSet) Register(client llm.LLMClient) {
	p.clients[client.ProviderKey()] = client
}

// Resolve returns the client for name, or the default when name is
// empty.
func (p *ProviderSet) Resolve(name string) (llm.LLMClient, error) {
	if name == "" {
		name = p.defaultKey
	}
	client, ok := p.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return client, nil
}

// Keys returns the registered provider keys. Used by the breaker
// snapshot endpoint to pre-create breakers for known upstreams.
func (p *ProviderSet) Keys() []string {
	keys := make([]string, 0, len(p.clients))
	for k := range p.clients {
		keys = append(keys, k)
	}
	return keys
}

// =============================================================================
// Direct Chat
// =============================================================================

// HandleDirectChat serves POST /v1/chat/direct: one prompt in, the
// full completion out, with the upstream call wrapped by the
// provider's circuit breaker.
func HandleDirectChat(providers *ProviderSet, registry *resilience.BreakerRegistry,
	tracker *tracking.Tracker) gin.HandlerFunc {

	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleDirectChat")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the chat request", "error", err)
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

		threadID := middleware.GetThreadID(c)
		scope := tracker.StartStage("generate", "upstream generate", threadID, false)
		scope.SetMetadata("provider", client.ProviderKey())

		var answer string
		err = registry.Execute(ctx, client.ProviderKey(), func(ctx context.Context) error {
			var genErr error
			answer, genErr = client.Generate(ctx, req.Prompt, req.Params)
			return genErr
		})
		scope.End(err)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeUpstreamError(c, client.ProviderKey(), err)
			return
		}

		c.JSON(http.StatusOK, datatypes.ChatResponse{
			Answer:   answer,
			Provider: client.ProviderKey(),
			ThreadID: threadID,
		})
	}
}

// writeUpstreamError maps breaker and upstream failures onto HTTP
// statuses. An open circuit is a fast 503; anything else reached the
// upstream and failed, which is a 502. Call outcome metrics are
// recorded by the breaker's Execute, not here.
func writeUpstreamError(c *gin.Context, provider string, err error) {
	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
			Error: err.Error(),
			Code:  "circuit_open",
		})
		return
	}
	slog.Error("Upstream call failed", "provider", provider, "error", err)
	c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{
		Error: err.Error(),
		Code:  "upstream_error",
	})
}
