// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm holds the upstream provider clients the gateway proxies
// to. Each provider is an opaque callable from the resilience layer's
// point of view: the circuit breaker wraps these calls without knowing
// which backend is behind them.
package llm

import (
	"context"
	"fmt"
)

// GenerationParams are the sampling knobs forwarded to the upstream.
// Nil fields use the provider's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// DeltaFunc receives one incremental chunk of a streamed completion.
// Returning an error aborts the stream; the error propagates out of
// GenerateStream unchanged.
type DeltaFunc func(delta string) error

// LLMClient is the standard interface for any upstream backend.
type LLMClient interface {
	// Generate returns the full completion for prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateStream streams the completion, invoking onDelta per chunk,
	// and returns once the upstream finishes or fails.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, onDelta DeltaFunc) error

	// ProviderKey identifies this upstream for circuit breaking and
	// metrics labeling.
	ProviderKey() string
}

// NewClient constructs the client for a provider key ("openai",
// "anthropic"/"claude", "ollama").
func NewClient(provider string) (LLMClient, error) {
	switch provider {
	case "openai":
		return NewOpenAIClient()
	case "anthropic", "claude":
		return NewAnthropicClient()
	case "ollama":
		return NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
