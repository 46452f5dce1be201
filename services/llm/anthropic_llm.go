// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent is the subset of SSE event payloads we consume.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewAnthropicClient builds a client from ANTHROPIC_API_KEY /
// CLAUDE_MODEL, falling back to the container secret mount for the key.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("CLAUDE_MODEL")

	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API key from container secrets")
		}
	}
	if apiKey == "" {
		slog.Warn("Anthropic API key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("CLAUDE_MODEL not set, defaulting to", "model", model)
	}

	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    anthropicBaseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// ProviderKey implements the LLMClient interface.
func (a *AnthropicClient) ProviderKey() string { return "anthropic" }

func (a *AnthropicClient) buildRequest(prompt string, params GenerationParams, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:     a.model,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
		Stream:    stream,
	}
	if params.Temperature != nil {
		req.Temperature = params.Temperature
	}
	if params.TopP != nil {
		req.TopP = params.TopP
	}
	if params.TopK != nil {
		req.TopK = params.TopK
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.StopSeqs = params.Stop
	}
	return req
}

func (a *AnthropicClient) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	return a.httpClient.Do(req)
}

// Generate implements the LLMClient interface.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Sending REST request to Anthropic", "model", a.model)

	resp, err := a.post(ctx, a.buildRequest(prompt, params, false))
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("received empty content from Anthropic")
	}

	finalText := ""
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			finalText += block.Text
		}
	}
	if finalText == "" {
		return "", fmt.Errorf("received content but no text block found")
	}
	return finalText, nil
}

// GenerateStream implements the LLMClient interface. The Messages API
// streams SSE events; content arrives as content_block_delta events.
func (a *AnthropicClient) GenerateStream(ctx context.Context, prompt string, params GenerationParams, onDelta DeltaFunc) error {
	slog.Debug("Streaming REST request to Anthropic", "model", a.model)

	resp, err := a.post(ctx, a.buildRequest(prompt, params, true))
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("failed to parse stream event: %w", err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if err := onDelta(event.Delta.Text); err != nil {
					return err
				}
			}
		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic API error: %s - %s", event.Error.Type, event.Error.Message)
			}
		case "message_stop":
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic stream read failed: %w", err)
	}
	return nil
}
