// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request and response shapes of the
// gateway's HTTP surface.
package datatypes

import (
	"github.com/go-playground/validator/v10"

	"github.com/streamgate/streamgate/services/llm"
)

// MaxPromptBytes caps the prompt size per request. The limit is on byte
// length, not rune count, so oversized payloads are rejected before they
// reach an upstream provider.
const MaxPromptBytes = 32 * 1024

// chatValidate is the shared validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPromptBytes
}

// ChatRequest is the body for both the direct and streaming chat
// endpoints.
type ChatRequest struct {
	Prompt   string               `json:"prompt" binding:"required" validate:"required,maxbytes"`
	Provider string               `json:"provider" validate:"omitempty,alphanum"`
	Params   llm.GenerationParams `json:"params"`
}

// Validate checks field constraints beyond what gin's binding covers.
// Call it after binding the JSON body.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ChatResponse is the body returned by the direct chat endpoint.
type ChatResponse struct {
	Answer   string `json:"answer"`
	Provider string `json:"provider"`
	ThreadID string `json:"thread_id"`
}

// StreamEvent is a single SSE event emitted by the streaming chat
// endpoint.
type StreamEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "status", "token", "error", "done"
	Content   string `json:"content,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// ErrorResponse is the uniform error body for rejected requests.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
}
