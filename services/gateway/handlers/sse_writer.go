// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate/streamgate/services/gateway/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to
// HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics.
// Implementations handle the SSE wire format (event: type\ndata:
// json\n\n) internally. Each event is automatically assigned an Id
// (UUID v4) and CreatedAt (Unix milliseconds).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Streaming handlers
// emit tokens and keepalive pings from different goroutines.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
//   - Response headers must be set before the first write
type SSEWriter interface {
	// WriteEvent writes a single SSE event. Id and CreatedAt are
	// auto-set; flushes immediately after writing.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteToken writes a token event with the given content.
	WriteToken(content string) error

	// WriteError writes an error event. The message is sent to the
	// client verbatim.
	WriteError(message string) error

	// WriteDone writes the terminal done event carrying the thread ID.
	WriteDone(threadID string) error

	// WriteKeepalive writes an SSE comment line to hold the connection
	// open through idle periods.
	WriteKeepalive() error
}

// =============================================================================
// Implementation
// =============================================================================

// GinSSEWriter writes SSE events to a gin response writer.
type GinSSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewGinSSEWriter wraps w for SSE output. Returns an error if w does
// not support flushing.
func NewGinSSEWriter(w http.ResponseWriter) (*GinSSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &GinSSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent implements the SSEWriter interface.
func (s *GinSSEWriter) WriteEvent(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = uuid.NewString()
	event.CreatedAt = time.Now().UnixMilli()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return fmt.Errorf("failed to write stream event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteStatus implements the SSEWriter interface.
func (s *GinSSEWriter) WriteStatus(message string) error {
	return s.WriteEvent(datatypes.StreamEvent{Type: "status", Content: message})
}

// WriteToken implements the SSEWriter interface.
func (s *GinSSEWriter) WriteToken(content string) error {
	return s.WriteEvent(datatypes.StreamEvent{Type: "token", Content: content})
}

// WriteError implements the SSEWriter interface.
func (s *GinSSEWriter) WriteError(message string) error {
	return s.WriteEvent(datatypes.StreamEvent{Type: "error", Content: message})
}

// WriteDone implements the SSEWriter interface.
func (s *GinSSEWriter) WriteDone(threadID string) error {
	return s.WriteEvent(datatypes.StreamEvent{Type: "done", ThreadID: threadID})
}

// WriteKeepalive implements the SSEWriter interface. Comment lines are
// ignored by SSE clients but keep intermediaries from closing an idle
// connection.
func (s *GinSSEWriter) WriteKeepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}
