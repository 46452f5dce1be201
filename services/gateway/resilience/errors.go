// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience implements the admission-control and fault-tolerance
// core of the gateway: the connection admission pool, the distributed
// circuit breaker, and the tiered rate limiter.
//
// # Description
//
// All three components share one concern: correctness under concurrent,
// cross-instance access with non-blocking fail-fast semantics. Every
// admission decision is an immediate accept/reject; nothing in this
// package queues or waits on availability. Cross-instance state lives in
// a shared counter store (see the store package); each component keeps a
// short-lived local view and degrades to local-only enforcement when the
// store is unreachable.
//
// # Error Taxonomy
//
// Admission errors (PoolExhaustedError, UserLimitExceededError) and
// throttling errors (RateLimitExceededError) are expected, frequent-
// under-load outcomes, not failures of the system. CircuitOpenError
// signals a known-unhealthy upstream. All four are surfaced to the
// caller unchanged; none is retried internally. Store-unavailable
// conditions are recovered locally and logged as degraded, never raised
// to the caller.
//
// # Thread Safety
//
// Every exported type in this package is safe for concurrent use.
package resilience

import (
	"fmt"
	"time"
)

// =============================================================================
// Admission Errors
// =============================================================================

// PoolExhaustedError is returned by Pool.Acquire when admitting one more
// session would push the fleet-wide count past the configured maximum.
//
// Callers typically map this to HTTP 503.
type PoolExhaustedError struct {
	// Current is the global connection count observed at rejection time.
	Current int64
	// Max is the configured fleet-wide connection ceiling.
	Max int64
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted: %d/%d connections in use", e.Current, e.Max)
}

// UserLimitExceededError is returned by Pool.Acquire when one more session
// would push a single caller past its per-user ceiling while global
// capacity remains.
//
// Callers typically map this to HTTP 429.
type UserLimitExceededError struct {
	// UserID identifies the caller that hit its ceiling.
	UserID string
	// Current is the caller's connection count observed at rejection time.
	Current int64
	// Limit is the configured per-user connection ceiling.
	Limit int64
}

func (e *UserLimitExceededError) Error() string {
	return fmt.Sprintf("user %q connection limit exceeded: %d/%d in use", e.UserID, e.Current, e.Limit)
}

// =============================================================================
// Circuit Errors
// =============================================================================

// CircuitOpenError is returned by BreakerRegistry.Execute when the breaker
// for the requested provider is open and the recovery timeout has not yet
// elapsed. The wrapped call is never invoked.
//
// This layer performs no retry; failover policy belongs to the caller.
type CircuitOpenError struct {
	// ProviderKey identifies the upstream whose circuit is open.
	ProviderKey string
	// OpenedAt is when the circuit last transitioned to open.
	OpenedAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %q since %s", e.ProviderKey, e.OpenedAt.Format(time.RFC3339))
}

// =============================================================================
// Rate Limit Errors
// =============================================================================

// RateLimitExceededError is returned by RateLimiter.Check when a key has
// used up its window quota plus the burst allowance.
//
// ResetIn tells the caller how long until the next window opens, which is
// enough to implement backoff (typically surfaced as Retry-After on a 429).
type RateLimitExceededError struct {
	// Key is the throttled rate-limit key.
	Key string
	// Current is the count observed in the active window, post-increment.
	Current int64
	// Limit is the tier limit for the window (burst not included).
	Limit int64
	// ResetIn is the time remaining until the window rolls over.
	ResetIn time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for key %q: %d/%d, window resets in %s",
		e.Key, e.Current, e.Limit, e.ResetIn.Round(time.Millisecond))
}
