// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store defines the shared counter store that backs the gateway's
// cross-instance admission state, plus a Redis implementation and an
// in-process implementation.
//
// # Description
//
// Multiple gateway instances share one logical set of limits. The counter
// store is the single source of truth for that shared state: pool
// occupancy, circuit breaker state, and rate-limit windows all live here
// as small integer values and sets. Every operation is atomic with
// respect to concurrent callers across processes.
//
// The interface deliberately stays at the counter level. Components own
// their key layout and their semantics; the store only guarantees atomic
// arithmetic. The two compound operations (AcquirePair,
// IncrementWithExpiry) exist because their callers need a multi-step
// check to commit as a single unit, which a client-side read-then-write
// cannot provide.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned (possibly wrapped) when the backing store
// cannot be reached. Components treat it as a signal to enter degraded,
// local-only enforcement rather than as a hard failure.
var ErrUnavailable = errors.New("counter store unavailable")

// AcquireRejection enumerates why AcquirePair refused an admission.
type AcquireRejection int

const (
	// RejectionNone means the acquire was admitted.
	RejectionNone AcquireRejection = iota
	// RejectionGlobal means the global ceiling would have been exceeded.
	RejectionGlobal
	// RejectionUser means the per-user ceiling would have been exceeded.
	RejectionUser
)

// AcquireResult reports the outcome of an atomic two-counter acquire.
//
// When Admitted is false, GlobalCount and UserCount hold the values
// observed at rejection time (no increment was committed). When Admitted
// is true, they hold the post-increment values.
type AcquireResult struct {
	Admitted    bool
	Rejection   AcquireRejection
	GlobalCount int64
	UserCount   int64
}

// CounterStore is the atomic primitive set shared by the admission pool,
// circuit breaker, and rate limiter.
//
// # Description
//
// Implementations must make every method atomic with respect to
// concurrent callers, including callers in other processes. Values are
// 64-bit integers; missing keys read as zero/absent.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type CounterStore interface {
	// Increment atomically adds delta to key and returns the new value.
	// The key is created at delta if absent.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Decrement atomically subtracts delta from key and returns the new
	// value, clamped at zero. A counter never goes negative, even under
	// duplicate releases.
	Decrement(ctx context.Context, key string, delta int64) (int64, error)

	// Get returns the current value of key. The second return is false
	// if the key is absent.
	Get(ctx context.Context, key string) (int64, bool, error)

	// SetWithExpiry sets key to value with the given TTL. A zero TTL
	// means no expiry.
	SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error

	// IncrementWithExpiry atomically adds delta to key, sets the TTL if
	// the key did not already carry one, and returns the new value. Used
	// for window counters so abandoned windows evict themselves.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// AddToSet adds member to the set stored at setKey.
	AddToSet(ctx context.Context, setKey, member string) error

	// RemoveFromSet removes member from the set stored at setKey.
	// Removing an absent member is not an error.
	RemoveFromSet(ctx context.Context, setKey, member string) error

	// AcquirePair performs the pool's check-then-increment as one atomic
	// unit: if incrementing globalKey would exceed maxGlobal, or
	// incrementing userKey would exceed maxUser, neither counter is
	// touched and the result names the rejection. Both checks happen
	// before any commit, so concurrent acquires can never jointly
	// overshoot either ceiling.
	AcquirePair(ctx context.Context, globalKey, userKey string, maxGlobal, maxUser int64) (AcquireResult, error)
}
