// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default operation timeout for store round trips. Admission decisions
// must stay fast; a store slower than this is treated as unreachable.
const defaultOpTimeout = 2 * time.Second

// acquirePairScript implements the pool's check-then-increment atomically
// on the Redis side. Both ceilings are checked before either counter is
// committed, so two instances racing on the last slot cannot both win.
//
// KEYS[1] = global counter, KEYS[2] = per-user counter
// ARGV[1] = max global, ARGV[2] = max per user
// Returns {admitted, rejection, globalCount, userCount}.
var acquirePairScript = redis.NewScript(`
	local g = tonumber(redis.call('GET', KEYS[1]) or '0')
	local u = tonumber(redis.call('GET', KEYS[2]) or '0')
	local maxg = tonumber(ARGV[1])
	local maxu = tonumber(ARGV[2])
	if g + 1 > maxg then
		return {0, 1, g, u}
	end
	if u + 1 > maxu then
		return {0, 2, g, u}
	end
	g = redis.call('INCR', KEYS[1])
	u = redis.call('INCR', KEYS[2])
	return {1, 0, g, u}
`)

// clampedDecrScript decrements a counter without letting it go negative.
// DECRBY alone would allow duplicate releases to drive the value below
// zero and permanently inflate available capacity.
var clampedDecrScript = redis.NewScript(`
	local v = tonumber(redis.call('GET', KEYS[1]) or '0')
	local d = tonumber(ARGV[1])
	if v <= 0 then
		return 0
	end
	if d > v then
		d = v
	end
	return redis.call('DECRBY', KEYS[1], d)
`)

// incrExpireScript increments a counter and attaches a TTL only when the
// key carries none, so a window counter expires relative to its first
// increment rather than its last.
var incrExpireScript = redis.NewScript(`
	local v = redis.call('INCRBY', KEYS[1], ARGV[1])
	if redis.call('TTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return v
`)

// RedisStore is the production CounterStore, backed by a shared Redis
// instance (or cluster) reachable from every gateway instance.
//
// # Description
//
// Compound operations run as Lua scripts so the check-then-commit unit
// executes atomically on the server. All calls carry a short timeout on
// top of the caller's context; connectivity failures are normalized to
// ErrUnavailable so callers can distinguish "store down" from "store
// said no".
//
// # Thread Safety
//
// Safe for concurrent use; the underlying go-redis client pools
// connections internally.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisStore wraps an existing Redis client.
//
// # Inputs
//
//   - client: A connected go-redis client. Must not be nil.
//
// # Outputs
//
//   - *RedisStore: Ready for concurrent use.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, opTimeout: defaultOpTimeout}
}

// NewRedisStoreFromAddr dials a single Redis node at addr
// (host:port) and returns a store over it.
//
// # Limitations
//
//   - Does not ping the server; the first operation surfaces
//     connectivity problems.
func NewRedisStoreFromAddr(addr string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  defaultOpTimeout,
		WriteTimeout: defaultOpTimeout,
	})
	return NewRedisStore(client)
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// wrapErr normalizes connectivity failures to ErrUnavailable so callers
// can switch to degraded mode with a single errors.Is check.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Increment implements CounterStore.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.IncrBy(ctx, key, delta).Result()
	return v, wrapErr("increment", err)
}

// Decrement implements CounterStore. The decrement is clamped at zero
// server-side.
func (s *RedisStore) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := clampedDecrScript.Run(ctx, s.client, []string{key}, delta).Int64()
	return res, wrapErr("decrement", err)
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("get", err)
	}
	return v, true, nil
}

// SetWithExpiry implements CounterStore.
func (s *RedisStore) SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return wrapErr("set", s.client.Set(ctx, key, value, ttl).Err())
}

// IncrementWithExpiry implements CounterStore.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := incrExpireScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	return res, wrapErr("increment_with_expiry", err)
}

// AddToSet implements CounterStore.
func (s *RedisStore) AddToSet(ctx context.Context, setKey, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return wrapErr("add_to_set", s.client.SAdd(ctx, setKey, member).Err())
}

// RemoveFromSet implements CounterStore.
func (s *RedisStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return wrapErr("remove_from_set", s.client.SRem(ctx, setKey, member).Err())
}

// AcquirePair implements CounterStore via a single Lua script; see
// acquirePairScript for the atomicity argument.
func (s *RedisStore) AcquirePair(ctx context.Context, globalKey, userKey string, maxGlobal, maxUser int64) (AcquireResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := acquirePairScript.Run(ctx, s.client,
		[]string{globalKey, userKey}, maxGlobal, maxUser).Int64Slice()
	if err != nil {
		return AcquireResult{}, wrapErr("acquire_pair", err)
	}
	if len(raw) != 4 {
		return AcquireResult{}, fmt.Errorf("acquire_pair: unexpected script reply length %d", len(raw))
	}
	return AcquireResult{
		Admitted:    raw[0] == 1,
		Rejection:   AcquireRejection(raw[1]),
		GlobalCount: raw[2],
		UserCount:   raw[3],
	}, nil
}
