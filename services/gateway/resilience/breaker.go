// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamgate/streamgate/services/gateway/observability"
	"github.com/streamgate/streamgate/services/gateway/store"
)

// =============================================================================
// Breaker State
// =============================================================================

// BreakerState is the circuit state for one provider key.
type BreakerState int64

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed BreakerState = 0
	// StateOpen fails fast without invoking the upstream.
	StateOpen BreakerState = 1
	// StateHalfOpen probes the upstream after the recovery timeout.
	StateHalfOpen BreakerState = 2
)

// String returns the state's wire/logging name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a read-only view of one provider's breaker, used by
// the admin endpoints.
type BreakerSnapshot struct {
	ProviderKey  string       `json:"provider_key"`
	State        BreakerState `json:"-"`
	StateName    string       `json:"state"`
	FailureCount int64        `json:"failure_count"`
	SuccessCount int64        `json:"success_count"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	Degraded     bool         `json:"store_degraded"`
}

// =============================================================================
// Registry
// =============================================================================

// BreakerConfig configures every breaker in a registry.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// closed circuit.
	FailureThreshold int64
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open circuit.
	SuccessThreshold int64
	// RecoveryTimeout is how long an open circuit waits before the next
	// attempt is allowed through as a probe. Evaluated lazily on the
	// next call, not by a timer.
	RecoveryTimeout time.Duration
	// CallTimeout bounds each wrapped call; expiry counts as a failure.
	CallTimeout time.Duration
	// StateCacheTTL bounds how stale this instance's view of the shared
	// state may be. Defaults to 1s.
	StateCacheTTL time.Duration
	// KeyPrefix namespaces the breaker's store keys. Defaults to "cb".
	KeyPrefix string
}

func (c *BreakerConfig) applyDefaults() {
	if c.StateCacheTTL == 0 {
		c.StateCacheTTL = time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cb"
	}
}

// CallFunc is an upstream invocation wrapped by the breaker. It must
// honor ctx cancellation; the breaker additionally enforces CallTimeout
// from the outside so a stuck upstream still counts as a failure.
type CallFunc func(ctx context.Context) error

// BreakerRegistry holds one circuit breaker per upstream provider key,
// created lazily. Any provider identified by a string key gets a breaker;
// there is no per-provider subclassing.
//
// # Description
//
// Breaker state is owned by the shared counter store so that every
// gateway instance sees the same circuit. Each breaker keeps a
// short-lived read-through cache of that state (StateCacheTTL) plus a
// local mirror it falls back to when the store is unreachable.
// Concurrent instances racing to flip Open to HalfOpen is tolerated
// (at-least-once probing); opened_at conflicts resolve last-writer-wins.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type BreakerRegistry struct {
	cfg     BreakerConfig
	store   store.CounterStore
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.GatewayMetrics

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewBreakerRegistry constructs a registry over the shared store.
func NewBreakerRegistry(cs store.CounterStore, cfg BreakerConfig, logger *slog.Logger,
	metrics *observability.GatewayMetrics) *BreakerRegistry {
	return newBreakerRegistryWithClock(cs, cfg, logger, metrics, clockwork.NewRealClock())
}

func newBreakerRegistryWithClock(cs store.CounterStore, cfg BreakerConfig, logger *slog.Logger,
	metrics *observability.GatewayMetrics, clock clockwork.Clock) *BreakerRegistry {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		cfg:      cfg,
		store:    cs,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*breaker),
	}
}

// breaker returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) breaker(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{key: key, reg: r}
		r.breakers[key] = b
	}
	return b
}

// Execute runs call through the circuit for providerKey.
//
// # Description
//
// If the circuit is open and the recovery timeout has not elapsed, call
// is never invoked and *CircuitOpenError is returned immediately. If the
// timeout has elapsed, the circuit flips to half-open and call is
// attempted once. In closed or half-open state call runs with
// CallTimeout enforced; a timeout or error counts as a failure and is
// re-returned unchanged (wrapped only for the timeout case). The breaker
// never retries.
//
// # Outputs
//
//   - error: nil on success; *CircuitOpenError on fail-fast; otherwise
//     the call's own error.
func (r *BreakerRegistry) Execute(ctx context.Context, providerKey string, call CallFunc) error {
	b := r.breaker(providerKey)

	state, openedAt := b.currentState(ctx)
	if state == StateOpen {
		if r.clock.Since(openedAt) < r.cfg.RecoveryTimeout {
			r.metrics.RecordUpstreamCall(providerKey, "circuit_open")
			r.logger.Debug("circuit open, failing fast",
				"event", "circuit_rejected", "provider_key", providerKey,
				"opened_at", openedAt)
			return &CircuitOpenError{ProviderKey: providerKey, OpenedAt: openedAt}
		}
		state = b.transition(ctx, StateHalfOpen, openedAt)
	}

	err := r.invoke(ctx, call)
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		r.metrics.RecordUpstreamCall(providerKey, status)
		b.recordFailure(ctx, state)
		return err
	}

	r.metrics.RecordUpstreamCall(providerKey, "success")
	b.recordSuccess(ctx, state)
	return nil
}

// invoke runs call with CallTimeout enforced from the outside, so even a
// call that ignores its context is abandoned and counted as a failure.
func (r *BreakerRegistry) invoke(ctx context.Context, call CallFunc) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("upstream call: %w", cctx.Err())
	}
}

// Snapshot returns the current view of every breaker the registry has
// instantiated, for the admin endpoint.
func (r *BreakerRegistry) Snapshot(ctx context.Context) []BreakerSnapshot {
	r.mu.Lock()
	keys := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		keys = append(keys, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(keys))
	for _, b := range keys {
		out = append(out, b.snapshot(ctx))
	}
	return out
}

// =============================================================================
// Per-key breaker
// =============================================================================

// breaker is the per-provider state machine. The shared store owns the
// authoritative state; the mirror fields double as the read cache and as
// the fallback when the store is unreachable.
type breaker struct {
	key string
	reg *BreakerRegistry

	mu        sync.Mutex
	state     BreakerState
	failures  int64
	successes int64
	openedAt  time.Time
	cachedAt  time.Time
	degraded  bool
}

func (b *breaker) stateKey() string    { return b.reg.cfg.KeyPrefix + ":" + b.key + ":state" }
func (b *breaker) failKey() string     { return b.reg.cfg.KeyPrefix + ":" + b.key + ":failures" }
func (b *breaker) succKey() string     { return b.reg.cfg.KeyPrefix + ":" + b.key + ":successes" }
func (b *breaker) openedAtKey() string { return b.reg.cfg.KeyPrefix + ":" + b.key + ":opened_at" }

// markDegraded flips the breaker to its local mirror. Logged once per
// outage.
func (b *breaker) markDegradedLocked(cause error) {
	if b.degraded {
		return
	}
	b.degraded = true
	b.reg.logger.Warn("counter store unreachable, breaker using local state",
		"event", "breaker_degraded", "provider_key", b.key, "error", cause)
}

// currentState returns the effective state and openedAt, reading through
// the store when the cache is stale.
func (b *breaker) currentState(ctx context.Context) (BreakerState, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reg.clock.Since(b.cachedAt) < b.reg.cfg.StateCacheTTL {
		return b.state, b.openedAt
	}

	raw, ok, err := b.reg.store.Get(ctx, b.stateKey())
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			b.markDegradedLocked(err)
		}
		return b.state, b.openedAt
	}
	if b.degraded {
		b.degraded = false
		b.reg.logger.Info("counter store recovered for breaker",
			"event", "breaker_recovered", "provider_key", b.key)
	}
	if !ok {
		// Never written: circuit starts closed.
		b.state = StateClosed
		b.cachedAt = b.reg.clock.Now()
		return b.state, b.openedAt
	}

	b.state = BreakerState(raw)
	if b.state == StateOpen || b.state == StateHalfOpen {
		if ms, ok, err := b.reg.store.Get(ctx, b.openedAtKey()); err == nil && ok {
			b.openedAt = time.UnixMilli(ms)
		}
	}
	b.cachedAt = b.reg.clock.Now()
	return b.state, b.openedAt
}

// transition moves the breaker to target and resets the counters the
// target state starts from. openedAt is only rewritten when opening.
// Returns the state actually in effect afterwards.
func (b *breaker) transition(ctx context.Context, target BreakerState, openedAt time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitionLocked(ctx, target, openedAt)
}

func (b *breaker) transitionLocked(ctx context.Context, target BreakerState, openedAt time.Time) BreakerState {
	now := b.reg.clock.Now()

	if !b.degraded {
		err := b.reg.store.SetWithExpiry(ctx, b.stateKey(), int64(target), 0)
		if err == nil {
			switch target {
			case StateOpen:
				err = b.reg.store.SetWithExpiry(ctx, b.openedAtKey(), now.UnixMilli(), 0)
				if err == nil {
					err = b.reg.store.SetWithExpiry(ctx, b.succKey(), 0, 0)
				}
			case StateHalfOpen:
				err = b.reg.store.SetWithExpiry(ctx, b.succKey(), 0, 0)
			case StateClosed:
				err = b.reg.store.SetWithExpiry(ctx, b.failKey(), 0, 0)
				if err == nil {
					err = b.reg.store.SetWithExpiry(ctx, b.succKey(), 0, 0)
				}
			}
		}
		if err != nil && errors.Is(err, store.ErrUnavailable) {
			b.markDegradedLocked(err)
		}
	}

	b.state = target
	b.cachedAt = now
	switch target {
	case StateOpen:
		b.openedAt = now
		b.successes = 0
	case StateHalfOpen:
		b.openedAt = openedAt
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
	}

	b.reg.metrics.RecordBreakerTransition(b.key, target.String(), float64(target))
	b.reg.logger.Info("circuit state transition",
		"event", "circuit_transition", "provider_key", b.key,
		"to", target.String(), "opened_at", b.openedAt)
	return target
}

// recordFailure applies the failure rules for the state the call was
// admitted under.
func (b *breaker) recordFailure(ctx context.Context, admittedState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if admittedState == StateHalfOpen {
		// Any failure during probing reopens immediately.
		b.transitionLocked(ctx, StateOpen, time.Time{})
		return
	}

	failures := b.failures + 1
	if !b.degraded {
		n, err := b.reg.store.Increment(ctx, b.failKey(), 1)
		if err == nil {
			failures = n
		} else if errors.Is(err, store.ErrUnavailable) {
			b.markDegradedLocked(err)
		}
	}
	b.failures = failures

	if failures >= b.reg.cfg.FailureThreshold {
		b.transitionLocked(ctx, StateOpen, time.Time{})
		return
	}
	b.reg.logger.Debug("upstream failure recorded",
		"event", "circuit_failure", "provider_key", b.key,
		"failure_count", failures, "threshold", b.reg.cfg.FailureThreshold)
}

// recordSuccess applies the success rules for the state the call was
// admitted under.
func (b *breaker) recordSuccess(ctx context.Context, admittedState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if admittedState == StateHalfOpen {
		successes := b.successes + 1
		if !b.degraded {
			n, err := b.reg.store.Increment(ctx, b.succKey(), 1)
			if err == nil {
				successes = n
			} else if errors.Is(err, store.ErrUnavailable) {
				b.markDegradedLocked(err)
			}
		}
		b.successes = successes
		if successes >= b.reg.cfg.SuccessThreshold {
			b.transitionLocked(ctx, StateClosed, time.Time{})
		}
		return
	}

	// Closed: a success resets the consecutive-failure count. Skip the
	// store write when the count is already zero, which is the hot path.
	if b.failures != 0 {
		b.failures = 0
		if !b.degraded {
			if err := b.reg.store.SetWithExpiry(ctx, b.failKey(), 0, 0); err != nil {
				if errors.Is(err, store.ErrUnavailable) {
					b.markDegradedLocked(err)
				}
			}
		}
	}
}

// snapshot builds the admin view for this breaker.
func (b *breaker) snapshot(ctx context.Context) BreakerSnapshot {
	state, openedAt := b.currentState(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		ProviderKey:  b.key,
		State:        state,
		StateName:    state.String(),
		FailureCount: b.failures,
		SuccessCount: b.successes,
		Degraded:     b.degraded,
	}
	if state != StateClosed && !openedAt.IsZero() {
		t := openedAt
		snap.OpenedAt = &t
	}
	return snap
}
