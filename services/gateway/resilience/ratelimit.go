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

	"github.com/streamgate/streamgate/services/gateway/config"
	"github.com/streamgate/streamgate/services/gateway/observability"
	"github.com/streamgate/streamgate/services/gateway/store"
)

// =============================================================================
// Tiers
// =============================================================================

// Tier selects which limit spec applies to a caller.
type Tier string

const (
	// TierDefault is the standard quota.
	TierDefault Tier = "default"
	// TierPremium is the elevated quota.
	TierPremium Tier = "premium"
)

// ParseTier maps a wire value to a Tier, defaulting unknown values to
// TierDefault rather than rejecting the request.
func ParseTier(s string) Tier {
	if Tier(s) == TierPremium {
		return TierPremium
	}
	return TierDefault
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Default and Premium are the per-tier window quotas.
	Default config.RateSpec
	Premium config.RateSpec
	// Burst is extra capacity allowed above the tier limit within a
	// window, shared by both tiers.
	Burst int64
	// CacheTTL is how long a locally cached window count is trusted
	// before the next check flushes to the store. Defaults to 1s.
	CacheTTL time.Duration
	// SyncInterval is the background flush/pull cadence. Bounds
	// cross-instance skew to one interval. Defaults to 1s.
	SyncInterval time.Duration
	// KeyPrefix namespaces the limiter's store keys. Defaults to "rl".
	KeyPrefix string
}

func (c *RateLimiterConfig) applyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Second
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rl"
	}
}

// windowEntry is the local cache line for one key's active window.
// count is the best-known window total (authoritative store count plus
// local increments not yet flushed); pending is the unflushed portion.
// syncing marks a flush in flight so no second one starts for the key.
type windowEntry struct {
	windowStart time.Time
	period      time.Duration
	count       int64
	pending     int64
	syncedAt    time.Time
	syncing     bool
}

// RateLimiter throttles callers against fixed-window quotas shared
// across instances through the counter store.
//
// # Description
//
// Each key maps to a window bucket (the current period). A process-local
// cache absorbs increments between store round trips: within CacheTTL a
// check costs one mutex hold and no I/O. Accumulated local increments
// are flushed to the store's atomic counter — and the authoritative
// total pulled back — when the cache line goes stale or the background
// sync loop fires, whichever comes first. Cross-instance skew is
// therefore bounded by one sync interval.
//
// If the store is unreachable the limiter keeps counting locally
// (per-instance enforcement only), logs a warning, and never blocks the
// caller.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	cfg     RateLimiterConfig
	store   store.CounterStore
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.GatewayMetrics

	mu       sync.Mutex
	windows  map[string]*windowEntry
	degraded bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRateLimiter constructs a RateLimiter. Call Start to run the
// background sync loop and Close on shutdown.
func NewRateLimiter(cs store.CounterStore, cfg RateLimiterConfig, logger *slog.Logger,
	metrics *observability.GatewayMetrics) *RateLimiter {
	return newRateLimiterWithClock(cs, cfg, logger, metrics, clockwork.NewRealClock())
}

func newRateLimiterWithClock(cs store.CounterStore, cfg RateLimiterConfig, logger *slog.Logger,
	metrics *observability.GatewayMetrics, clock clockwork.Clock) *RateLimiter {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		cfg:     cfg,
		store:   cs,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		windows: make(map[string]*windowEntry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// specFor resolves the tier's quota.
func (l *RateLimiter) specFor(tier Tier) config.RateSpec {
	if tier == TierPremium {
		return l.cfg.Premium
	}
	return l.cfg.Default
}

func (l *RateLimiter) storeKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.cfg.KeyPrefix, key, windowStart.Unix())
}

// Check admits or rejects one call for key under the given tier.
//
// # Description
//
// Counts the call in the key's current fixed window and admits it while
// the post-increment count stays within limit+burst. Rejected calls are
// still counted. Returns *RateLimitExceededError with the window reset
// time on rejection; the caller decides what to do with it.
//
// # Inputs
//
//   - ctx: Bounds the store round trip, if one happens.
//   - key: The throttle key (typically the user id).
//   - tier: Which quota applies.
//
// # Outputs
//
//   - error: nil to admit, *RateLimitExceededError to reject.
func (l *RateLimiter) Check(ctx context.Context, key string, tier Tier) error {
	spec := l.specFor(tier)
	now := l.clock.Now()
	windowStart := now.Truncate(spec.Period)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.windows[key]
	if !ok || !e.windowStart.Equal(windowStart) {
		// First check of a new window resets the count. The previous
		// window's store counter expires on its own TTL.
		e = &windowEntry{windowStart: windowStart, period: spec.Period}
		l.windows[key] = e
	}

	e.count++
	e.pending++

	if !l.degraded && !e.syncing && l.clock.Since(e.syncedAt) >= l.cfg.CacheTTL {
		l.flushEntry(ctx, key, e)
	}

	allowed := e.count <= spec.Limit+l.cfg.Burst
	l.metrics.RecordRateLimitCheck(string(tier), allowed)
	if allowed {
		return nil
	}

	resetIn := windowStart.Add(spec.Period).Sub(now)
	l.logger.Info("rate limit exceeded",
		"event", "rate_limited", "key", key, "tier", string(tier),
		"current", e.count, "limit", spec.Limit, "burst", l.cfg.Burst,
		"reset_in_ms", resetIn.Milliseconds())
	return &RateLimitExceededError{Key: key, Current: e.count, Limit: spec.Limit, ResetIn: resetIn}
}

// flushEntry pushes the entry's pending increments to the store and
// pulls back the authoritative window total. Caller holds l.mu; the
// lock is released for the store round trip and reacquired before
// returning, so one slow flush never serializes other keys' checks.
func (l *RateLimiter) flushEntry(ctx context.Context, key string, e *windowEntry) {
	delta := e.pending
	e.pending = 0
	e.syncing = true
	storeKey := l.storeKey(key, e.windowStart)
	ttl := 2 * e.period
	l.mu.Unlock()

	// Window counters carry twice the period as TTL so a straggling
	// flush never resurrects an expired window.
	n, err := l.store.IncrementWithExpiry(ctx, storeKey, delta, ttl)

	l.mu.Lock()
	e.syncing = false
	if err != nil {
		// Nothing was committed; the delta goes back into pending.
		e.pending += delta
		if errors.Is(err, store.ErrUnavailable) {
			l.enterDegradedLocked(err)
		} else {
			l.logger.Warn("rate limit flush failed",
				"event", "ratelimit_flush_error", "key", key, "error", err)
		}
		return
	}
	e.count = n + e.pending
	e.syncedAt = l.clock.Now()
}

// enterDegradedLocked switches to local-only counting. Caller holds l.mu.
func (l *RateLimiter) enterDegradedLocked(cause error) {
	if l.degraded {
		return
	}
	l.degraded = true
	l.logger.Warn("counter store unreachable, rate limiter using local counts",
		"event", "ratelimit_degraded", "error", cause)
}

// WindowStats reports the current window for a key, for the admin
// endpoint. The second return is false if the key has no active window.
func (l *RateLimiter) WindowStats(key string) (count int64, resetIn time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, found := l.windows[key]
	if !found {
		return 0, 0, false
	}
	reset := e.windowStart.Add(e.period).Sub(l.clock.Now())
	if reset < 0 {
		return 0, 0, false
	}
	return e.count, reset, true
}

// Start launches the background sync loop. The loop flushes pending
// local increments every SyncInterval, probes a degraded store for
// recovery, and evicts entries for windows that have rolled over.
func (l *RateLimiter) Start() {
	go l.syncLoop()
}

// Close stops the sync loop and waits for it to exit.
func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *RateLimiter) syncLoop() {
	defer close(l.doneCh)
	ticker := l.clock.NewTicker(l.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.Chan():
			l.syncOnce(context.Background())
		}
	}
}

// syncOnce is one pass of the sync loop.
func (l *RateLimiter) syncOnce(ctx context.Context) {
	l.mu.Lock()
	degraded := l.degraded
	l.mu.Unlock()

	if degraded {
		// Probe with a cheap read; recover on success.
		if _, _, err := l.store.Get(ctx, l.cfg.KeyPrefix+":probe"); err != nil {
			return
		}
		l.mu.Lock()
		l.degraded = false
		l.mu.Unlock()
		l.logger.Info("counter store recovered, rate limiter resynced",
			"event", "ratelimit_recovered")
	}

	// Snapshot the stale entries first: flushEntry drops the lock for
	// its round trip, and the map must not be iterated across that gap.
	type flushItem struct {
		key string
		e   *windowEntry
	}
	now := l.clock.Now()
	l.mu.Lock()
	var stale []flushItem
	for key, e := range l.windows {
		if now.Sub(e.windowStart) > 2*e.period {
			delete(l.windows, key)
			continue
		}
		if e.pending > 0 && !e.syncing {
			stale = append(stale, flushItem{key: key, e: e})
		}
	}
	for _, it := range stale {
		l.flushEntry(ctx, it.key, it.e)
	}
	l.mu.Unlock()
}
