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
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamgate/streamgate/services/gateway/observability"
	"github.com/streamgate/streamgate/services/gateway/store"
)

// =============================================================================
// Pool State
// =============================================================================

// PoolState is the pool's health tier, derived purely from the
// current/max ratio. It is never stored; Stats() computes it on read.
type PoolState string

const (
	// PoolHealthy means occupancy is below the degraded threshold.
	PoolHealthy PoolState = "healthy"
	// PoolDegraded means occupancy crossed the degraded threshold (0.7 default).
	PoolDegraded PoolState = "degraded"
	// PoolCritical means occupancy crossed the critical threshold (0.9 default).
	PoolCritical PoolState = "critical"
	// PoolExhausted means the pool is full; acquires are rejected.
	PoolExhausted PoolState = "exhausted"
)

// ConnectionRecord is one admitted session. It exists only between a
// successful Acquire and the matching Release, and is owned by the pool.
type ConnectionRecord struct {
	ThreadID   string
	UserID     string
	AcquiredAt time.Time
}

// PoolStats is a read-only snapshot of the pool.
type PoolStats struct {
	// Current is the fleet-wide connection count (this process only when
	// store enforcement is degraded).
	Current int64 `json:"current"`
	// Max is the configured global ceiling.
	Max int64 `json:"max"`
	// State is the derived health tier.
	State PoolState `json:"state"`
	// Utilization is Current/Max.
	Utilization float64 `json:"utilization"`
	// LocalActive is the number of sessions admitted by this instance.
	LocalActive int `json:"local_active"`
	// StoreDegraded is true while enforcement is local-only because the
	// shared store is unreachable.
	StoreDegraded bool `json:"store_degraded"`
}

// =============================================================================
// Pool
// =============================================================================

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxGlobal is the fleet-wide concurrent session ceiling.
	MaxGlobal int64
	// MaxPerUser is the per-caller concurrent session ceiling.
	MaxPerUser int64
	// DegradedThreshold is the occupancy ratio for the degraded tier.
	DegradedThreshold float64
	// CriticalThreshold is the occupancy ratio for the critical tier.
	CriticalThreshold float64
	// KeyPrefix namespaces the pool's store keys. Defaults to "pool".
	KeyPrefix string
	// ReconcileInterval bounds how often a degraded pool probes the
	// store for recovery. Defaults to 5s.
	ReconcileInterval time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "pool"
	}
	if c.DegradedThreshold == 0 {
		c.DegradedThreshold = 0.7
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.9
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 5 * time.Second
	}
}

// Pool is the connection admission pool: a global and per-caller
// concurrency gate shared by every gateway instance through the counter
// store.
//
// # Description
//
// Acquire is an immediate accept/reject decision; there is no queueing.
// The check-then-increment for the two counters executes as a single
// atomic unit in the store (see store.CounterStore.AcquirePair), so
// concurrent acquires can never jointly exceed a ceiling.
//
// If the store becomes unreachable the pool falls back to counting only
// its own admissions under a process-local mutex. That loses global
// fairness across instances, which is an accepted trade-off favoring
// availability; the condition is logged at warning level and exposed in
// Stats. Net deltas accumulated while degraded are pushed back to the
// store once it recovers.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Pool struct {
	cfg     PoolConfig
	store   store.CounterStore
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.GatewayMetrics

	mu        sync.Mutex
	active    map[string]ConnectionRecord
	userCount map[string]int64

	degraded      bool
	lastProbe     time.Time
	pendingGlobal int64
	pendingUser   map[string]int64
}

// NewPool constructs a Pool.
//
// # Inputs
//
//   - cs: The shared counter store. Must not be nil.
//   - cfg: Pool limits and thresholds. Zero thresholds get defaults.
//   - logger: Structured logger; nil uses slog.Default().
//   - metrics: Gateway metrics; may be nil.
func NewPool(cs store.CounterStore, cfg PoolConfig, logger *slog.Logger, metrics *observability.GatewayMetrics) *Pool {
	return newPoolWithClock(cs, cfg, logger, metrics, clockwork.NewRealClock())
}

func newPoolWithClock(cs store.CounterStore, cfg PoolConfig, logger *slog.Logger,
	metrics *observability.GatewayMetrics, clock clockwork.Clock) *Pool {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:         cfg,
		store:       cs,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		active:      make(map[string]ConnectionRecord),
		userCount:   make(map[string]int64),
		pendingUser: make(map[string]int64),
	}
}

func (p *Pool) globalKey() string        { return p.cfg.KeyPrefix + ":global" }
func (p *Pool) userKey(id string) string { return p.cfg.KeyPrefix + ":user:" + id }
func (p *Pool) activeSetKey() string     { return p.cfg.KeyPrefix + ":active" }

// Acquire admits one session for userID, identified by threadID.
//
// # Description
//
// Atomically checks and increments the global counter and the caller's
// counter. Both checks happen before either increment is committed.
// Returns *PoolExhaustedError when the global ceiling would be exceeded
// and *UserLimitExceededError when the caller's ceiling would be. The
// caller must invoke Release with the same IDs on every exit path.
//
// # Inputs
//
//   - ctx: Request context; bounds the store round trip.
//   - userID: The caller. Must be non-empty.
//   - threadID: Unique id for this session.
//
// # Outputs
//
//   - error: nil on admission, a typed admission error on rejection.
func (p *Pool) Acquire(ctx context.Context, userID, threadID string) error {
	p.mu.Lock()
	if p.degraded {
		err := p.acquireLocalLocked(userID, threadID)
		p.maybeReconcileLocked(ctx)
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	res, err := p.store.AcquirePair(ctx, p.globalKey(), p.userKey(userID),
		p.cfg.MaxGlobal, p.cfg.MaxPerUser)
	if err != nil {
		// Any store error flips the pool into degraded enforcement, not
		// just ErrUnavailable. A locally admitted session must also be
		// released locally; if Release took the store path it would
		// decrement a shared slot this session never incremented.
		if !errors.Is(err, store.ErrUnavailable) {
			p.logger.Warn("pool store error, admitting via local fallback",
				"event", "pool_store_error", "thread_id", threadID, "error", err)
		}
		p.mu.Lock()
		p.enterDegradedLocked(err)
		localErr := p.acquireLocalLocked(userID, threadID)
		p.mu.Unlock()
		return localErr
	}

	if !res.Admitted {
		switch res.Rejection {
		case store.RejectionGlobal:
			p.metrics.RecordAdmission("pool_exhausted")
			p.logger.Info("admission rejected, pool exhausted",
				"event", "pool_exhausted", "thread_id", threadID, "user_id", userID,
				"current", res.GlobalCount, "max", p.cfg.MaxGlobal)
			return &PoolExhaustedError{Current: res.GlobalCount, Max: p.cfg.MaxGlobal}
		default:
			p.metrics.RecordAdmission("user_limit")
			p.logger.Info("admission rejected, user limit",
				"event", "user_limit_exceeded", "thread_id", threadID, "user_id", userID,
				"current", res.UserCount, "limit", p.cfg.MaxPerUser)
			return &UserLimitExceededError{UserID: userID, Current: res.UserCount, Limit: p.cfg.MaxPerUser}
		}
	}

	// Set registration is best-effort bookkeeping; admission already
	// committed above.
	if err := p.store.AddToSet(ctx, p.activeSetKey(), threadID); err != nil {
		p.logger.Warn("failed to register active connection",
			"event", "pool_set_error", "thread_id", threadID, "error", err)
	}

	p.mu.Lock()
	p.active[threadID] = ConnectionRecord{ThreadID: threadID, UserID: userID, AcquiredAt: p.clock.Now()}
	p.userCount[userID]++
	p.mu.Unlock()

	p.metrics.RecordAdmission("accepted")
	p.metrics.SetPoolConnections(res.GlobalCount)
	p.logger.Debug("connection acquired",
		"event", "pool_acquire", "thread_id", threadID, "user_id", userID,
		"global_count", res.GlobalCount, "user_count", res.UserCount)
	return nil
}

// acquireLocalLocked enforces limits against this instance's own
// admissions only. Caller holds p.mu.
func (p *Pool) acquireLocalLocked(userID, threadID string) error {
	current := int64(len(p.active))
	if current+1 > p.cfg.MaxGlobal {
		p.metrics.RecordAdmission("pool_exhausted")
		return &PoolExhaustedError{Current: current, Max: p.cfg.MaxGlobal}
	}
	if p.userCount[userID]+1 > p.cfg.MaxPerUser {
		p.metrics.RecordAdmission("user_limit")
		return &UserLimitExceededError{UserID: userID, Current: p.userCount[userID], Limit: p.cfg.MaxPerUser}
	}
	p.active[threadID] = ConnectionRecord{ThreadID: threadID, UserID: userID, AcquiredAt: p.clock.Now()}
	p.userCount[userID]++
	p.pendingGlobal++
	p.pendingUser[userID]++
	p.metrics.RecordAdmission("accepted")
	p.metrics.SetPoolConnections(int64(len(p.active)))
	return nil
}

// Release returns a session's slots.
//
// # Description
//
// Idempotent: a second Release for the same threadID is a no-op and is
// logged as an anomaly rather than raised, so cleanup paths can call it
// unconditionally. Counters never go negative — an untracked threadID is
// not decremented, because the slot it would free belongs to some other
// live session.
//
// # Inputs
//
//   - ctx: Context for the store round trips.
//   - userID: Caller from the matching Acquire.
//   - threadID: Session id from the matching Acquire.
func (p *Pool) Release(ctx context.Context, userID, threadID string) {
	p.mu.Lock()
	rec, tracked := p.active[threadID]
	if !tracked {
		p.mu.Unlock()
		p.logger.Warn("release for untracked connection",
			"event", "pool_release_untracked", "thread_id", threadID, "user_id", userID)
		return
	}
	delete(p.active, threadID)
	if p.userCount[rec.UserID] > 0 {
		p.userCount[rec.UserID]--
		if p.userCount[rec.UserID] == 0 {
			delete(p.userCount, rec.UserID)
		}
	}
	if p.degraded {
		p.pendingGlobal--
		p.pendingUser[rec.UserID]--
		p.metrics.SetPoolConnections(int64(len(p.active)))
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	global, err := p.store.Decrement(ctx, p.globalKey(), 1)
	if err == nil {
		_, err = p.store.Decrement(ctx, p.userKey(rec.UserID), 1)
	}
	if err == nil {
		err = p.store.RemoveFromSet(ctx, p.activeSetKey(), threadID)
	}
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			p.mu.Lock()
			p.enterDegradedLocked(err)
			// The store may hold a stale +1 for this session; push the
			// release with the rest of the pending deltas on recovery.
			p.pendingGlobal--
			p.pendingUser[rec.UserID]--
			p.mu.Unlock()
			return
		}
		p.logger.Warn("release bookkeeping failed",
			"event", "pool_release_error", "thread_id", threadID, "error", err)
		return
	}

	p.metrics.SetPoolConnections(global)
	p.logger.Debug("connection released",
		"event", "pool_release", "thread_id", threadID, "user_id", rec.UserID,
		"global_count", global,
		"held_ms", p.clock.Since(rec.AcquiredAt).Milliseconds())
}

// enterDegradedLocked flips the pool into local-only enforcement.
// Caller holds p.mu.
func (p *Pool) enterDegradedLocked(cause error) {
	if p.degraded {
		return
	}
	p.degraded = true
	p.lastProbe = p.clock.Now()
	p.metrics.SetPoolDegraded(true)
	p.logger.Warn("counter store unreachable, pool falling back to local enforcement",
		"event", "pool_degraded", "error", cause)
}

// maybeReconcileLocked probes the store at most once per
// ReconcileInterval and, on recovery, pushes the net deltas accumulated
// while degraded. Caller holds p.mu.
func (p *Pool) maybeReconcileLocked(ctx context.Context) {
	if !p.degraded || p.clock.Since(p.lastProbe) < p.cfg.ReconcileInterval {
		return
	}
	p.lastProbe = p.clock.Now()

	if _, _, err := p.store.Get(ctx, p.globalKey()); err != nil {
		return
	}

	var applyErr error
	switch {
	case p.pendingGlobal > 0:
		_, applyErr = p.store.Increment(ctx, p.globalKey(), p.pendingGlobal)
	case p.pendingGlobal < 0:
		_, applyErr = p.store.Decrement(ctx, p.globalKey(), -p.pendingGlobal)
	}
	if applyErr != nil {
		return
	}
	for user, delta := range p.pendingUser {
		switch {
		case delta > 0:
			_, applyErr = p.store.Increment(ctx, p.userKey(user), delta)
		case delta < 0:
			_, applyErr = p.store.Decrement(ctx, p.userKey(user), -delta)
		}
		if applyErr != nil {
			return
		}
		delete(p.pendingUser, user)
	}
	for threadID := range p.active {
		_ = p.store.AddToSet(ctx, p.activeSetKey(), threadID)
	}

	p.pendingGlobal = 0
	p.degraded = false
	p.metrics.SetPoolDegraded(false)
	p.logger.Info("counter store recovered, pool reconciled",
		"event", "pool_reconciled", "local_active", len(p.active))
}

// =============================================================================
// Read-only views
// =============================================================================

// Stats returns a snapshot of pool occupancy and health.
//
// When the store is reachable, Current is the fleet-wide count;
// degraded, it is this instance's count only.
func (p *Pool) Stats(ctx context.Context) PoolStats {
	p.mu.Lock()
	degraded := p.degraded
	localActive := len(p.active)
	p.mu.Unlock()

	current := int64(localActive)
	if !degraded {
		if v, ok, err := p.store.Get(ctx, p.globalKey()); err == nil && ok {
			current = v
		}
	}

	stats := PoolStats{
		Current:       current,
		Max:           p.cfg.MaxGlobal,
		LocalActive:   localActive,
		StoreDegraded: degraded,
	}
	if stats.Max > 0 {
		stats.Utilization = float64(current) / float64(stats.Max)
	}
	stats.State = p.stateFor(current)
	return stats
}

// State returns the derived health tier; see PoolState.
func (p *Pool) State(ctx context.Context) PoolState {
	return p.Stats(ctx).State
}

func (p *Pool) stateFor(current int64) PoolState {
	if current >= p.cfg.MaxGlobal {
		return PoolExhausted
	}
	ratio := float64(current) / float64(p.cfg.MaxGlobal)
	switch {
	case ratio >= p.cfg.CriticalThreshold:
		return PoolCritical
	case ratio >= p.cfg.DegradedThreshold:
		return PoolDegraded
	default:
		return PoolHealthy
	}
}
