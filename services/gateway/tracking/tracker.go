// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tracking implements per-request stage timing with
// deterministic sampling and bounded per-stage history.
//
// # Description
//
// The tracker measures where time is spent across the gateway's request
// pipeline (admission, rate limiting, upstream call, stream writing)
// without adding measurable latency to unsampled requests. Sampling is
// deterministic on the thread id: all stages and substages of one
// request are captured together or not at all.
//
// Stage records are owned exclusively by the tracker instance within a
// process; they are never shared across instances. The caller owns the
// per-thread lifecycle and must call ClearThread once the request
// completes — there is no automatic expiry.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package tracking

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	farm "github.com/dgryski/go-farm"
	"github.com/jonboulle/clockwork"

	"github.com/streamgate/streamgate/services/gateway/observability"
)

// ErrNoOpenStage is returned by StartSubstage when the thread has no
// open parent stage. That is a programmer error in the caller's
// instrumentation; silently recording an orphan would corrupt the trace.
var ErrNoOpenStage = errors.New("no open parent stage for thread")

// =============================================================================
// Records
// =============================================================================

// StageExecution is one timed stage or substage. Immutable once its
// scope ends.
type StageExecution struct {
	StageID      string            `json:"stage_id"`
	Name         string            `json:"name"`
	ThreadID     string            `json:"thread_id"`
	Start        time.Time         `json:"start"`
	DurationMs   float64           `json:"duration_ms"`
	Success      bool              `json:"success"`
	ErrorType    string            `json:"error_type,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Substages    []*StageExecution `json:"substages,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ExecutionSummary is the aggregated trace for one thread, built on
// demand from the recorded stages.
type ExecutionSummary struct {
	ThreadID string `json:"thread_id"`
	// Stages are the completed top-level stages in completion order,
	// substages nested.
	Stages []*StageExecution `json:"stages"`
	// TotalDurationMs is the sum of top-level stage durations.
	TotalDurationMs float64 `json:"total_duration_ms"`
	// Success is false if any recorded stage failed.
	Success bool `json:"success"`
}

// StageStatistics aggregates the retained history for one stage id.
type StageStatistics struct {
	StageID string `json:"stage_id"`
	Count   int    `json:"count"`
	// Percentiles use linear interpolation over the sorted samples:
	// rank = p/100 * (n-1), interpolating between the two neighbors.
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P50DurationMs float64 `json:"p50_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
	P99DurationMs float64 `json:"p99_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

// =============================================================================
// Tracker
// =============================================================================

// Config configures a Tracker.
type Config struct {
	// SamplingRate in [0, 1] selects the fraction of threads tracked.
	SamplingRate float64
	// MaxRetainedSamples bounds the per-stage history ring buffer;
	// oldest samples are evicted first.
	MaxRetainedSamples int
}

// threadRecord holds one tracked thread's completed top-level stages and
// the stack of currently open scopes.
type threadRecord struct {
	stages []*StageExecution
	open   []*StageExecution
}

// sample is one retained history entry for a stage id.
type sample struct {
	durationMs float64
	success    bool
}

// ring is a fixed-capacity oldest-first-eviction buffer of samples.
type ring struct {
	buf  []sample
	next int
	full bool
}

func (r *ring) add(s sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns up to limit samples, most recent last.
func (r *ring) recent(limit int) []sample {
	var ordered []sample
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Tracker records sampled stage timings. One instance per process,
// constructed at startup and passed to handlers.
type Tracker struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.GatewayMetrics

	mu      sync.Mutex
	threads map[string]*threadRecord
	history map[string]*ring
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config, logger *slog.Logger, metrics *observability.GatewayMetrics) *Tracker {
	return newTrackerWithClock(cfg, logger, metrics, clockwork.NewRealClock())
}

func newTrackerWithClock(cfg Config, logger *slog.Logger, metrics *observability.GatewayMetrics,
	clock clockwork.Clock) *Tracker {

	if cfg.MaxRetainedSamples < 1 {
		cfg.MaxRetainedSamples = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		threads: make(map[string]*threadRecord),
		history: make(map[string]*ring),
	}
}

// ShouldTrack reports whether threadID is selected for tracking.
//
// # Description
//
// Pure and deterministic: the thread id hashes to a bucket in [0, 100)
// which is compared against SamplingRate*100. The same thread id always
// yields the same decision for a given rate, so every stage of one
// request is captured together or not at all.
func (t *Tracker) ShouldTrack(threadID string) bool {
	bucket := farm.Fingerprint32([]byte(threadID)) % 100
	return float64(bucket) < t.cfg.SamplingRate*100
}

// =============================================================================
// Scopes
// =============================================================================

// StageScope is an open stage or substage. End must be called on every
// exit path; deferring it immediately after a successful Start is the
// expected pattern. A no-op scope (unsampled thread) is valid and End on
// it does nothing.
type StageScope struct {
	t        *Tracker
	threadID string
	exec     *StageExecution
	noop     bool
	ended    bool
}

// StartStage opens a top-level stage scope for threadID.
//
// # Description
//
// If sampling selects the thread (or force is set), the returned scope
// records a StageExecution on End. Otherwise the scope is a no-op
// wrapper with negligible overhead. Tracking never alters control flow:
// the error passed to End is only observed, never swallowed.
//
// # Inputs
//
//   - stageID: Stable identifier used for history aggregation.
//   - name: Human-readable stage name.
//   - threadID: The request's thread id.
//   - force: Track regardless of the sampling decision.
func (t *Tracker) StartStage(stageID, name, threadID string, force bool) *StageScope {
	if !force && !t.ShouldTrack(threadID) {
		return &StageScope{noop: true}
	}

	exec := &StageExecution{
		StageID:  stageID,
		Name:     name,
		ThreadID: threadID,
		Start:    t.clock.Now(),
	}

	t.mu.Lock()
	rec, ok := t.threads[threadID]
	if !ok {
		rec = &threadRecord{}
		t.threads[threadID] = rec
	}
	rec.open = append(rec.open, exec)
	t.mu.Unlock()

	return &StageScope{t: t, threadID: threadID, exec: exec}
}

// StartSubstage opens a scope nested under the innermost open stage for
// threadID.
//
// # Outputs
//
//   - *StageScope: The substage scope, or a no-op scope when the thread
//     is not sampled.
//   - error: ErrNoOpenStage if the thread is tracked but has no open
//     parent — a contract violation that is never silently dropped.
func (t *Tracker) StartSubstage(threadID, substageID, name string) (*StageScope, error) {
	t.mu.Lock()
	rec, tracked := t.threads[threadID]
	if !tracked || len(rec.open) == 0 {
		t.mu.Unlock()
		if !tracked && !t.ShouldTrack(threadID) {
			return &StageScope{noop: true}, nil
		}
		return nil, fmt.Errorf("substage %q: %w %q", substageID, ErrNoOpenStage, threadID)
	}

	exec := &StageExecution{
		StageID:  substageID,
		Name:     name,
		ThreadID: threadID,
		Start:    t.clock.Now(),
	}
	rec.open = append(rec.open, exec)
	t.mu.Unlock()

	return &StageScope{t: t, threadID: threadID, exec: exec}, nil
}

// SetMetadata attaches a key/value pair to the scope's record. No-op on
// unsampled scopes.
func (s *StageScope) SetMetadata(key, value string) {
	if s.noop || s.ended {
		return
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.exec.Metadata == nil {
		s.exec.Metadata = make(map[string]string)
	}
	s.exec.Metadata[key] = value
}

// End closes the scope, recording duration and outcome.
//
// # Description
//
// err is observed only: pass the operation's error (or nil) and return
// it to the caller unchanged. End is idempotent; the second call is
// ignored. Must run on every exit path, including panics unwinding
// through a defer.
func (s *StageScope) End(err error) {
	if s.noop || s.ended {
		return
	}
	s.ended = true
	t := s.t

	now := t.clock.Now()
	s.exec.DurationMs = float64(now.Sub(s.exec.Start).Microseconds()) / 1000.0
	s.exec.Success = err == nil
	if err != nil {
		s.exec.ErrorType = fmt.Sprintf("%T", err)
		s.exec.ErrorMessage = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.threads[s.threadID]
	if !ok {
		// Thread cleared while the scope was open; keep the history
		// sample, drop the per-thread record.
		t.recordHistoryLocked(s.exec)
		return
	}

	// Pop this scope. It is normally the innermost; out-of-order ends
	// are tolerated but logged, since they indicate broken nesting.
	idx := -1
	for i := len(rec.open) - 1; i >= 0; i-- {
		if rec.open[i] == s.exec {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.recordHistoryLocked(s.exec)
		return
	}
	if idx != len(rec.open)-1 {
		t.logger.Warn("stage scope ended out of order",
			"event", "tracking_nesting", "thread_id", s.threadID, "stage_id", s.exec.StageID)
	}
	rec.open = append(rec.open[:idx], rec.open[idx+1:]...)

	if idx == 0 {
		// Top-level stage: append to the thread's completed list.
		rec.stages = append(rec.stages, s.exec)
	} else {
		// Substage: attach to what is now the innermost open ancestor.
		parent := rec.open[idx-1]
		parent.Substages = append(parent.Substages, s.exec)
	}

	t.recordHistoryLocked(s.exec)
	t.metrics.RecordStageDuration(s.exec.StageID, s.exec.DurationMs/1000.0, s.exec.Success)
	t.logger.Debug("stage recorded",
		"event", "stage_recorded", "stage_id", s.exec.StageID, "thread_id", s.threadID,
		"duration_ms", s.exec.DurationMs, "success", s.exec.Success)
}

// recordHistoryLocked pushes one completed execution into the bounded
// per-stage ring. Caller holds t.mu.
func (t *Tracker) recordHistoryLocked(exec *StageExecution) {
	r, ok := t.history[exec.StageID]
	if !ok {
		r = &ring{buf: make([]sample, t.cfg.MaxRetainedSamples)}
		t.history[exec.StageID] = r
	}
	r.add(sample{durationMs: exec.DurationMs, success: exec.Success})
}

// =============================================================================
// Queries
// =============================================================================

// ExecutionSummary returns the trace recorded so far for threadID.
// The second return is false if nothing was recorded for that thread.
func (t *Tracker) ExecutionSummary(threadID string) (ExecutionSummary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.threads[threadID]
	if !ok || len(rec.stages) == 0 {
		return ExecutionSummary{}, false
	}

	summary := ExecutionSummary{
		ThreadID: threadID,
		Stages:   append([]*StageExecution(nil), rec.stages...),
		Success:  true,
	}
	for _, st := range rec.stages {
		summary.TotalDurationMs += st.DurationMs
		if !st.Success {
			summary.Success = false
		}
	}
	return summary, true
}

// StageStatistics aggregates the most recent limit retained executions
// of stageID across all threads. limit <= 0 or beyond the retention
// bound uses everything retained. The second return is false if the
// stage has no history.
func (t *Tracker) StageStatistics(stageID string, limit int) (StageStatistics, bool) {
	t.mu.Lock()
	r, ok := t.history[stageID]
	if !ok {
		t.mu.Unlock()
		return StageStatistics{}, false
	}
	samples := r.recent(limit)
	t.mu.Unlock()

	if len(samples) == 0 {
		return StageStatistics{}, false
	}

	durations := make([]float64, len(samples))
	var sum float64
	successes := 0
	for i, s := range samples {
		durations[i] = s.durationMs
		sum += s.durationMs
		if s.success {
			successes++
		}
	}
	sort.Float64s(durations)

	n := float64(len(samples))
	return StageStatistics{
		StageID:       stageID,
		Count:         len(samples),
		AvgDurationMs: sum / n,
		P50DurationMs: percentile(durations, 50),
		P95DurationMs: percentile(durations, 95),
		P99DurationMs: percentile(durations, 99),
		SuccessRate:   float64(successes) / n,
	}, true
}

// ClearThread drops all per-thread state for threadID. The caller owns
// the lifecycle and calls this when the request completes; retained
// per-stage history is unaffected.
func (t *Tracker) ClearThread(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, threadID)
}

// percentile computes the p-th percentile of sorted by linear
// interpolation: rank = p/100 * (n-1), interpolated between neighbors.
// For samples [1..10]ms this yields p95 = 9.55, p99 = 9.91.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(rank)
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}
