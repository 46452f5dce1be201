// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// gateway's admission-control core.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// resilience layer. Metrics include:
//   - Admission decisions (accepted, pool_exhausted, user_limit)
//   - Pool occupancy and health tier
//   - Circuit breaker state and transitions per provider
//   - Rate limiter verdicts per tier
//   - Stage duration histograms from the execution tracker
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "streamgate"

// Subsystem for the admission-control core.
const admissionSubsystem = "admission"

// GatewayMetrics holds all Prometheus metrics for the resilience layer.
//
// # Description
//
// Provides counters, histograms, and gauges for the four core
// components. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type GatewayMetrics struct {
	// AdmissionsTotal counts acquire outcomes.
	// Labels: outcome (accepted, pool_exhausted, user_limit)
	AdmissionsTotal *prometheus.CounterVec

	// PoolConnections tracks current global pool occupancy.
	PoolConnections prometheus.Gauge

	// PoolDegraded is 1 while the pool is enforcing locally because the
	// shared store is unreachable, 0 otherwise.
	PoolDegraded prometheus.Gauge

	// BreakerState reports the per-provider breaker state.
	// Labels: provider. Values: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec

	// BreakerTransitionsTotal counts breaker state transitions.
	// Labels: provider, to (closed, open, half_open)
	BreakerTransitionsTotal *prometheus.CounterVec

	// RateLimitChecksTotal counts limiter verdicts.
	// Labels: tier (default, premium), verdict (allowed, rejected)
	RateLimitChecksTotal *prometheus.CounterVec

	// StageDurationSeconds measures tracked stage durations.
	// Labels: stage, success (true, false)
	StageDurationSeconds *prometheus.HistogramVec

	// UpstreamCallsTotal counts upstream invocations through the breaker.
	// Labels: provider, status (success, error, timeout, circuit_open)
	UpstreamCallsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of GatewayMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GatewayMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup, after the Prometheus registry is available.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		AdmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: admissionSubsystem,
				Name:      "decisions_total",
				Help:      "Total admission decisions by outcome",
			},
			[]string{"outcome"},
		),

		PoolConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: admissionSubsystem,
				Name:      "pool_connections",
				Help:      "Current global connection pool occupancy",
			},
		),

		PoolDegraded: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: admissionSubsystem,
				Name:      "pool_degraded",
				Help:      "1 while pool enforcement is local-only (store unreachable)",
			},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),

		BreakerTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions by provider and target state",
			},
			[]string{"provider", "to"},
		),

		RateLimitChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Rate limiter verdicts by tier",
			},
			[]string{"tier", "verdict"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "tracking",
				Name:      "stage_duration_seconds",
				Help:      "Tracked pipeline stage durations",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage", "success"},
		),

		UpstreamCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "calls_total",
				Help:      "Upstream calls through the circuit breaker by provider and status",
			},
			[]string{"provider", "status"},
		),
	}

	return DefaultMetrics
}

// RecordAdmission records an acquire outcome.
func (m *GatewayMetrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

// SetPoolConnections updates the pool occupancy gauge.
func (m *GatewayMetrics) SetPoolConnections(n int64) {
	if m == nil {
		return
	}
	m.PoolConnections.Set(float64(n))
}

// SetPoolDegraded flips the degraded-mode gauge.
func (m *GatewayMetrics) SetPoolDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.PoolDegraded.Set(1)
	} else {
		m.PoolDegraded.Set(0)
	}
}

// RecordBreakerTransition records a state change and updates the state
// gauge. stateValue follows the BreakerState encoding.
func (m *GatewayMetrics) RecordBreakerTransition(provider, to string, stateValue float64) {
	if m == nil {
		return
	}
	m.BreakerTransitionsTotal.WithLabelValues(provider, to).Inc()
	m.BreakerState.WithLabelValues(provider).Set(stateValue)
}

// RecordRateLimitCheck records a limiter verdict.
func (m *GatewayMetrics) RecordRateLimitCheck(tier string, allowed bool) {
	if m == nil {
		return
	}
	verdict := "allowed"
	if !allowed {
		verdict = "rejected"
	}
	m.RateLimitChecksTotal.WithLabelValues(tier, verdict).Inc()
}

// RecordStageDuration records a completed tracked stage.
func (m *GatewayMetrics) RecordStageDuration(stage string, seconds float64, success bool) {
	if m == nil {
		return
	}
	label := "true"
	if !success {
		label = "false"
	}
	m.StageDurationSeconds.WithLabelValues(stage, label).Observe(seconds)
}

// RecordUpstreamCall records the outcome of one wrapped upstream call.
func (m *GatewayMetrics) RecordUpstreamCall(provider, status string) {
	if m == nil {
		return
	}
	m.UpstreamCallsTotal.WithLabelValues(provider, status).Inc()
}
