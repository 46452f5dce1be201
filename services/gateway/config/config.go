// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the gateway's configuration surface.
//
// # Description
//
// Configuration is read from environment variables, matching how the
// rest of the deployment is wired (compose files set these per
// container). Every value has a production-sensible default so a bare
// `gateway` binary starts in lightweight single-instance mode.
//
// # Environment Variables
//
//   - GATEWAY_PORT: HTTP server port (default: 12300)
//   - REDIS_ADDR: shared counter store address; empty = in-process store
//   - MAX_GLOBAL_CONNECTIONS (default: 100)
//   - MAX_CONNECTIONS_PER_USER (default: 10)
//   - POOL_DEGRADED_THRESHOLD (default: 0.7)
//   - POOL_CRITICAL_THRESHOLD (default: 0.9)
//   - CB_FAILURE_THRESHOLD (default: 5)
//   - CB_RECOVERY_TIMEOUT_SECONDS (default: 60)
//   - CB_SUCCESS_THRESHOLD (default: 2)
//   - CB_TIMEOUT_SECONDS (default: 30)
//   - RATE_LIMIT_DEFAULT (default: "100/minute")
//   - RATE_LIMIT_PREMIUM (default: "1000/minute")
//   - RATE_LIMIT_BURST (default: 20)
//   - LOCAL_CACHE_SYNC_INTERVAL_SECONDS (default: 1)
//   - EXECUTION_SAMPLING_RATE (default: 0.1)
//   - MAX_RETAINED_SAMPLES_PER_STAGE (default: 1000)
//   - LLM_BACKEND_TYPE: default upstream provider (default: ollama)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateSpec is a parsed "N/period" rate limit, e.g. "100/minute".
type RateSpec struct {
	// Limit is the number of admitted calls per window.
	Limit int64
	// Period is the fixed window length.
	Period time.Duration
}

// String renders the spec back in "N/period" form.
func (r RateSpec) String() string {
	var period string
	switch r.Period {
	case time.Second:
		period = "second"
	case time.Minute:
		period = "minute"
	case time.Hour:
		period = "hour"
	default:
		period = r.Period.String()
	}
	return fmt.Sprintf("%d/%s", r.Limit, period)
}

// ParseRateSpec parses "N/second", "N/minute" or "N/hour".
//
// # Inputs
//
//   - s: The spec string. Whitespace is tolerated around both parts.
//
// # Outputs
//
//   - RateSpec: The parsed limit and window length.
//   - error: Non-nil if the string is malformed or the limit is < 1.
func ParseRateSpec(s string) (RateSpec, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return RateSpec{}, fmt.Errorf("rate spec %q: want \"N/period\"", s)
	}
	limit, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || limit < 1 {
		return RateSpec{}, fmt.Errorf("rate spec %q: bad limit", s)
	}
	var period time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "second", "sec", "s":
		period = time.Second
	case "minute", "min", "m":
		period = time.Minute
	case "hour", "hr", "h":
		period = time.Hour
	default:
		return RateSpec{}, fmt.Errorf("rate spec %q: unknown period %q", s, parts[1])
	}
	return RateSpec{Limit: limit, Period: period}, nil
}

// Config is the full gateway configuration.
type Config struct {
	Port      string
	RedisAddr string

	// Admission pool.
	MaxGlobalConnections  int64
	MaxConnectionsPerUser int64
	PoolDegradedThreshold float64
	PoolCriticalThreshold float64

	// Circuit breaker.
	CBFailureThreshold int64
	CBRecoveryTimeout  time.Duration
	CBSuccessThreshold int64
	CBTimeout          time.Duration

	// Rate limiter.
	RateLimitDefault       RateSpec
	RateLimitPremium       RateSpec
	RateLimitBurst         int64
	LocalCacheSyncInterval time.Duration

	// Execution tracker.
	ExecutionSamplingRate      float64
	MaxRetainedSamplesPerStage int

	// Upstream.
	DefaultProvider string
}

// Default returns the configuration the gateway runs with when no
// environment is set.
func Default() Config {
	return Config{
		Port:                       "12300",
		MaxGlobalConnections:       100,
		MaxConnectionsPerUser:      10,
		PoolDegradedThreshold:      0.7,
		PoolCriticalThreshold:      0.9,
		CBFailureThreshold:         5,
		CBRecoveryTimeout:          60 * time.Second,
		CBSuccessThreshold:         2,
		CBTimeout:                  30 * time.Second,
		RateLimitDefault:           RateSpec{Limit: 100, Period: time.Minute},
		RateLimitPremium:           RateSpec{Limit: 1000, Period: time.Minute},
		RateLimitBurst:             20,
		LocalCacheSyncInterval:     time.Second,
		ExecutionSamplingRate:      0.1,
		MaxRetainedSamplesPerStage: 1000,
		DefaultProvider:            "ollama",
	}
}

// FromEnv builds a Config from the environment, falling back to
// Default() for anything unset.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - error: Non-nil if a set variable fails to parse or validate.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Port = v
	}
	cfg.RedisAddr = strings.Trim(os.Getenv("REDIS_ADDR"), "\"' ")

	var err error
	if cfg.MaxGlobalConnections, err = envInt64("MAX_GLOBAL_CONNECTIONS", cfg.MaxGlobalConnections); err != nil {
		return cfg, err
	}
	if cfg.MaxConnectionsPerUser, err = envInt64("MAX_CONNECTIONS_PER_USER", cfg.MaxConnectionsPerUser); err != nil {
		return cfg, err
	}
	if cfg.PoolDegradedThreshold, err = envFloat("POOL_DEGRADED_THRESHOLD", cfg.PoolDegradedThreshold); err != nil {
		return cfg, err
	}
	if cfg.PoolCriticalThreshold, err = envFloat("POOL_CRITICAL_THRESHOLD", cfg.PoolCriticalThreshold); err != nil {
		return cfg, err
	}
	if cfg.CBFailureThreshold, err = envInt64("CB_FAILURE_THRESHOLD", cfg.CBFailureThreshold); err != nil {
		return cfg, err
	}
	if cfg.CBRecoveryTimeout, err = envSeconds("CB_RECOVERY_TIMEOUT_SECONDS", cfg.CBRecoveryTimeout); err != nil {
		return cfg, err
	}
	if cfg.CBSuccessThreshold, err = envInt64("CB_SUCCESS_THRESHOLD", cfg.CBSuccessThreshold); err != nil {
		return cfg, err
	}
	if cfg.CBTimeout, err = envSeconds("CB_TIMEOUT_SECONDS", cfg.CBTimeout); err != nil {
		return cfg, err
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT"); v != "" {
		if cfg.RateLimitDefault, err = ParseRateSpec(v); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("RATE_LIMIT_PREMIUM"); v != "" {
		if cfg.RateLimitPremium, err = ParseRateSpec(v); err != nil {
			return cfg, err
		}
	}
	if cfg.RateLimitBurst, err = envInt64("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.LocalCacheSyncInterval, err = envSeconds("LOCAL_CACHE_SYNC_INTERVAL_SECONDS", cfg.LocalCacheSyncInterval); err != nil {
		return cfg, err
	}
	if cfg.ExecutionSamplingRate, err = envFloat("EXECUTION_SAMPLING_RATE", cfg.ExecutionSamplingRate); err != nil {
		return cfg, err
	}
	var retained int64
	if retained, err = envInt64("MAX_RETAINED_SAMPLES_PER_STAGE", int64(cfg.MaxRetainedSamplesPerStage)); err != nil {
		return cfg, err
	}
	cfg.MaxRetainedSamplesPerStage = int(retained)
	if v := os.Getenv("LLM_BACKEND_TYPE"); v != "" {
		cfg.DefaultProvider = v
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.MaxGlobalConnections < 1 {
		return fmt.Errorf("MAX_GLOBAL_CONNECTIONS must be >= 1, got %d", c.MaxGlobalConnections)
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be >= 1, got %d", c.MaxConnectionsPerUser)
	}
	if c.PoolDegradedThreshold <= 0 || c.PoolDegradedThreshold > 1 {
		return fmt.Errorf("POOL_DEGRADED_THRESHOLD must be in (0, 1], got %g", c.PoolDegradedThreshold)
	}
	if c.PoolCriticalThreshold < c.PoolDegradedThreshold || c.PoolCriticalThreshold > 1 {
		return fmt.Errorf("POOL_CRITICAL_THRESHOLD must be in [degraded, 1], got %g", c.PoolCriticalThreshold)
	}
	if c.CBFailureThreshold < 1 || c.CBSuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker thresholds must be >= 1")
	}
	if c.ExecutionSamplingRate < 0 || c.ExecutionSamplingRate > 1 {
		return fmt.Errorf("EXECUTION_SAMPLING_RATE must be in [0, 1], got %g", c.ExecutionSamplingRate)
	}
	if c.MaxRetainedSamplesPerStage < 1 {
		return fmt.Errorf("MAX_RETAINED_SAMPLES_PER_STAGE must be >= 1, got %d", c.MaxRetainedSamplesPerStage)
	}
	return nil
}

func envInt64(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return parsed, nil
}

func envFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return parsed, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(parsed * float64(time.Second)), nil
}
