// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process CounterStore.
//
// # Description
//
// Used in two places: unit tests, and "lightweight mode" single-instance
// deployments where no Redis address is configured. Counters are only
// consistent within the owning process, which is exactly the guarantee a
// single-instance deployment needs.
//
// Expiry is lazy: expired keys are dropped when next touched. The clock
// is injectable so tests can advance time deterministically.
//
// # Thread Safety
//
// All methods are safe for concurrent use via a single mutex. Compound
// operations (AcquirePair, IncrementWithExpiry) are atomic under that
// mutex.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	values map[string]int64
	expiry map[string]time.Time
	sets   map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore using the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock returns an empty MemoryStore driven by the
// given clock. Tests pass a clockwork fake clock.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:  clock,
		values: make(map[string]int64),
		expiry: make(map[string]time.Time),
		sets:   make(map[string]map[string]struct{}),
	}
}

// expireLocked drops key if its TTL has lapsed. Caller holds mu.
func (s *MemoryStore) expireLocked(key string) {
	if deadline, ok := s.expiry[key]; ok && !s.clock.Now().Before(deadline) {
		delete(s.values, key)
		delete(s.expiry, key)
	}
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	s.values[key] += delta
	return s.values[key], nil
}

// Decrement implements CounterStore, clamping at zero.
func (s *MemoryStore) Decrement(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	v := s.values[key] - delta
	if v < 0 {
		v = 0
	}
	s.values[key] = v
	return v, nil
}

// Get implements CounterStore.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	v, ok := s.values[key]
	return v, ok, nil
}

// SetWithExpiry implements CounterStore.
func (s *MemoryStore) SetWithExpiry(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	if ttl > 0 {
		s.expiry[key] = s.clock.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

// IncrementWithExpiry implements CounterStore. The TTL only attaches on
// the increment that creates the key.
func (s *MemoryStore) IncrementWithExpiry(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	_, existed := s.values[key]
	s.values[key] += delta
	if !existed && ttl > 0 {
		s.expiry[key] = s.clock.Now().Add(ttl)
	}
	return s.values[key], nil
}

// AddToSet implements CounterStore.
func (s *MemoryStore) AddToSet(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		s.sets[setKey] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet implements CounterStore.
func (s *MemoryStore) RemoveFromSet(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[setKey]; ok {
		delete(set, member)
	}
	return nil
}

// SetMembers returns a snapshot of the set stored at setKey. Test helper;
// not part of CounterStore.
func (s *MemoryStore) SetMembers(setKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.sets[setKey]))
	for m := range s.sets[setKey] {
		members = append(members, m)
	}
	return members
}

// AcquirePair implements CounterStore. Both checks and both increments
// happen under one mutex hold, mirroring the Lua script on the Redis
// side.
func (s *MemoryStore) AcquirePair(_ context.Context, globalKey, userKey string, maxGlobal, maxUser int64) (AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(globalKey)
	s.expireLocked(userKey)

	g := s.values[globalKey]
	u := s.values[userKey]
	if g+1 > maxGlobal {
		return AcquireResult{Admitted: false, Rejection: RejectionGlobal, GlobalCount: g, UserCount: u}, nil
	}
	if u+1 > maxUser {
		return AcquireResult{Admitted: false, Rejection: RejectionUser, GlobalCount: g, UserCount: u}, nil
	}
	s.values[globalKey] = g + 1
	s.values[userKey] = u + 1
	return AcquireResult{Admitted: true, Rejection: RejectionNone, GlobalCount: g + 1, UserCount: u + 1}, nil
}
