// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pkce

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/logger"
)

const defaultCleanupInterval = time.Minute

type entry struct {
	data      Data
	expiresAt time.Time
}

// MemoryStore keeps verifiers in process memory. It is only correct for a
// single server process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often expired verifiers are swept.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts its cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]entry),
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// StoreCodeVerifier implements Store.
func (s *MemoryStore) StoreCodeVerifier(_ context.Context, code string, data *Data, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[code] = entry{data: *data, expiresAt: time.Now().Add(ttlOrDefault(ttl))}
	return nil
}

// GetCodeVerifier implements Store.
func (s *MemoryStore) GetCodeVerifier(_ context.Context, code string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookupLocked(code), nil
}

// GetAndDeleteCodeVerifier implements Store. Lookup and removal happen under
// one lock acquisition.
func (s *MemoryStore) GetAndDeleteCodeVerifier(_ context.Context, code string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.lookupLocked(code)
	if data != nil {
		delete(s.entries, code)
	}
	return data, nil
}

// HasCodeVerifier implements Store.
func (s *MemoryStore) HasCodeVerifier(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookupLocked(code) != nil, nil
}

// DeleteCodeVerifier implements Store.
func (s *MemoryStore) DeleteCodeVerifier(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, code)
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// lookupLocked returns a copy of the entry for code, purging it if expired.
// Caller must hold s.mu.
func (s *MemoryStore) lookupLocked(code string) *Data {
	e, ok := s.entries[code]
	if !ok {
		return nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, code)
		return nil
	}
	data := e.data
	return &data
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n := s.cleanupExpired(); n > 0 {
				logger.Debugw("swept expired code verifiers", "count", n)
			}
		}
	}
}

func (s *MemoryStore) cleanupExpired() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, code)
			removed++
		}
	}
	return removed
}
