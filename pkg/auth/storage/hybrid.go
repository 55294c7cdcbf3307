// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/logger"
)

// HybridStoreConfig configures a HybridStore.
type HybridStoreConfig struct {
	FileStoreConfig

	// CleanupInterval is how often expired entries are swept from memory.
	CleanupInterval time.Duration
	// ResyncInterval, when positive, forces a full write on that period
	// even if no change was scheduled.
	ResyncInterval time.Duration
}

// HybridStore serves every read from memory and uses the file only for
// durability. Writes land in memory synchronously and reach disk through
// the write scheduler.
type HybridStore struct {
	*durableState

	cleanupInterval time.Duration
	resyncInterval  time.Duration

	stop      chan struct{}
	done      sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewHybridStore loads the file and starts the cleanup and resync loops.
func NewHybridStore(cfg HybridStoreConfig) (*HybridStore, error) {
	d, err := openDurableState(cfg.FileStoreConfig)
	if err != nil {
		return nil, err
	}

	s := &HybridStore{
		durableState:    d,
		cleanupInterval: cfg.CleanupInterval,
		resyncInterval:  cfg.ResyncInterval,
		stop:            make(chan struct{}),
	}
	if s.cleanupInterval <= 0 {
		s.cleanupInterval = DefaultCleanupInterval
	}

	s.done.Add(1)
	go s.cleanupLoop()
	if s.resyncInterval > 0 {
		s.done.Add(1)
		go s.resyncLoop()
	}
	return s, nil
}

// Cleanup implements Store.
func (s *HybridStore) Cleanup(_ context.Context) (int, error) {
	return s.cleanupExpired(), nil
}

// Close stops the background loops and flushes pending writes.
func (s *HybridStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.done.Wait()
		s.closeErr = s.scheduler.Close()
	})
	return s.closeErr
}

func (s *HybridStore) cleanupLoop() {
	defer s.done.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.cleanupExpired(); n > 0 {
				logger.Debugw("removed expired entries", "count", n)
			}
		}
	}
}

func (s *HybridStore) resyncLoop() {
	defer s.done.Done()

	ticker := time.NewTicker(s.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				logger.Errorw("periodic resync failed", "error", err)
			}
		}
	}
}
