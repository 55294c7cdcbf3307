// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/logger"
)

// Default write coalescing windows for the file and hybrid backends.
const (
	DefaultWriteDelay    = 100 * time.Millisecond
	DefaultMaxWriteDelay = 2 * time.Second
)

// FileStoreConfig configures the file and hybrid backends.
type FileStoreConfig struct {
	// Path of the JSON document.
	Path string
	// Cipher seals the document. Nil stores plaintext.
	Cipher *Cipher
	// WriteDelay is the quiet period before a scheduled write runs.
	WriteDelay time.Duration
	// MaxWriteDelay caps how long a continuous stream of changes can defer a write.
	MaxWriteDelay time.Duration
}

func (c *FileStoreConfig) withDefaults() FileStoreConfig {
	out := *c
	if out.WriteDelay <= 0 {
		out.WriteDelay = DefaultWriteDelay
	}
	if out.MaxWriteDelay <= 0 {
		out.MaxWriteDelay = DefaultMaxWriteDelay
	}
	return out
}

// durableState is a memoryState mirrored to a file through a WriteScheduler.
type durableState struct {
	*memoryState
	persister *filePersister
	scheduler *WriteScheduler
}

func openDurableState(cfg FileStoreConfig) (*durableState, error) {
	cfg = cfg.withDefaults()

	persister, err := newFilePersister(cfg.Path, cfg.Cipher)
	if err != nil {
		return nil, err
	}

	d := &durableState{
		memoryState: newMemoryState(),
		persister:   persister,
	}

	var doc tokenDocument
	found, err := persister.load(&doc)
	if err != nil {
		return nil, err
	}
	if found {
		d.restore(&doc)
		logger.Debugw("loaded token store",
			"path", cfg.Path, "tokens", len(d.tokens), "sessions", len(d.sessions), "metadata", len(d.metadata))
	}

	d.scheduler = NewWriteScheduler(cfg.WriteDelay, cfg.MaxWriteDelay, d.persist)
	d.onChange = d.scheduler.Schedule
	return d, nil
}

func (d *durableState) persist() error {
	doc := d.snapshot()
	doc.UpdatedAt = d.now().UTC()
	if err := d.persister.save(doc, doc.UpdatedAt); err != nil {
		return fmt.Errorf("failed to persist token store: %w", err)
	}
	return nil
}

// Flush writes the current state to disk immediately, bypassing the write
// delay. Repeated calls write the same state and are safe.
func (d *durableState) Flush() error {
	d.scheduler.Schedule()
	return d.scheduler.Flush()
}

// FileStore implements Store on top of an encrypted JSON file. State is held
// in memory after load; every change schedules a coalesced write. It is
// meant for a single process that needs its tokens to survive restarts.
type FileStore struct {
	*durableState
	closeOnce sync.Once
	closeErr  error
}

// NewFileStore loads the document at cfg.Path (a missing file is an empty
// store) and rebuilds the refresh token index from the token records.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	d, err := openDurableState(cfg)
	if err != nil {
		return nil, err
	}
	return &FileStore{durableState: d}, nil
}

// Cleanup implements Store.
func (s *FileStore) Cleanup(_ context.Context) (int, error) {
	return s.cleanupExpired(), nil
}

// Close writes any pending changes.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.scheduler.Close()
	})
	return s.closeErr
}
