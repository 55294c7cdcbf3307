// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/logger"
)

// WriteScheduler coalesces bursts of Schedule calls into one write.
//
// Each Schedule call pushes the pending write back by delay, but never past
// maxDelay from the first unwritten change. Flush cancels the timer and
// writes synchronously.
type WriteScheduler struct {
	delay    time.Duration
	maxDelay time.Duration
	write    func() error

	mu         sync.Mutex
	timer      *time.Timer
	pending    bool
	firstDirty time.Time
	closed     bool

	// writeMu serializes write calls between the timer and Flush.
	writeMu sync.Mutex
}

// NewWriteScheduler returns a scheduler that calls write after delay of quiet.
func NewWriteScheduler(delay, maxDelay time.Duration, write func() error) *WriteScheduler {
	if maxDelay < delay {
		maxDelay = delay
	}
	return &WriteScheduler{
		delay:    delay,
		maxDelay: maxDelay,
		write:    write,
	}
}

// Schedule marks state dirty and arms or extends the timer.
func (w *WriteScheduler) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	now := time.Now()
	if !w.pending {
		w.pending = true
		w.firstDirty = now
	}

	wait := w.delay
	if deadline := w.firstDirty.Add(w.maxDelay); now.Add(wait).After(deadline) {
		wait = max(deadline.Sub(now), 0)
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(wait, w.fire)
		return
	}
	w.timer.Reset(wait)
}

// Pending reports whether a write is scheduled.
func (w *WriteScheduler) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Flush writes now if anything is pending. Calling it again with nothing
// pending is a no-op.
func (w *WriteScheduler) Flush() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	pending := w.pending
	w.pending = false
	w.mu.Unlock()

	if !pending {
		return nil
	}

	if err := w.write(); err != nil {
		// keep the data dirty so the next Schedule or Flush retries
		w.mu.Lock()
		if !w.pending {
			w.pending = true
			w.firstDirty = time.Now()
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

// Close flushes pending data and rejects later Schedule calls.
func (w *WriteScheduler) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Flush()
}

func (w *WriteScheduler) fire() {
	if err := w.Flush(); err != nil {
		logger.Errorw("scheduled write failed", "error", err)
	}
}
