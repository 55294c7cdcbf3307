// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session maps protocol session IDs to live, process-local
// instances. The shared metadata store decides whether a session exists;
// the local cache only saves reconstruction work.
package session

import (
	"maps"
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// Transport is the process-local connection state behind a session.
type Transport interface {
	Close() error
}

// Instance is the live, process-local side of a protocol session.
type Instance struct {
	id      string
	created time.Time

	mu         sync.RWMutex
	lastUsed   time.Time
	authInfo   *storage.TokenInfo
	attributes map[string]string
	transport  Transport

	closeOnce sync.Once
	done      chan struct{}
}

func newInstance(md *storage.SessionMetadata, now time.Time) *Instance {
	inst := &Instance{
		id:       md.SessionID,
		created:  now,
		lastUsed: now,
		done:     make(chan struct{}),
	}
	inst.apply(md)
	return inst
}

// apply copies the shared record into the instance.
func (i *Instance) apply(md *storage.SessionMetadata) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.authInfo = md.AuthInfo.Clone()
	i.attributes = maps.Clone(md.Attributes)
}

// ID returns the session ID.
func (i *Instance) ID() string { return i.id }

// CreatedAt returns when this process built the instance.
func (i *Instance) CreatedAt() time.Time { return i.created }

// LastUsed returns the last time the instance was handed out.
func (i *Instance) LastUsed() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastUsed
}

func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	i.lastUsed = now
	i.mu.Unlock()
}

// AuthInfo returns a copy of the token bound to the session, or nil.
func (i *Instance) AuthInfo() *storage.TokenInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.authInfo.Clone()
}

// UserInfo returns the identity bound to the session.
func (i *Instance) UserInfo() (storage.UserInfo, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.authInfo == nil {
		return storage.UserInfo{}, false
	}
	u := i.authInfo.UserInfo
	u.Extra = maps.Clone(u.Extra)
	return u, true
}

// Attribute returns a session attribute.
func (i *Instance) Attribute(key string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.attributes[key]
	return v, ok
}

// Transport returns the bound transport, or nil.
func (i *Instance) Transport() Transport {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.transport
}

// bindTransport replaces the bound transport, closing the previous one.
// A transport bound after the instance was discarded is closed at once.
func (i *Instance) bindTransport(t Transport) {
	i.mu.Lock()
	prev := i.transport
	if i.Closed() {
		i.mu.Unlock()
		closeTransport(i.id, t)
		return
	}
	i.transport = t
	i.mu.Unlock()

	if prev != nil && prev != t {
		closeTransport(i.id, prev)
	}
}

// Done is closed when the instance is discarded.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Closed reports whether the instance has been discarded.
func (i *Instance) Closed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *Instance) close() {
	i.closeOnce.Do(func() {
		i.mu.Lock()
		close(i.done)
		t := i.transport
		i.transport = nil
		i.mu.Unlock()
		closeTransport(i.id, t)
	})
}

func closeTransport(sessionID string, t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		logger.Warnw("failed to close session transport", "session_id", sessionID, "error", err)
	}
}
