// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

const (
	// DefaultTTL is the lifetime of session metadata in the shared store.
	DefaultTTL = 24 * time.Hour
	// DefaultIdleTimeout evicts local instances that have not been used.
	DefaultIdleTimeout = 30 * time.Minute
)

// Manager holds live instances keyed by session ID. Every lookup consults
// the shared metadata store first, so a session deleted by any process is
// gone everywhere.
type Manager struct {
	store       storage.MetadataStore
	ttl         time.Duration
	idleTimeout time.Duration
	audit       audit.Sink
	now         func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the metadata lifetime. Zero keeps DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIdleTimeout sets how long an unused local instance is kept. Zero
// keeps DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithAuditSink sets the sink for session create and delete events.
func WithAuditSink(sink audit.Sink) Option {
	return func(m *Manager) {
		m.audit = sink
	}
}

// NewManager creates a manager over store and starts idle eviction.
func NewManager(store storage.MetadataStore, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		ttl:         DefaultTTL,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		instances:   make(map[string]*Instance),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.audit = audit.OrNop(m.audit)

	go m.cleanupRoutine()
	return m
}

func (m *Manager) cleanupRoutine() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EvictIdle()
		case <-m.stopCh:
			return
		}
	}
}

// GetOrRecreateInstance returns the instance for sessionID. A locally
// cached instance is used only while the shared store still has the
// session; a session known only to the store is rebuilt from its metadata;
// a session unknown to both is created. A non-nil authInfo is bound to the
// session and mirrored to the store.
func (m *Manager) GetOrRecreateInstance(
	ctx context.Context,
	sessionID string,
	authInfo *storage.TokenInfo,
) (*Instance, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if m.isStopped() {
		return nil, ErrManagerStopped
	}

	md, err := m.store.GetSessionMetadata(ctx, sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.evict(sessionID)
		return m.create(ctx, sessionID, authInfo)
	case err != nil:
		return nil, fmt.Errorf("failed to load session metadata: %w", err)
	case md.Terminated:
		m.evict(sessionID)
		return nil, ErrSessionTerminated
	}

	if authInfo != nil && !sameToken(md.AuthInfo, authInfo) {
		md.AuthInfo = authInfo.Clone()
		err = m.update(ctx, md)
	} else {
		err = m.extend(ctx, md)
	}
	if err != nil {
		return nil, err
	}
	return m.local(md), nil
}

// Get returns the instance for sessionID without creating one. It returns
// ErrSessionNotFound when the shared store has no record, evicting any
// stale local instance.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Instance, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if m.isStopped() {
		return nil, ErrManagerStopped
	}

	md, err := m.store.GetSessionMetadata(ctx, sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if m.evict(sessionID) {
			logger.Debugw("dropped local session deleted elsewhere", "session_id", sessionID)
		}
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to load session metadata: %w", err)
	case md.Terminated:
		m.evict(sessionID)
		return nil, ErrSessionTerminated
	}

	if err := m.extend(ctx, md); err != nil {
		return nil, err
	}
	return m.local(md), nil
}

// BindTransport attaches t to the local instance of an existing session.
// The transport is closed when the instance is discarded, and right away
// when the session does not exist.
func (m *Manager) BindTransport(ctx context.Context, sessionID string, t Transport) error {
	inst, err := m.Get(ctx, sessionID)
	if err != nil {
		closeTransport(sessionID, t)
		return err
	}
	inst.bindTransport(t)
	return nil
}

// StoreSessionMetadata writes md for sessionID to the shared store whether
// or not an instance is cached here. A cached instance picks up the change.
func (m *Manager) StoreSessionMetadata(ctx context.Context, sessionID string, md *storage.SessionMetadata) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if md == nil {
		return fmt.Errorf("%w: session metadata is required", storage.ErrInvalidEntry)
	}

	rec := md.Clone()
	rec.SessionID = sessionID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	if err := m.put(ctx, rec); err != nil {
		return err
	}

	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if ok {
		inst.apply(rec)
	}
	return nil
}

// DeleteSession removes the session from the shared store and from this
// process. The store is purged even when no instance was ever cached here,
// and deleting an absent session is not an error.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}

	m.evict(sessionID)
	err := m.store.DeleteSessionMetadata(ctx, sessionID)

	event := audit.NewEvent(audit.EventTypeSessionDelete, audit.OutcomeSuccess)
	event.SessionID = sessionID
	if err != nil {
		event.Outcome = audit.OutcomeFailure
		event.Reason = err.Error()
	}
	m.audit.Emit(ctx, event)

	if err != nil {
		return fmt.Errorf("failed to delete session metadata: %w", err)
	}
	logger.Debugw("session deleted", "session_id", sessionID)
	return nil
}

// Terminate marks the session terminated in the shared store and then
// deletes it. When the delete fails, the marker still keeps every process
// from serving the session until its metadata expires.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}

	marked := false
	md, err := m.store.GetSessionMetadata(ctx, sessionID)
	if err == nil && !md.Terminated {
		md.Terminated = true
		md.UpdatedAt = m.now()
		err = m.store.UpdateSessionMetadata(ctx, md)
		marked = err == nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("failed to mark session terminated", "session_id", sessionID, "error", err)
	}

	if err := m.DeleteSession(ctx, sessionID); err != nil {
		if marked {
			logger.Warnw("terminated session left for expiry", "session_id", sessionID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// EvictIdle drops local instances unused for longer than the idle timeout
// and returns how many were dropped. The shared store is not touched.
func (m *Manager) EvictIdle() int {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Instance
	for id, inst := range m.instances {
		if inst.LastUsed().Before(cutoff) {
			delete(m.instances, id)
			idle = append(idle, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range idle {
		inst.close()
	}
	if len(idle) > 0 {
		logger.Debugw("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

// LocalCount returns the number of instances cached in this process.
func (m *Manager) LocalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Stop ends idle eviction and discards every local instance. Shared
// metadata is kept so other processes can continue serving the sessions.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.stopped

		m.mu.Lock()
		instances := m.instances
		m.instances = make(map[string]*Instance)
		m.mu.Unlock()

		for _, inst := range instances {
			inst.close()
		}
	})
}

func (m *Manager) isStopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Manager) create(ctx context.Context, sessionID string, authInfo *storage.TokenInfo) (*Instance, error) {
	now := m.now()
	md := &storage.SessionMetadata{
		SessionID: sessionID,
		CreatedAt: now,
		AuthInfo:  authInfo.Clone(),
	}
	if err := m.put(ctx, md); err != nil {
		return nil, err
	}

	event := audit.NewEvent(audit.EventTypeSessionCreate, audit.OutcomeSuccess)
	event.SessionID = sessionID
	if authInfo != nil {
		event.Provider = authInfo.Provider
		event.Subject = authInfo.UserInfo.Sub
	}
	m.audit.Emit(ctx, event)

	return m.local(md), nil
}

// put stamps md with a fresh expiry and writes it to the shared store.
func (m *Manager) put(ctx context.Context, md *storage.SessionMetadata) error {
	now := m.now()
	md.UpdatedAt = now
	md.ExpiresAt = now.Add(m.ttl).UnixMilli()
	if err := m.store.StoreSessionMetadata(ctx, md); err != nil {
		return fmt.Errorf("failed to store session metadata: %w", err)
	}
	return nil
}

// update rewrites an existing record with a fresh expiry. A record that
// vanished since it was read was deleted by some process, so it is not
// written back and the local instance is dropped.
func (m *Manager) update(ctx context.Context, md *storage.SessionMetadata) error {
	now := m.now()
	md.UpdatedAt = now
	md.ExpiresAt = now.Add(m.ttl).UnixMilli()
	err := m.store.UpdateSessionMetadata(ctx, md)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.evict(md.SessionID)
		return ErrSessionNotFound
	case err != nil:
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	return nil
}

// extend slides the metadata expiry once half the TTL has passed since
// the last write. Store failures other than a concurrent delete are logged.
func (m *Manager) extend(ctx context.Context, md *storage.SessionMetadata) error {
	if m.now().Sub(md.UpdatedAt) < m.ttl/2 {
		return nil
	}
	err := m.update(ctx, md)
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		logger.Warnw("failed to extend session", "session_id", md.SessionID, "error", err)
	}
	return nil
}

// local returns the cached instance for md, creating it when absent.
func (m *Manager) local(md *storage.SessionMetadata) *Instance {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[md.SessionID]; ok && !inst.Closed() {
		inst.apply(md)
		inst.touch(now)
		return inst
	}
	inst := newInstance(md, now)
	m.instances[md.SessionID] = inst
	return inst
}

// evict drops the local instance and reports whether there was one.
func (m *Manager) evict(sessionID string) bool {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	delete(m.instances, sessionID)
	m.mu.Unlock()
	if ok {
		inst.close()
	}
	return ok
}

func sameToken(a, b *storage.TokenInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccessToken == b.AccessToken
}
