// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/audit/mocks"
	"github.com/stacklok/authcore/pkg/auth/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, store storage.MetadataStore, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(store, opts...)
	t.Cleanup(m.Stop)
	return m
}

func newSharedRedisStore(t *testing.T) storage.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedisStoreWithClient(client, "authcore-test:")
}

func newMemoryStore(t *testing.T) storage.Store {
	t.Helper()
	s := storage.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testToken(access string) *storage.TokenInfo {
	return &storage.TokenInfo{
		AccessToken: access,
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
		Provider:    "github",
		UserInfo:    storage.UserInfo{Sub: "42", Email: "octo@example.com", Provider: "github"},
	}
}

func TestGetOrRecreateInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t)
	m := newTestManager(t, store)

	inst, err := m.GetOrRecreateInstance(ctx, "s1", testToken("at-1"))
	require.NoError(t, err)
	assert.Equal(t, "s1", inst.ID())
	user, ok := inst.UserInfo()
	require.True(t, ok)
	assert.Equal(t, "42", user.Sub)

	md, err := store.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", md.AuthInfo.AccessToken)
	assert.Positive(t, md.ExpiresAt)

	again, err := m.GetOrRecreateInstance(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Same(t, inst, again, "cached instance is reused while the store has the session")

	rebound, err := m.GetOrRecreateInstance(ctx, "s1", testToken("at-2"))
	require.NoError(t, err)
	assert.Same(t, inst, rebound)
	assert.Equal(t, "at-2", rebound.AuthInfo().AccessToken)
	md, err = store.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", md.AuthInfo.AccessToken)

	_, err = m.GetOrRecreateInstance(ctx, "", nil)
	assert.ErrorIs(t, err, ErrEmptySessionID)
}

func TestCrossInstance(t *testing.T) {
	t.Parallel()

	backends := map[string]func(*testing.T) storage.Store{
		"memory": newMemoryStore,
		"redis":  newSharedRedisStore,
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			shared := newStore(t)
			a := newTestManager(t, shared)
			b := newTestManager(t, shared)
			c := newTestManager(t, shared)

			instA, err := a.GetOrRecreateInstance(ctx, "s1", testToken("at-1"))
			require.NoError(t, err)

			instB, err := b.Get(ctx, "s1")
			require.NoError(t, err, "another process rebuilds the session from shared metadata")
			assert.NotSame(t, instA, instB)
			assert.Equal(t, "at-1", instB.AuthInfo().AccessToken)

			require.NoError(t, c.DeleteSession(ctx, "s1"), "a process that never cached the session can delete it")
			assert.Equal(t, 0, c.LocalCount())

			_, err = a.Get(ctx, "s1")
			require.ErrorIs(t, err, ErrSessionNotFound)
			assert.True(t, instA.Closed(), "stale local instance is discarded")
			assert.Equal(t, 0, a.LocalCount())

			_, err = b.Get(ctx, "s1")
			require.ErrorIs(t, err, ErrSessionNotFound)
			assert.True(t, instB.Closed())
		})
	}
}

func TestDeleteSession_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := newSharedRedisStore(t)
	a := newTestManager(t, shared)
	b := newTestManager(t, shared)

	_, err := a.GetOrRecreateInstance(ctx, "s1", nil)
	require.NoError(t, err)
	_, err = b.Get(ctx, "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := a
			if i%2 == 1 {
				m = b
			}
			errs[i] = m.DeleteSession(ctx, "s1")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	_, err = shared.GetSessionMetadata(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, a.LocalCount()+b.LocalCount())
}

func TestStoreSessionMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := newMemoryStore(t)
	a := newTestManager(t, shared)
	b := newTestManager(t, shared)

	inst, err := a.GetOrRecreateInstance(ctx, "s1", nil)
	require.NoError(t, err)

	require.NoError(t, b.StoreSessionMetadata(ctx, "s1", &storage.SessionMetadata{
		AuthInfo:   testToken("at-9"),
		Attributes: map[string]string{"client": "cli"},
	}), "writes go to the store even without a local instance")
	assert.Equal(t, 0, b.LocalCount())

	_, ok := inst.Attribute("client")
	assert.False(t, ok, "other processes see the change on their next lookup")

	got, err := a.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, inst, got)
	v, ok := got.Attribute("client")
	require.True(t, ok)
	assert.Equal(t, "cli", v)
	assert.Equal(t, "at-9", got.AuthInfo().AccessToken)

	require.NoError(t, a.StoreSessionMetadata(ctx, "s1", &storage.SessionMetadata{Attributes: map[string]string{"client": "ide"}}))
	v, _ = inst.Attribute("client")
	assert.Equal(t, "ide", v, "the local instance follows its own writes")

	assert.ErrorIs(t, a.StoreSessionMetadata(ctx, "", &storage.SessionMetadata{}), ErrEmptySessionID)
	assert.ErrorIs(t, a.StoreSessionMetadata(ctx, "s1", nil), storage.ErrInvalidEntry)
}

func TestEvictIdle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t)
	clk := &clock{now: time.Now()}
	m := newTestManager(t, store, WithIdleTimeout(10*time.Minute))
	m.now = clk.Now

	old, err := m.GetOrRecreateInstance(ctx, "old", nil)
	require.NoError(t, err)
	clk.Advance(8 * time.Minute)
	_, err = m.GetOrRecreateInstance(ctx, "recent", nil)
	require.NoError(t, err)
	clk.Advance(3 * time.Minute)

	assert.Equal(t, 1, m.EvictIdle())
	assert.Equal(t, 1, m.LocalCount())
	assert.True(t, old.Closed())

	rebuilt, err := m.Get(ctx, "old")
	require.NoError(t, err, "eviction is local only")
	assert.NotSame(t, old, rebuilt)
}

func TestSlidingExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t)
	clk := &clock{now: time.Now()}
	m := newTestManager(t, store, WithTTL(time.Hour))
	m.now = clk.Now

	_, err := m.GetOrRecreateInstance(ctx, "s1", nil)
	require.NoError(t, err)
	first, err := store.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	_, err = m.Get(ctx, "s1")
	require.NoError(t, err)
	md, err := store.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt, md.ExpiresAt, "no write before half the TTL")

	clk.Advance(25 * time.Minute)
	_, err = m.Get(ctx, "s1")
	require.NoError(t, err)
	md, err = store.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Hour).UnixMilli(), md.ExpiresAt)
}

func TestStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t)
	m := NewManager(store)

	inst, err := m.GetOrRecreateInstance(ctx, "s1", nil)
	require.NoError(t, err)

	m.Stop()
	m.Stop()

	select {
	case <-inst.Done():
	default:
		t.Fatal("instance should be closed by Stop")
	}
	_, err = m.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrManagerStopped)
	_, err = store.GetSessionMetadata(ctx, "s1")
	assert.NoError(t, err, "shared metadata survives a stopped process")
}

func TestDeleteSession_Audit(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	gomock.InOrder(
		sink.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
			return e.Type == audit.EventTypeSessionCreate && e.SessionID == "s1" && e.Subject == "42"
		})),
		sink.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
			return e.Type == audit.EventTypeSessionDelete && e.SessionID == "s1" && e.Outcome == audit.OutcomeSuccess
		})),
	)

	m := newTestManager(t, newMemoryStore(t), WithAuditSink(sink))
	ctx := context.Background()
	_, err := m.GetOrRecreateInstance(ctx, "s1", testToken("at-1"))
	require.NoError(t, err)
	require.NoError(t, m.DeleteSession(ctx, "s1"))
}

// failingStore fails every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) StoreSessionMetadata(context.Context, *storage.SessionMetadata) error {
	return errStoreDown
}

func (failingStore) GetSessionMetadata(context.Context, string) (*storage.SessionMetadata, error) {
	return nil, errStoreDown
}

func (failingStore) UpdateSessionMetadata(context.Context, *storage.SessionMetadata) error {
	return errStoreDown
}

func (failingStore) DeleteSessionMetadata(context.Context, string) error {
	return errStoreDown
}

func TestStoreFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, failingStore{})

	_, err := m.GetOrRecreateInstance(ctx, "s1", nil)
	assert.ErrorIs(t, err, errStoreDown)
	_, err = m.Get(ctx, "s1")
	assert.ErrorIs(t, err, errStoreDown)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.DeleteSession(ctx, "s1"), errStoreDown)
	assert.ErrorIs(t, m.StoreSessionMetadata(ctx, "s1", &storage.SessionMetadata{}), errStoreDown)
}

// racingStore deletes a session right after it is read, the way a DELETE
// served by another process can land between a read and a write-back.
type racingStore struct {
	storage.MetadataStore
	mu      sync.Mutex
	targets map[string]bool
}

func (s *racingStore) deleteAfterRead(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[sessionID] = true
}

func (s *racingStore) GetSessionMetadata(ctx context.Context, sessionID string) (*storage.SessionMetadata, error) {
	md, err := s.MetadataStore.GetSessionMetadata(ctx, sessionID)
	s.mu.Lock()
	race := s.targets[sessionID]
	delete(s.targets, sessionID)
	s.mu.Unlock()
	if err == nil && race {
		if derr := s.MetadataStore.DeleteSessionMetadata(ctx, sessionID); derr != nil {
			return nil, derr
		}
	}
	return md, err
}

func TestDeletedSessionIsNotWrittenBack(t *testing.T) {
	t.Parallel()

	backends := map[string]func(*testing.T) storage.Store{
		"memory": newMemoryStore,
		"redis":  newSharedRedisStore,
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			shared := newStore(t)
			store := &racingStore{MetadataStore: shared, targets: map[string]bool{}}
			clk := &clock{now: time.Now()}
			m := newTestManager(t, store, WithTTL(time.Hour))
			m.now = clk.Now

			_, err := m.GetOrRecreateInstance(ctx, "rebind", testToken("at-1"))
			require.NoError(t, err)
			store.deleteAfterRead("rebind")
			_, err = m.GetOrRecreateInstance(ctx, "rebind", testToken("at-2"))
			require.ErrorIs(t, err, ErrSessionNotFound)
			_, err = shared.GetSessionMetadata(ctx, "rebind")
			assert.ErrorIs(t, err, storage.ErrNotFound, "rebinding must not resurrect a deleted session")

			inst, err := m.GetOrRecreateInstance(ctx, "extend", nil)
			require.NoError(t, err)
			clk.Advance(45 * time.Minute)
			store.deleteAfterRead("extend")
			_, err = m.Get(ctx, "extend")
			require.ErrorIs(t, err, ErrSessionNotFound)
			_, err = shared.GetSessionMetadata(ctx, "extend")
			assert.ErrorIs(t, err, storage.ErrNotFound, "sliding expiry must not resurrect a deleted session")
			assert.True(t, inst.Closed())
			assert.Equal(t, 0, m.LocalCount())
		})
	}
}

type fakeTransport struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestBindTransport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("closed on delete", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, newMemoryStore(t))
		inst, err := m.GetOrRecreateInstance(ctx, "s1", nil)
		require.NoError(t, err)

		tr := &fakeTransport{}
		require.NoError(t, m.BindTransport(ctx, "s1", tr))
		assert.Same(t, tr, inst.Transport())

		require.NoError(t, m.DeleteSession(ctx, "s1"))
		assert.Equal(t, 1, tr.closeCount())
		assert.Nil(t, inst.Transport())
	})

	t.Run("replaced transport is closed", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, newMemoryStore(t))
		_, err := m.GetOrRecreateInstance(ctx, "s1", nil)
		require.NoError(t, err)

		first, second := &fakeTransport{}, &fakeTransport{}
		require.NoError(t, m.BindTransport(ctx, "s1", first))
		require.NoError(t, m.BindTransport(ctx, "s1", second))
		assert.Equal(t, 1, first.closeCount())
		assert.Equal(t, 0, second.closeCount())
	})

	t.Run("closed on idle eviction and stop", func(t *testing.T) {
		t.Parallel()
		clk := &clock{now: time.Now()}
		m := NewManager(newMemoryStore(t), WithIdleTimeout(time.Minute))
		m.now = clk.Now

		_, err := m.GetOrRecreateInstance(ctx, "idle", nil)
		require.NoError(t, err)
		idle := &fakeTransport{}
		require.NoError(t, m.BindTransport(ctx, "idle", idle))
		clk.Advance(2 * time.Minute)
		assert.Equal(t, 1, m.EvictIdle())
		assert.Equal(t, 1, idle.closeCount())

		_, err = m.GetOrRecreateInstance(ctx, "live", nil)
		require.NoError(t, err)
		live := &fakeTransport{}
		require.NoError(t, m.BindTransport(ctx, "live", live))
		m.Stop()
		assert.Equal(t, 1, live.closeCount())
	})

	t.Run("unknown session closes the transport", func(t *testing.T) {
		t.Parallel()
		m := newTestManager(t, newMemoryStore(t))
		tr := &fakeTransport{}
		require.ErrorIs(t, m.BindTransport(ctx, "missing", tr), ErrSessionNotFound)
		assert.Equal(t, 1, tr.closeCount())
		assert.Equal(t, 0, m.LocalCount())
	})
}

// undeletableStore refuses deletes, leaving only the terminated marker.
type undeletableStore struct {
	storage.MetadataStore
}

func (undeletableStore) DeleteSessionMetadata(context.Context, string) error {
	return errStoreDown
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("purges the store", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(t)
		m := newTestManager(t, store)
		_, err := m.GetOrRecreateInstance(ctx, "s1", nil)
		require.NoError(t, err)

		require.NoError(t, m.Terminate(ctx, "s1"))
		_, err = store.GetSessionMetadata(ctx, "s1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, m.Terminate(ctx, "s1"))
	})

	t.Run("marker blocks the session when the delete fails", func(t *testing.T) {
		t.Parallel()
		shared := newSharedRedisStore(t)
		store := undeletableStore{MetadataStore: shared}
		a := newTestManager(t, store)
		b := newTestManager(t, store)

		_, err := a.GetOrRecreateInstance(ctx, "s1", testToken("at-1"))
		require.NoError(t, err)
		require.NoError(t, b.Terminate(ctx, "s1"))

		md, err := shared.GetSessionMetadata(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, md.Terminated)

		_, err = a.Get(ctx, "s1")
		assert.ErrorIs(t, err, ErrSessionTerminated)
		_, err = a.GetOrRecreateInstance(ctx, "s1", testToken("at-2"))
		assert.ErrorIs(t, err, ErrSessionTerminated, "a terminated session is never recreated")
		assert.Equal(t, 0, a.LocalCount())
	})
}
