// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared with background cleanup goroutines.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeBackend struct {
	name string
	// open returns a fresh store, its clock and a function that moves time
	// forward for both the store and, where relevant, the server.
	open func(t *testing.T) (Store, *testClock, func(time.Duration))
}

func backends() []storeBackend {
	openRedis := func(t *testing.T, managed bool) (Store, *testClock, func(time.Duration)) {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		clock := newTestClock()
		var s Store
		if managed {
			kv := NewManagedKVStoreWithClient(client, "test:")
			kv.now = clock.Now
			s = kv
		} else {
			rs := NewRedisStoreWithClient(client, "test:")
			rs.now = clock.Now
			s = rs
		}
		return s, clock, func(d time.Duration) {
			clock.Advance(d)
			mr.FastForward(d)
		}
	}

	return []storeBackend{
		{
			name: "memory",
			open: func(t *testing.T) (Store, *testClock, func(time.Duration)) {
				t.Helper()
				clock := newTestClock()
				s := NewMemoryStore(WithCleanupInterval(time.Hour))
				s.now = clock.Now
				t.Cleanup(func() { _ = s.Close() })
				return s, clock, clock.Advance
			},
		},
		{
			name: "file",
			open: func(t *testing.T) (Store, *testClock, func(time.Duration)) {
				t.Helper()
				clock := newTestClock()
				s, err := NewFileStore(FileStoreConfig{Path: filepath.Join(t.TempDir(), "tokens.json")})
				require.NoError(t, err)
				s.now = clock.Now
				t.Cleanup(func() { _ = s.Close() })
				return s, clock, clock.Advance
			},
		},
		{
			name: "hybrid",
			open: func(t *testing.T) (Store, *testClock, func(time.Duration)) {
				t.Helper()
				clock := newTestClock()
				s, err := NewHybridStore(HybridStoreConfig{
					FileStoreConfig: FileStoreConfig{Path: filepath.Join(t.TempDir(), "tokens.json")},
					CleanupInterval: time.Hour,
				})
				require.NoError(t, err)
				s.now = clock.Now
				t.Cleanup(func() { _ = s.Close() })
				return s, clock, clock.Advance
			},
		},
		{
			name: "redis",
			open: func(t *testing.T) (Store, *testClock, func(time.Duration)) {
				t.Helper()
				return openRedis(t, false)
			},
		},
		{
			name: "managed-kv",
			open: func(t *testing.T) (Store, *testClock, func(time.Duration)) {
				t.Helper()
				return openRedis(t, true)
			},
		},
	}
}

func testToken(clock *testClock, access, refresh string, ttl time.Duration) *TokenInfo {
	return &TokenInfo{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    clock.Now().Add(ttl).UnixMilli(),
		Provider:     "google",
		Scopes:       []string{"openid", "email"},
		UserInfo: UserInfo{
			Sub:      "user-1",
			Email:    "user@example.com",
			Provider: "google",
			Extra:    map[string]any{"hd": "example.com"},
		},
	}
}

func TestStore_Sessions(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			session := &OAuthSession{
				State:        "state-1",
				CodeVerifier: "verifier",
				RedirectURI:  "http://localhost/callback",
				Provider:     "github",
				Scopes:       []string{"read:user"},
				ExpiresAt:    clock.Now().Add(10 * time.Minute).UnixMilli(),
			}
			require.NoError(t, s.StoreSession(ctx, session))

			got, err := s.GetSession(ctx, "state-1")
			require.NoError(t, err)
			assert.Equal(t, session, got)

			count, err := s.CountSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			consumed, err := s.GetAndDeleteSession(ctx, "state-1")
			require.NoError(t, err)
			assert.Equal(t, session, consumed)

			_, err = s.GetSession(ctx, "state-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetAndDeleteSession(ctx, "state-1")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.DeleteSession(ctx, "never-existed"))
		})
	}
}

func TestStore_GetAndDeleteSessionSingleConsumer(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.StoreSession(ctx, &OAuthSession{
				State:     "race",
				ExpiresAt: clock.Now().Add(time.Minute).UnixMilli(),
			}))

			const callers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			start := make(chan struct{})
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if _, err := s.GetAndDeleteSession(ctx, "race"); err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, winners)
		})
	}
}

func TestStore_ExpiredSessionIsPurged(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, advance := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.StoreSession(ctx, &OAuthSession{
				State:     "short",
				ExpiresAt: clock.Now().Add(2 * time.Second).UnixMilli(),
			}))
			advance(3 * time.Second)

			_, err := s.GetSession(ctx, "short")
			assert.ErrorIs(t, err, ErrNotFound)

			count, err := s.CountSessions(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestStore_TokensAndRefreshIndex(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			token := testToken(clock, "access-1", "refresh-1", time.Hour)
			require.NoError(t, s.StoreToken(ctx, token))

			got, err := s.GetToken(ctx, "access-1")
			require.NoError(t, err)
			assert.Equal(t, token, got)

			byRefresh, err := s.GetTokenByRefreshToken(ctx, "refresh-1")
			require.NoError(t, err)
			assert.Equal(t, "access-1", byRefresh.AccessToken)

			count, err := s.CountTokens(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			require.NoError(t, s.DeleteToken(ctx, "access-1"))
			_, err = s.GetToken(ctx, "access-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetTokenByRefreshToken(ctx, "refresh-1")
			assert.ErrorIs(t, err, ErrNotFound, "index entry must go with the token")

			assert.NoError(t, s.DeleteToken(ctx, "access-1"), "deleting an absent token is a no-op")
		})
	}
}

func TestStore_StoreTokenReplacesIndexEntry(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.StoreToken(ctx, testToken(clock, "access-1", "refresh-old", time.Hour)))
			require.NoError(t, s.StoreToken(ctx, testToken(clock, "access-1", "refresh-new", time.Hour)))

			_, err := s.GetTokenByRefreshToken(ctx, "refresh-old")
			assert.ErrorIs(t, err, ErrNotFound)
			got, err := s.GetTokenByRefreshToken(ctx, "refresh-new")
			require.NoError(t, err)
			assert.Equal(t, "access-1", got.AccessToken)
		})
	}
}

func TestStore_ReplaceToken(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.StoreToken(ctx, testToken(clock, "access-1", "refresh-1", time.Hour)))
			require.NoError(t, s.ReplaceToken(ctx, "access-1", testToken(clock, "access-2", "refresh-2", time.Hour)))

			_, err := s.GetToken(ctx, "access-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetTokenByRefreshToken(ctx, "refresh-1")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := s.GetTokenByRefreshToken(ctx, "refresh-2")
			require.NoError(t, err)
			assert.Equal(t, "access-2", got.AccessToken)

			count, err := s.CountTokens(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestStore_TakeRefreshTokenSingleWinner(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.StoreToken(ctx, testToken(clock, "access-1", "refresh-1", time.Hour)))

			const callers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []*TokenInfo
			)
			start := make(chan struct{})
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					info, err := s.TakeRefreshToken(ctx, "refresh-1")
					if err != nil {
						assert.ErrorIs(t, err, ErrNotFound)
						return
					}
					mu.Lock()
					winners = append(winners, info)
					mu.Unlock()
				}()
			}
			close(start)
			wg.Wait()

			require.Len(t, winners, 1)
			assert.Equal(t, "access-1", winners[0].AccessToken)

			_, err := s.GetTokenByRefreshToken(ctx, "refresh-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ExpiredTokenIsPurged(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, advance := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.StoreToken(ctx, testToken(clock, "access-1", "refresh-1", 2*time.Second)))
			advance(3 * time.Second)

			_, err := s.GetToken(ctx, "access-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetTokenByRefreshToken(ctx, "refresh-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.TakeRefreshToken(ctx, "refresh-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SessionMetadata(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			created := clock.Now().UTC().Truncate(time.Millisecond)
			md := &SessionMetadata{
				SessionID:  "session-1",
				CreatedAt:  created,
				UpdatedAt:  created,
				ExpiresAt:  clock.Now().Add(time.Hour).UnixMilli(),
				AuthInfo:   testToken(clock, "access-1", "", time.Hour),
				Attributes: map[string]string{"client": "inspector"},
			}
			require.NoError(t, s.StoreSessionMetadata(ctx, md))

			got, err := s.GetSessionMetadata(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, md.SessionID, got.SessionID)
			assert.True(t, md.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, md.AuthInfo, got.AuthInfo)
			assert.Equal(t, md.Attributes, got.Attributes)

			require.NoError(t, s.DeleteSessionMetadata(ctx, "session-1"))
			_, err = s.GetSessionMetadata(ctx, "session-1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.DeleteSessionMetadata(ctx, "session-1"))
		})
	}
}

func TestStore_UpdateSessionMetadata(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, clock, _ := b.open(t)
			ctx := context.Background()

			md := &SessionMetadata{
				SessionID: "session-1",
				CreatedAt: clock.Now(),
				ExpiresAt: clock.Now().Add(time.Hour).UnixMilli(),
			}
			err := s.UpdateSessionMetadata(ctx, md)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetSessionMetadata(ctx, "session-1")
			assert.ErrorIs(t, err, ErrNotFound, "update must not create a record")

			require.NoError(t, s.StoreSessionMetadata(ctx, md))
			md.Attributes = map[string]string{"client": "inspector"}
			require.NoError(t, s.UpdateSessionMetadata(ctx, md))
			got, err := s.GetSessionMetadata(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, "inspector", got.Attributes["client"])

			require.NoError(t, s.DeleteSessionMetadata(ctx, "session-1"))
			assert.ErrorIs(t, s.UpdateSessionMetadata(ctx, md), ErrNotFound)
			_, err = s.GetSessionMetadata(ctx, "session-1")
			assert.ErrorIs(t, err, ErrNotFound, "a deleted session must stay deleted")
		})
	}
}

func TestStore_RejectsEntriesWithoutKey(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s, _, _ := b.open(t)
			ctx := context.Background()

			assert.ErrorIs(t, s.StoreToken(ctx, &TokenInfo{}), ErrInvalidEntry)
			assert.ErrorIs(t, s.StoreSession(ctx, &OAuthSession{}), ErrInvalidEntry)
			assert.ErrorIs(t, s.StoreSessionMetadata(ctx, &SessionMetadata{}), ErrInvalidEntry)
		})
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	s := NewMemoryStore(WithCleanupInterval(time.Hour))
	s.now = clock.Now
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.StoreToken(ctx, testToken(clock, "short", "refresh-short", time.Second)))
	require.NoError(t, s.StoreToken(ctx, testToken(clock, "long", "refresh-long", time.Hour)))
	require.NoError(t, s.StoreSession(ctx, &OAuthSession{State: "s", ExpiresAt: clock.Now().Add(time.Second).UnixMilli()}))
	clock.Advance(2 * time.Second)

	n, err := s.CleanupTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CleanupSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.NotContains(t, s.refreshIndex, "refresh-short")
	assert.Contains(t, s.refreshIndex, "refresh-long")
}

func TestRedisStore_NativeExpiry(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	s := NewRedisStoreWithClient(client, "test:")

	token := &TokenInfo{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()}
	require.NoError(t, s.StoreToken(ctx, token))
	assert.Greater(t, mr.TTL("test:token:a"), 50*time.Second)
	assert.Greater(t, mr.TTL("test:refresh:r"), 50*time.Second)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// already expired entries are not written
	expired := &TokenInfo{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}
	require.NoError(t, s.StoreToken(ctx, expired))
	assert.False(t, mr.Exists("test:token:old"))

	// no expiry falls back to the default TTL
	require.NoError(t, s.StoreToken(ctx, &TokenInfo{AccessToken: "forever"}))
	assert.Equal(t, DefaultTokenTTL, mr.TTL("test:token:forever"))
}

func TestManagedKVStore_MinimumTTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	s := NewManagedKVStoreWithClient(client, "kv:")

	require.NoError(t, s.StoreSession(ctx, &OAuthSession{
		State:     "soon",
		ExpiresAt: time.Now().Add(100 * time.Millisecond).UnixMilli(),
	}))
	assert.Equal(t, ManagedKVMinTTL, mr.TTL("kv:session:soon"))
}

func TestNewManagedKVStore_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewManagedKVStore(context.Background(), RedisConfig{Addrs: []string{"localhost:6379"}})
	require.Error(t, err)
}

func TestRedisStore_ConnectionFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStoreWithClient(client, "test:")
	mr.Close()

	ctx := context.Background()
	err := s.StoreToken(ctx, &TokenInfo{AccessToken: "a"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = s.GetToken(ctx, "a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
