// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key segments. Every key is keyPrefix + segment + ":" + id.
const (
	KeyTypeSession  = "session"
	KeyTypeToken    = "token"
	KeyTypeRefresh  = "refresh"
	KeyTypeMetadata = "meta"
	KeyTypeClient   = "client"
	KeyTypeClients  = "clients"
)

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// getAndDeleteScript reads and removes a key in one server-side step.
var getAndDeleteScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// deleteTokenScript removes a token record and, if the refresh index still
// points at it, the index entry.
//
// KEYS[1] token key; ARGV[1] refresh key prefix; ARGV[2] access token.
var deleteTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
redis.call('DEL', KEYS[1])
local info = cjson.decode(data)
if info.refresh_token and info.refresh_token ~= '' then
	local idx = ARGV[1] .. info.refresh_token
	if redis.call('GET', idx) == ARGV[2] then
		redis.call('DEL', idx)
	end
end
return 1
`)

// replaceTokenScript removes the old token (and its index entry) and writes
// the new token and index entry in one step.
//
// KEYS[1] old token key; KEYS[2] new token key.
// ARGV[1] refresh key prefix; ARGV[2] old access token; ARGV[3] new payload;
// ARGV[4] ttl in ms; ARGV[5] new refresh token; ARGV[6] new access token.
var replaceTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if data then
	redis.call('DEL', KEYS[1])
	local old = cjson.decode(data)
	if old.refresh_token and old.refresh_token ~= '' then
		local idx = ARGV[1] .. old.refresh_token
		if redis.call('GET', idx) == ARGV[2] then
			redis.call('DEL', idx)
		end
	end
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
if ARGV[5] ~= '' then
	redis.call('SET', ARGV[1] .. ARGV[5], ARGV[6], 'PX', ARGV[4])
end
return 1
`)

// RedisStore implements Store on Redis. Expiry is delegated to native key
// TTLs, so Cleanup does nothing.
type RedisStore struct {
	client     redis.UniversalClient
	keyPrefix  string
	ownsClient bool

	// minTTL floors every computed TTL. Zero means entries that are already
	// expired are not written at all.
	minTTL time.Duration
	// defaultTTL applies to entries without an expiry.
	defaultTTL time.Duration

	now func() time.Time
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// The caller keeps ownership of the client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:     client,
		keyPrefix:  keyPrefix,
		defaultTTL: DefaultTokenTTL,
		now:        time.Now,
	}
}

// NewRedisStore connects using cfg and owns the resulting client.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg.applyDefaults()
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	s.ownsClient = true
	return s, nil
}

// Close closes the Redis client if this store created it.
func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Cleanup implements Store. Redis expires keys natively.
func (*RedisStore) Cleanup(_ context.Context) (int, error) {
	return 0, nil
}

// CleanupSessions implements SessionStore.
func (*RedisStore) CleanupSessions(_ context.Context) (int, error) {
	return 0, nil
}

// CleanupTokens implements TokenStore.
func (*RedisStore) CleanupTokens(_ context.Context) (int, error) {
	return 0, nil
}

// ttlFor returns the TTL for an entry and false if it should not be written.
func (s *RedisStore) ttlFor(expiresAtMillis int64) (time.Duration, bool) {
	ttl := ttlUntil(expiresAtMillis, s.now(), s.defaultTTL)
	if ttl < s.minTTL {
		ttl = s.minTTL
	}
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func (s *RedisStore) key(keyType, id string) string {
	return redisKey(s.keyPrefix, keyType, id)
}

// -----------------------
// Sessions
// -----------------------

// StoreSession implements SessionStore.
func (s *RedisStore) StoreSession(ctx context.Context, session *OAuthSession) error {
	if session == nil || session.State == "" {
		return fmt.Errorf("%w: session state is required", ErrInvalidEntry)
	}
	ttl, ok := s.ttlFor(session.ExpiresAt)
	if !ok {
		return s.DeleteSession(ctx, session.State)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(KeyTypeSession, session.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession implements SessionStore.
func (s *RedisStore) GetSession(ctx context.Context, state string) (*OAuthSession, error) {
	key := s.key(KeyTypeSession, state)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session OAuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Expired(s.now()) {
		_ = s.client.Del(ctx, key).Err()
		return nil, fmt.Errorf("%w: session expired", ErrNotFound)
	}
	return &session, nil
}

// GetAndDeleteSession implements SessionStore.
func (s *RedisStore) GetAndDeleteSession(ctx context.Context, state string) (*OAuthSession, error) {
	data, err := getAndDeleteScript.Run(ctx, s.client, []string{s.key(KeyTypeSession, state)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume session: %w", err)
	}

	var session OAuthSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Expired(s.now()) {
		return nil, fmt.Errorf("%w: session expired", ErrNotFound)
	}
	return &session, nil
}

// DeleteSession implements SessionStore.
func (s *RedisStore) DeleteSession(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, s.key(KeyTypeSession, state)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CountSessions implements SessionStore.
func (s *RedisStore) CountSessions(ctx context.Context) (int, error) {
	return s.count(ctx, KeyTypeSession)
}

// -----------------------
// Tokens
// -----------------------

// StoreToken implements TokenStore.
func (s *RedisStore) StoreToken(ctx context.Context, info *TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidEntry)
	}
	return s.ReplaceToken(ctx, info.AccessToken, info)
}

// GetToken implements TokenStore.
func (s *RedisStore) GetToken(ctx context.Context, accessToken string) (*TokenInfo, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeToken, accessToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var info TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	if info.Expired(s.now()) {
		_ = s.DeleteToken(ctx, accessToken)
		return nil, fmt.Errorf("%w: token expired", ErrNotFound)
	}
	return &info, nil
}

// GetTokenByRefreshToken implements TokenStore.
func (s *RedisStore) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	indexKey := s.key(KeyTypeRefresh, refreshToken)
	accessToken, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	info, err := s.GetToken(ctx, accessToken)
	if errors.Is(err, ErrNotFound) {
		_ = s.client.Del(ctx, indexKey).Err()
	}
	return info, err
}

// TakeRefreshToken implements TokenStore.
func (s *RedisStore) TakeRefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	accessToken, err := getAndDeleteScript.Run(ctx, s.client, []string{s.key(KeyTypeRefresh, refreshToken)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return s.GetToken(ctx, accessToken)
}

// ReplaceToken implements TokenStore.
func (s *RedisStore) ReplaceToken(ctx context.Context, oldAccessToken string, info *TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidEntry)
	}
	ttl, ok := s.ttlFor(info.ExpiresAt)
	if !ok {
		if err := s.DeleteToken(ctx, oldAccessToken); err != nil {
			return err
		}
		return s.DeleteToken(ctx, info.AccessToken)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	keys := []string{s.key(KeyTypeToken, oldAccessToken), s.key(KeyTypeToken, info.AccessToken)}
	args := []any{
		s.key(KeyTypeRefresh, ""),
		oldAccessToken,
		string(data),
		ttl.Milliseconds(),
		info.RefreshToken,
		info.AccessToken,
	}
	if err := replaceTokenScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// DeleteToken implements TokenStore.
func (s *RedisStore) DeleteToken(ctx context.Context, accessToken string) error {
	err := deleteTokenScript.Run(ctx, s.client,
		[]string{s.key(KeyTypeToken, accessToken)},
		s.key(KeyTypeRefresh, ""), accessToken,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// CountTokens implements TokenStore.
func (s *RedisStore) CountTokens(ctx context.Context) (int, error) {
	return s.count(ctx, KeyTypeToken)
}

// -----------------------
// Session metadata
// -----------------------

// StoreSessionMetadata implements MetadataStore.
func (s *RedisStore) StoreSessionMetadata(ctx context.Context, md *SessionMetadata) error {
	if md == nil || md.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidEntry)
	}
	ttl, ok := s.ttlFor(md.ExpiresAt)
	if !ok {
		return s.DeleteSessionMetadata(ctx, md.SessionID)
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if err := s.client.Set(ctx, s.key(KeyTypeMetadata, md.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session metadata: %w", err)
	}
	return nil
}

// GetSessionMetadata implements MetadataStore.
func (s *RedisStore) GetSessionMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	key := s.key(KeyTypeMetadata, sessionID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session metadata", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session metadata: %w", err)
	}

	var md SessionMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	if md.Expired(s.now()) {
		_ = s.client.Del(ctx, key).Err()
		return nil, fmt.Errorf("%w: session metadata expired", ErrNotFound)
	}
	return &md, nil
}

// UpdateSessionMetadata implements MetadataStore. SET XX writes only when
// the key still exists.
func (s *RedisStore) UpdateSessionMetadata(ctx context.Context, md *SessionMetadata) error {
	if md == nil || md.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidEntry)
	}
	ttl, ok := s.ttlFor(md.ExpiresAt)
	if !ok {
		if err := s.DeleteSessionMetadata(ctx, md.SessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: session metadata expired", ErrNotFound)
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	updated, err := s.client.SetXX(ctx, s.key(KeyTypeMetadata, md.SessionID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	if !updated {
		return fmt.Errorf("%w: session metadata", ErrNotFound)
	}
	return nil
}

// DeleteSessionMetadata implements MetadataStore.
func (s *RedisStore) DeleteSessionMetadata(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(KeyTypeMetadata, sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session metadata: %w", err)
	}
	return nil
}

// count scans the keys of one type.
func (s *RedisStore) count(ctx context.Context, keyType string) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.key(keyType, "*"), 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count %s keys: %w", keyType, err)
	}
	return n, nil
}
