// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pkce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeySegment = "pkce:"

// getAndDeleteScript reads and removes a key in one server-side step.
// Redis runs scripts atomically, so no other client can observe the key
// between the GET and the DEL.
var getAndDeleteScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// RedisStore keeps verifiers in Redis so any server process can redeem a
// code issued by another.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps an existing client. keyPrefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(code string) string {
	return s.keyPrefix + redisKeySegment + code
}

// StoreCodeVerifier implements Store.
func (s *RedisStore) StoreCodeVerifier(ctx context.Context, code string, data *Data, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal code verifier: %w", err)
	}
	if err := s.client.Set(ctx, s.key(code), payload, ttlOrDefault(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to store code verifier: %w", err)
	}
	return nil
}

// GetCodeVerifier implements Store.
func (s *RedisStore) GetCodeVerifier(ctx context.Context, code string) (*Data, error) {
	payload, err := s.client.Get(ctx, s.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get code verifier: %w", err)
	}
	return decode(payload)
}

// GetAndDeleteCodeVerifier implements Store using a Lua script.
func (s *RedisStore) GetAndDeleteCodeVerifier(ctx context.Context, code string) (*Data, error) {
	payload, err := getAndDeleteScript.Run(ctx, s.client, []string{s.key(code)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume code verifier: %w", err)
	}
	return decode([]byte(payload))
}

// HasCodeVerifier implements Store.
func (s *RedisStore) HasCodeVerifier(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(code)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check code verifier: %w", err)
	}
	return n > 0, nil
}

// DeleteCodeVerifier implements Store.
func (s *RedisStore) DeleteCodeVerifier(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, s.key(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete code verifier: %w", err)
	}
	return nil
}

// Close is a no-op: the client is owned by whoever created it.
func (*RedisStore) Close() error {
	return nil
}

func decode(payload []byte) (*Data, error) {
	var data Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code verifier: %w", err)
	}
	return &data, nil
}
