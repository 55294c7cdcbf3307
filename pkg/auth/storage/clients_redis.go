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

// registerClientScript counts live clients, dropping index members whose
// record has expired, and writes the client only if the limit allows it.
//
// KEYS[1] index set; KEYS[2] client key.
// ARGV[1] client key prefix; ARGV[2] client ID; ARGV[3] payload;
// ARGV[4] max clients (0 = unlimited); ARGV[5] ttl in ms (0 = none).
// Returns 1 on success and 0 when the limit is reached.
var registerClientScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local live = 0
for _, id in ipairs(ids) do
	if redis.call('EXISTS', ARGV[1] .. id) == 1 then
		live = live + 1
	else
		redis.call('SREM', KEYS[1], id)
	end
end
local max = tonumber(ARGV[4])
if redis.call('EXISTS', KEYS[2]) == 0 and max > 0 and live >= max then
	return 0
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call('SET', KEYS[2], ARGV[3], 'PX', ttl)
else
	redis.call('SET', KEYS[2], ARGV[3])
end
redis.call('SADD', KEYS[1], ARGV[2])
return 1
`)

// RedisClientStore keeps registered clients in Redis so every instance sees
// the same registrations. A set indexes the client IDs.
type RedisClientStore struct {
	client     redis.UniversalClient
	keyPrefix  string
	maxClients int
	ownsClient bool
	now        func() time.Time
}

// NewRedisClientStore creates a RedisClientStore. The caller keeps ownership
// of client.
func NewRedisClientStore(client redis.UniversalClient, keyPrefix string, maxClients int) *RedisClientStore {
	return &RedisClientStore{
		client:     client,
		keyPrefix:  keyPrefix,
		maxClients: maxClients,
		now:        time.Now,
	}
}

func (s *RedisClientStore) clientKey(id string) string {
	return redisKey(s.keyPrefix, KeyTypeClient, id)
}

func (s *RedisClientStore) indexKey() string {
	return s.keyPrefix + KeyTypeClients
}

// RegisterClient implements ClientStore.
func (s *RedisClientStore) RegisterClient(ctx context.Context, md *ClientMetadata) (*ClientMetadata, error) {
	now := s.now()
	client, err := issueCredentials(md, now)
	if err != nil {
		return nil, err
	}

	var ttl time.Duration
	if client.ClientSecretExpiresAt > 0 {
		ttl = time.Unix(client.ClientSecretExpiresAt, 0).Sub(now)
	}

	data, err := json.Marshal(client)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client: %w", err)
	}

	ok, err := registerClientScript.Run(ctx, s.client,
		[]string{s.indexKey(), s.clientKey(client.ClientID)},
		s.clientKey(""), client.ClientID, string(data), s.maxClients, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}
	if ok == 0 {
		return nil, ErrMaxClientsReached
	}
	return client, nil
}

// GetClient implements ClientStore.
func (s *RedisClientStore) GetClient(ctx context.Context, clientID string) (*ClientMetadata, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: client", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client ClientMetadata
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	if client.Expired(s.now()) {
		_ = s.DeleteClient(ctx, clientID)
		return nil, fmt.Errorf("%w: client expired", ErrNotFound)
	}
	return &client, nil
}

// DeleteClient implements ClientStore.
func (s *RedisClientStore) DeleteClient(ctx context.Context, clientID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.clientKey(clientID))
		pipe.SRem(ctx, s.indexKey(), clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

// ListClients implements ClientStore. Index members whose record is gone are
// dropped from the index.
func (s *RedisClientStore) ListClients(ctx context.Context) ([]*ClientMetadata, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	if len(ids) == 0 {
		return []*ClientMetadata{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.clientKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load clients: %w", err)
	}

	now := s.now()
	out := make([]*ClientMetadata, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var client ClientMetadata
		if err := json.Unmarshal([]byte(raw), &client); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client: %w", err)
		}
		if client.Expired(now) {
			continue
		}
		out = append(out, &client)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.indexKey(), stale...).Err()
	}

	sortClients(out)
	return out, nil
}

// CountClients implements ClientStore.
func (s *RedisClientStore) CountClients(ctx context.Context) (int, error) {
	clients, err := s.ListClients(ctx)
	if err != nil {
		return 0, err
	}
	return len(clients), nil
}

// CleanupClients implements ClientStore. Redis expires records natively.
func (*RedisClientStore) CleanupClients(_ context.Context) (int, error) {
	return 0, nil
}

// Close closes the Redis client if this store created it.
func (s *RedisClientStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
