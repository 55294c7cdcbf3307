// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ManagedKVMinTTL is the smallest TTL the managed key-value backend writes.
// Entries that are already expired still land with this TTL so reads see a
// consistent "expired" result instead of racing a missing key.
const ManagedKVMinTTL = time.Second

// ManagedKVStore is the Redis-protocol key-value service offered by hosting
// platforms, reached through a single connection URL. It behaves like
// RedisStore except that every TTL is at least ManagedKVMinTTL.
type ManagedKVStore struct {
	*RedisStore
}

// NewManagedKVStore connects to the service at cfg.URL.
func NewManagedKVStore(ctx context.Context, cfg RedisConfig) (*ManagedKVStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("managed kv store requires a connection URL")
	}
	s, err := NewRedisStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.minTTL = ManagedKVMinTTL
	return &ManagedKVStore{RedisStore: s}, nil
}

// NewManagedKVStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewManagedKVStoreWithClient(client redis.UniversalClient, keyPrefix string) *ManagedKVStore {
	s := NewRedisStoreWithClient(client, keyPrefix)
	s.minTTL = ManagedKVMinTTL
	return &ManagedKVStore{RedisStore: s}
}
