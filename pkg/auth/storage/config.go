// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authcore/pkg/logger"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"
	// TypeFile uses an optionally encrypted JSON document on disk.
	TypeFile Type = "file"
	// TypeRedis uses a Redis server, cluster or Sentinel deployment.
	TypeRedis Type = "redis"
	// TypeHybrid serves from memory and persists to a file.
	TypeHybrid Type = "hybrid"
	// TypeManagedKV uses a platform-managed Redis-protocol service reached by URL.
	TypeManagedKV Type = "managed-kv"
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultTokenTTL applies to tokens and metadata that carry no expiry.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultMaxClients caps dynamic client registrations.
	DefaultMaxClients = 1000

	// DefaultKeyPrefix namespaces every Redis key.
	DefaultKeyPrefix = "authcore:"

	// Redis timeouts.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultConnectRetries bounds the startup connectivity check.
	DefaultConnectRetries = 5

	tokensFileName  = "tokens.json"
	clientsFileName = "clients.json"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// Dir holds the token and client documents for the file and hybrid backends.
	Dir string
	// EncryptionKey seals the documents. Empty stores plaintext.
	EncryptionKey string

	CleanupInterval time.Duration
	ResyncInterval  time.Duration
	MaxClients      int

	Redis RedisConfig
}

// RedisConfig configures the Redis and managed KV backends. URL takes
// precedence over the address fields.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL string

	// Addrs lists server, cluster or Sentinel addresses.
	Addrs []string
	// MasterName selects Sentinel mode.
	MasterName string
	Username   string
	Password   string
	DB         int

	// KeyPrefix namespaces every key. Defaults to "authcore:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectRetries bounds the ping attempts at startup.
	ConnectRetries uint
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:            TypeMemory,
		CleanupInterval: DefaultCleanupInterval,
		MaxClients:      DefaultMaxClients,
	}
}

func (c *RedisConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
}

// NewRedisClient builds a client from cfg and waits until the server answers
// a ping, retrying with exponential backoff.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	cfg.applyDefaults()

	var client redis.UniversalClient
	switch {
	case cfg.URL != "":
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts.DialTimeout = cfg.DialTimeout
		opts.ReadTimeout = cfg.ReadTimeout
		opts.WriteTimeout = cfg.WriteTimeout
		client = redis.NewClient(opts)
	case len(cfg.Addrs) > 0:
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        cfg.Addrs,
			MasterName:   cfg.MasterName,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	default:
		return nil, errors.New("redis URL or at least one address is required")
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.ConnectRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnw("redis not reachable, retrying", "error", err, "backoff", d)
		}),
	)
	if err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *Config) cipher() (*Cipher, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	return NewCipher([]byte(c.EncryptionKey))
}

func (c *Config) fileConfig(name string) (FileStoreConfig, error) {
	if c.Dir == "" {
		return FileStoreConfig{}, fmt.Errorf("storage directory is required for %s storage", c.Type)
	}
	cipher, err := c.cipher()
	if err != nil {
		return FileStoreConfig{}, err
	}
	return FileStoreConfig{Path: filepath.Join(c.Dir, name), Cipher: cipher}, nil
}

// NewStore creates the token/session store selected by cfg.Type.
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case "", TypeMemory:
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = DefaultCleanupInterval
		}
		return NewMemoryStore(WithCleanupInterval(interval)), nil
	case TypeFile:
		fc, err := cfg.fileConfig(tokensFileName)
		if err != nil {
			return nil, err
		}
		s, err := NewFileStore(fc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeHybrid:
		fc, err := cfg.fileConfig(tokensFileName)
		if err != nil {
			return nil, err
		}
		s, err := NewHybridStore(HybridStoreConfig{
			FileStoreConfig: fc,
			CleanupInterval: cfg.CleanupInterval,
			ResyncInterval:  cfg.ResyncInterval,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeRedis:
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeManagedKV:
		s, err := NewManagedKVStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// NewClientStore creates the client store that pairs with cfg.Type. The
// Redis-protocol backends share client records on the server; memory stays
// in-process; file and hybrid persist to a separate document.
func NewClientStore(ctx context.Context, cfg *Config) (ClientStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryClientStore(maxClients), nil
	case TypeFile, TypeHybrid:
		fc, err := cfg.fileConfig(clientsFileName)
		if err != nil {
			return nil, err
		}
		s, err := NewFileClientStore(fc, maxClients)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeRedis, TypeManagedKV:
		rc := cfg.Redis
		rc.applyDefaults()
		client, err := NewRedisClient(ctx, rc)
		if err != nil {
			return nil, err
		}
		s := NewRedisClientStore(client, rc.KeyPrefix, maxClients)
		s.ownsClient = true
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
