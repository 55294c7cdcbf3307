// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/authcore/pkg/auth/storage"
)

var validStorageTypes = []storage.Type{
	storage.TypeMemory, storage.TypeFile, storage.TypeRedis, storage.TypeHybrid, storage.TypeManagedKV,
}

// Validate checks the configuration for internal consistency. Every problem
// is reported, joined into a single error wrapping ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Server.MCPPath == "" || !strings.HasPrefix(c.Server.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("server.mcp_path must start with '/': %q", c.Server.MCPPath))
	}

	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateProviders()...)

	switch c.PKCE.Store {
	case "", string(storage.TypeMemory), string(storage.TypeRedis):
	default:
		errs = append(errs, fmt.Errorf("pkce.store must be memory or redis, got %q", c.PKCE.Store))
	}
	if c.PKCE.Store == string(storage.TypeRedis) && !c.hasRedisEndpoint() {
		errs = append(errs, errors.New("pkce.store=redis requires storage.redis.url or storage.redis.addrs"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c *Config) hasRedisEndpoint() bool {
	return c.Storage.Redis.URL != "" || len(c.Storage.Redis.Addrs) > 0
}

func (c *Config) validateStorage() []error {
	var errs []error

	t := c.StorageType()
	if !slices.Contains(validStorageTypes, t) {
		return []error{fmt.Errorf("storage.type %q is not one of %v", c.Storage.Type, validStorageTypes)}
	}

	switch t {
	case storage.TypeFile, storage.TypeHybrid:
		if c.Storage.Dir == "" {
			errs = append(errs, fmt.Errorf("storage.dir is required for %s storage", t))
		}
	case storage.TypeRedis:
		if !c.hasRedisEndpoint() {
			errs = append(errs, errors.New("storage.redis.url or storage.redis.addrs is required for redis storage"))
		}
	case storage.TypeManagedKV:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("storage.redis.url is required for managed-kv storage"))
		}
	}

	if c.Storage.MaxClients < 0 {
		errs = append(errs, errors.New("storage.max_clients must not be negative"))
	}
	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error

	seen := make(map[string]bool)
	for _, name := range c.Providers.Order {
		if _, ok := c.Providers.Credentials(name); !ok {
			errs = append(errs, fmt.Errorf("providers.order: unknown provider %q", name))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("providers.order: %q listed twice", name))
		}
		seen[name] = true
	}

	for _, name := range DefaultProviderOrder {
		creds, _ := c.Providers.Credentials(name)
		if creds.ClientID == "" {
			continue
		}
		if creds.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("providers.%s.client_secret is required when client_id is set", name))
		}
		if creds.RedirectURI != "" {
			if err := validateAbsoluteURL(creds.RedirectURI); err != nil {
				errs = append(errs, fmt.Errorf("providers.%s.redirect_uri: %w", name, err))
			}
		}
		if name == ProviderGeneric && creds.Issuer == "" && (creds.AuthorizationURL == "" || creds.TokenURL == "") {
			errs = append(errs, errors.New(
				"providers.generic needs an issuer or both authorization_url and token_url"))
		}
	}
	return errs
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
