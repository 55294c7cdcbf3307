// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the application config structure
// and the logic required to load it from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/stacklok/authcore/pkg/auth/storage"
)

// EnvPrefix prefixes every environment variable, e.g. AUTHCORE_SERVER_ADDRESS.
const EnvPrefix = "AUTHCORE"

// Provider names as they appear in configuration.
const (
	ProviderGoogle    = "google"
	ProviderGitHub    = "github"
	ProviderMicrosoft = "microsoft"
	ProviderGeneric   = "generic"
)

// DefaultProviderOrder is the order providers are tried in when providers.order is unset.
var DefaultProviderOrder = []string{ProviderGoogle, ProviderGitHub, ProviderMicrosoft, ProviderGeneric}

// Config represents the configuration of the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PKCE      PKCEConfig      `mapstructure:"pkce"`
	Session   SessionConfig   `mapstructure:"session"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Network   NetworkConfig   `mapstructure:"network"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// BaseURL is the externally visible URL, used to build default redirect URIs.
	BaseURL        string        `mapstructure:"base_url"`
	MCPPath        string        `mapstructure:"mcp_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig selects and configures the token/session/client backend.
type StorageConfig struct {
	Type            string        `mapstructure:"type"`
	Dir             string        `mapstructure:"dir"`
	EncryptionKey   string        `mapstructure:"encryption_key"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ResyncInterval  time.Duration `mapstructure:"resync_interval"`
	MaxClients      int           `mapstructure:"max_clients"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig configures the Redis-protocol backends.
type RedisConfig struct {
	URL        string   `mapstructure:"url"`
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master_name"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
}

// PKCEConfig configures the PKCE verifier store. An empty Store follows the
// storage backend: Redis-protocol backends share PKCE data, everything else
// keeps it in memory.
type PKCEConfig struct {
	Store string        `mapstructure:"store"`
	TTL   time.Duration `mapstructure:"ttl"`
}

// SessionConfig configures authorization and protocol session lifetimes.
type SessionConfig struct {
	// AuthorizationTTL bounds how long a user has to complete a login.
	AuthorizationTTL time.Duration `mapstructure:"authorization_ttl"`
	// TTL is the lifetime of protocol session metadata in the shared store.
	TTL time.Duration `mapstructure:"ttl"`
	// IdleTimeout evicts locally cached protocol instances.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// UserInfoCacheTTL bounds how long fetched identities are reused.
	UserInfoCacheTTL time.Duration `mapstructure:"userinfo_cache_ttl"`
}

// ProvidersConfig holds per-provider credentials.
type ProvidersConfig struct {
	// Order lists provider names in the order /auth/token tries them.
	Order     []string            `mapstructure:"order"`
	Google    ProviderCredentials `mapstructure:"google"`
	GitHub    ProviderCredentials `mapstructure:"github"`
	Microsoft ProviderCredentials `mapstructure:"microsoft"`
	Generic   ProviderCredentials `mapstructure:"generic"`
}

// ProviderCredentials configures one upstream identity provider.
type ProviderCredentials struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes"`
	// Namespace separates this provider's keys in shared stores.
	Namespace string `mapstructure:"namespace"`

	// TenantID selects the directory authority (Microsoft only).
	TenantID string `mapstructure:"tenant_id"`

	// Generic provider endpoints. Issuer enables discovery and ID token
	// verification; explicit URLs override discovered ones.
	DisplayName      string `mapstructure:"display_name"`
	Issuer           string `mapstructure:"issuer"`
	AuthorizationURL string `mapstructure:"authorization_url"`
	TokenURL         string `mapstructure:"token_url"`
	UserInfoURL      string `mapstructure:"userinfo_url"`
	RevocationURL    string `mapstructure:"revocation_url"`
}

// Configured reports whether the credentials are complete enough to build a provider.
func (p *ProviderCredentials) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.RedirectURI != ""
}

// NetworkConfig relaxes outbound HTTP checks. Only for local development and tests.
type NetworkConfig struct {
	AllowPrivateIPs bool   `mapstructure:"allow_private_ips"`
	AllowHTTP       bool   `mapstructure:"allow_http"`
	CABundlePath    string `mapstructure:"ca_bundle_path"`
}

// AuditConfig enables the audit log sink.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Credentials returns the credentials for a provider name.
func (p *ProvidersConfig) Credentials(name string) (ProviderCredentials, bool) {
	switch name {
	case ProviderGoogle:
		return p.Google, true
	case ProviderGitHub:
		return p.GitHub, true
	case ProviderMicrosoft:
		return p.Microsoft, true
	case ProviderGeneric:
		return p.Generic, true
	default:
		return ProviderCredentials{}, false
	}
}

// OrderedNames returns Order, or DefaultProviderOrder when it is empty.
func (p *ProvidersConfig) OrderedNames() []string {
	if len(p.Order) == 0 {
		return DefaultProviderOrder
	}
	return p.Order
}

// defaultDataDir is the base directory for file-backed storage.
var defaultDataDir = func() string {
	return filepath.Join(xdg.DataHome, "authcore")
}

// SetDefaults registers every key with its default so that environment
// variables are honoured by Unmarshal even when no file sets the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.mcp_path", "/mcp")
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("storage.dir", defaultDataDir())
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("storage.cleanup_interval", storage.DefaultCleanupInterval)
	v.SetDefault("storage.resync_interval", time.Duration(0))
	v.SetDefault("storage.max_clients", storage.DefaultMaxClients)
	v.SetDefault("storage.redis.url", "")
	v.SetDefault("storage.redis.addrs", []string{})
	v.SetDefault("storage.redis.master_name", "")
	v.SetDefault("storage.redis.username", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", storage.DefaultKeyPrefix)

	v.SetDefault("pkce.store", "")
	v.SetDefault("pkce.ttl", 10*time.Minute)

	v.SetDefault("session.authorization_ttl", 10*time.Minute)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.userinfo_cache_ttl", 5*time.Minute)

	v.SetDefault("providers.order", []string{})
	for _, name := range DefaultProviderOrder {
		for _, key := range []string{
			"client_id", "client_secret", "redirect_uri", "namespace", "tenant_id",
			"display_name", "issuer", "authorization_url", "token_url", "userinfo_url", "revocation_url",
		} {
			v.SetDefault("providers."+name+"."+key, "")
		}
		v.SetDefault("providers."+name+".scopes", []string{})
	}

	v.SetDefault("network.allow_private_ips", false)
	v.SetDefault("network.allow_http", false)
	v.SetDefault("network.ca_bundle_path", "")

	v.SetDefault("audit.enabled", true)
}

// Load reads the optional file at path, overlays AUTHCORE_* environment
// variables and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.applyRedirectDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyRedirectDefaults fills unset redirect URIs from the base URL.
func (c *Config) applyRedirectDefaults() {
	base := strings.TrimSuffix(c.Server.BaseURL, "/")
	for _, name := range DefaultProviderOrder {
		p := c.providerPtr(name)
		if p.ClientID != "" && p.RedirectURI == "" && base != "" {
			p.RedirectURI = base + "/auth/" + name + "/callback"
		}
	}
}

func (c *Config) providerPtr(name string) *ProviderCredentials {
	switch name {
	case ProviderGoogle:
		return &c.Providers.Google
	case ProviderGitHub:
		return &c.Providers.GitHub
	case ProviderMicrosoft:
		return &c.Providers.Microsoft
	case ProviderGeneric:
		return &c.Providers.Generic
	default:
		return nil
	}
}

// StorageType returns the configured backend type.
func (c *Config) StorageType() storage.Type {
	return storage.Type(c.Storage.Type)
}

// UsesSharedStore reports whether the storage backend is shared between processes.
func (c *Config) UsesSharedStore() bool {
	t := c.StorageType()
	return t == storage.TypeRedis || t == storage.TypeManagedKV
}

// StorageOptions converts the storage section into the storage package's config.
func (c *Config) StorageOptions() *storage.Config {
	return &storage.Config{
		Type:            c.StorageType(),
		Dir:             c.Storage.Dir,
		EncryptionKey:   c.Storage.EncryptionKey,
		CleanupInterval: c.Storage.CleanupInterval,
		ResyncInterval:  c.Storage.ResyncInterval,
		MaxClients:      c.Storage.MaxClients,
		Redis: storage.RedisConfig{
			URL:        c.Storage.Redis.URL,
			Addrs:      c.Storage.Redis.Addrs,
			MasterName: c.Storage.Redis.MasterName,
			Username:   c.Storage.Redis.Username,
			Password:   c.Storage.Redis.Password,
			DB:         c.Storage.Redis.DB,
			KeyPrefix:  c.Storage.Redis.KeyPrefix,
		},
	}
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")
