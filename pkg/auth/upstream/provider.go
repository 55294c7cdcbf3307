// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/networking"
)

// Compile-time interface compliance check.
var _ Provider = (*OAuthProvider)(nil)

// OAuthProvider runs the authorization code flow for one identity provider.
type OAuthProvider struct {
	name      string
	namespace string
	config    Config
	strategy  Strategy
	oauth     *oauth2.Config

	store      storage.Store
	pkceStore  pkce.Store
	httpClient *http.Client
	fetcher    *Fetcher
	audit      audit.Sink
	metrics    *Metrics
	now        func() time.Time

	userInfo *gocache.Cache
	inflight singleflight.Group

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// Option configures an OAuthProvider.
type Option func(*OAuthProvider)

// WithHTTPClient sets the client used for every call to the identity provider.
func WithHTTPClient(client *http.Client) Option {
	return func(p *OAuthProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithAuditSink sets where lifecycle events are emitted.
func WithAuditSink(sink audit.Sink) Option {
	return func(p *OAuthProvider) {
		p.audit = audit.OrNop(sink)
	}
}

// WithMetrics enables operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *OAuthProvider) {
		p.metrics = m
	}
}

// NewOAuthProvider builds a provider from a strategy. store holds sessions
// and tokens; pkceStore holds codes handed to clients in redirect mode.
func NewOAuthProvider(
	strategy Strategy,
	cfg Config,
	store storage.Store,
	pkceStore pkce.Store,
	opts ...Option,
) (*OAuthProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s provider config: %w", strategy.Type, err)
	}
	cfg.applyOverrides(&strategy)
	if err := strategy.validate(); err != nil {
		return nil, err
	}
	if strategy.Endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		strategy.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if pkceStore == nil {
		return nil, errors.New("pkce store is required")
	}

	if cfg.Name == "" {
		cfg.Name = string(strategy.Type)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = cfg.Name
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.PKCETTL <= 0 {
		cfg.PKCETTL = pkce.DefaultTTL
	}
	if cfg.UserInfoCacheTTL <= 0 {
		cfg.UserInfoCacheTTL = DefaultUserInfoCacheTTL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = strategy.DefaultScopes
	}

	p := &OAuthProvider{
		name:      cfg.Name,
		namespace: cfg.Namespace,
		config:    cfg,
		strategy:  strategy,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       slices.Clone(scopes),
			Endpoint:     strategy.Endpoint,
		},
		store:     store,
		pkceStore: pkceStore,
		audit:     audit.NopSink{},
		now:       time.Now,
		userInfo:  gocache.New(cfg.UserInfoCacheTTL, time.Minute),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.httpClient == nil {
		client, err := networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		p.httpClient = client
	}
	p.fetcher = NewFetcher(p.httpClient, strategy.APILimiter, strategy.APIHeaders)

	if cfg.CleanupInterval > 0 {
		p.stopCleanup = make(chan struct{})
		p.cleanupDone = make(chan struct{})
		go p.cleanupLoop(cfg.CleanupInterval)
	}

	logger.Infow("configured identity provider",
		"provider", p.name,
		"type", strategy.Type,
		"authorization_endpoint", strategy.Endpoint.AuthURL,
		"token_endpoint", strategy.Endpoint.TokenURL,
		"client_id", cfg.ClientID,
	)
	return p, nil
}

// Type implements Provider.
func (p *OAuthProvider) Type() ProviderType {
	return p.strategy.Type
}

// Name implements Provider.
func (p *OAuthProvider) Name() string {
	return p.name
}

// DisplayName implements Provider.
func (p *OAuthProvider) DisplayName() string {
	if p.strategy.DisplayName != "" {
		return p.strategy.DisplayName
	}
	return p.name
}

// Close stops the cleanup loop and drops cached identities. It is safe to
// call more than once.
func (p *OAuthProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.stopCleanup != nil {
			close(p.stopCleanup)
			<-p.cleanupDone
		}
		p.userInfo.Flush()
	})
	return nil
}

func (p *OAuthProvider) cleanupLoop(interval time.Duration) {
	defer close(p.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCleanup:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep removes expired sessions and tokens from the shared store.
func (p *OAuthProvider) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sessions, err := p.store.CleanupSessions(ctx)
	if err != nil {
		logger.Warnw("failed to clean up expired sessions", "provider", p.name, "error", err)
	}
	tokens, err := p.store.CleanupTokens(ctx)
	if err != nil {
		logger.Warnw("failed to clean up expired tokens", "provider", p.name, "error", err)
	}
	if sessions > 0 || tokens > 0 {
		logger.Debugw("removed expired entries", "provider", p.name, "sessions", sessions, "tokens", tokens)
	}
}

// clientContext makes x/oauth2 use the provider's HTTP client.
func (p *OAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *OAuthProvider) emit(ctx context.Context, eventType string, err error, mutate func(*audit.Event)) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	event := audit.NewEvent(eventType, outcome)
	event.Provider = p.name
	if err != nil {
		event.Reason = err.Error()
	}
	if mutate != nil {
		mutate(&event)
	}
	p.audit.Emit(ctx, event)
}

// cacheKey keeps raw tokens out of cache and singleflight keys.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (p *OAuthProvider) cacheUserInfo(accessToken string, info *storage.UserInfo, expiresAt int64) {
	ttl := gocache.DefaultExpiration
	if expiresAt > 0 {
		remaining := time.UnixMilli(expiresAt).Sub(p.now())
		if remaining <= 0 {
			return
		}
		if remaining < p.config.UserInfoCacheTTL {
			ttl = remaining
		}
	}
	p.userInfo.Set(cacheKey(accessToken), info, ttl)
}

func (p *OAuthProvider) cachedUserInfo(accessToken string) (*storage.UserInfo, bool) {
	v, ok := p.userInfo.Get(cacheKey(accessToken))
	if !ok {
		return nil, false
	}
	info, ok := v.(*storage.UserInfo)
	return info, ok
}

func (p *OAuthProvider) evictUserInfo(accessToken string) {
	p.userInfo.Delete(cacheKey(accessToken))
}
