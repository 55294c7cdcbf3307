// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providers builds the configured upstream identity providers and
// keeps them in a registry for the HTTP handlers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	"github.com/stacklok/authcore/pkg/config"
	"github.com/stacklok/authcore/pkg/logger"
)

// Dependencies are shared by every provider the registry creates.
type Dependencies struct {
	Store      storage.Store
	PKCE       pkce.Store
	HTTPClient *http.Client
	Audit      audit.Sink
	Metrics    *upstream.Metrics
}

// Registry creates providers from configuration and hands them out by type.
type Registry struct {
	cfg  *config.Config
	deps Dependencies

	mu        sync.RWMutex
	providers map[upstream.ProviderType]upstream.Provider
	order     []upstream.ProviderType
}

// NewRegistry returns an empty registry. Providers are built by CreateAllFromEnvironment.
func NewRegistry(cfg *config.Config, deps Dependencies) *Registry {
	return &Registry{cfg: cfg, deps: deps}
}

// CreateAllFromEnvironment builds every provider with complete credentials.
// It returns nil when no provider is configured. Calling it again returns
// the providers built by the first call until Reset or DisposeAll.
func (r *Registry) CreateAllFromEnvironment(ctx context.Context) (map[upstream.ProviderType]upstream.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.providers != nil {
		return copyProviders(r.providers), nil
	}
	if r.deps.Store == nil || r.deps.PKCE == nil {
		return nil, errors.New("provider registry requires a token store and a PKCE store")
	}

	created := make(map[upstream.ProviderType]upstream.Provider)
	var order []upstream.ProviderType
	for _, name := range r.cfg.Providers.OrderedNames() {
		creds, ok := r.cfg.Providers.Credentials(name)
		if !ok {
			closeAll(created)
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if !creds.Configured() {
			logger.Debugw("provider not configured, skipping", "provider", name)
			continue
		}

		p, err := r.create(ctx, name, creds)
		if err != nil {
			closeAll(created)
			return nil, fmt.Errorf("failed to create %s provider: %w", name, err)
		}
		created[p.Type()] = p
		order = append(order, p.Type())
	}

	if len(created) == 0 {
		logger.Warn("no OAuth providers are configured; login endpoints will return 404")
		return nil, nil
	}

	r.providers = created
	r.order = order
	logger.Infow("OAuth providers ready", "providers", order)
	return copyProviders(created), nil
}

func (r *Registry) create(ctx context.Context, name string, creds config.ProviderCredentials) (upstream.Provider, error) {
	cfg := upstream.Config{
		Name:             name,
		ClientID:         creds.ClientID,
		ClientSecret:     creds.ClientSecret,
		RedirectURI:      creds.RedirectURI,
		Scopes:           creds.Scopes,
		Namespace:        creds.Namespace,
		TenantID:         creds.TenantID,
		DisplayName:      creds.DisplayName,
		Issuer:           creds.Issuer,
		AuthorizationURL: creds.AuthorizationURL,
		TokenURL:         creds.TokenURL,
		UserInfoURL:      creds.UserInfoURL,
		RevocationURL:    creds.RevocationURL,
		SessionTTL:       r.cfg.Session.AuthorizationTTL,
		PKCETTL:          r.cfg.PKCE.TTL,
		UserInfoCacheTTL: r.cfg.Session.UserInfoCacheTTL,
		CleanupInterval:  r.cfg.Storage.CleanupInterval,
	}

	var opts []upstream.Option
	if r.deps.HTTPClient != nil {
		opts = append(opts, upstream.WithHTTPClient(r.deps.HTTPClient))
	}
	if r.deps.Audit != nil {
		opts = append(opts, upstream.WithAuditSink(r.deps.Audit))
	}
	if r.deps.Metrics != nil {
		opts = append(opts, upstream.WithMetrics(r.deps.Metrics))
	}

	switch name {
	case config.ProviderGoogle:
		return upstream.NewGoogleProvider(cfg, r.deps.Store, r.deps.PKCE, opts...)
	case config.ProviderGitHub:
		return upstream.NewGitHubProvider(cfg, r.deps.Store, r.deps.PKCE, opts...)
	case config.ProviderMicrosoft:
		return upstream.NewMicrosoftProvider(cfg, r.deps.Store, r.deps.PKCE, opts...)
	case config.ProviderGeneric:
		return upstream.NewGenericProvider(ctx, cfg, r.deps.Store, r.deps.PKCE, opts...)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", name)
	}
}

// Get returns the provider of the given type.
func (r *Registry) Get(t upstream.ProviderType) (upstream.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	return p, ok
}

// Ordered returns the providers in configuration order.
func (r *Registry) Ordered() []upstream.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]upstream.Provider, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.providers[t])
	}
	return out
}

// DisposeAll closes every provider concurrently and empties the registry.
func (r *Registry) DisposeAll() error {
	r.mu.Lock()
	providers := r.providers
	r.providers = nil
	r.order = nil
	r.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for t, p := range providers {
		g.Go(func() error {
			if err := p.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("failed to close %s provider: %w", t, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Reset forgets the created providers without closing them, so the next
// CreateAllFromEnvironment builds a fresh set.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = nil
	r.order = nil
}

func copyProviders(in map[upstream.ProviderType]upstream.Provider) map[upstream.ProviderType]upstream.Provider {
	out := make(map[upstream.ProviderType]upstream.Provider, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func closeAll(providers map[upstream.ProviderType]upstream.Provider) {
	for t, p := range providers {
		if err := p.Close(); err != nil {
			logger.Warnw("failed to close provider", "provider", t, "error", err)
		}
	}
}
