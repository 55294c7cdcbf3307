// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/networking"
)

// discoveryMetadata holds the discovery fields go-oidc does not expose.
type discoveryMetadata struct {
	UserInfoURL   string `json:"userinfo_endpoint"`
	RevocationURL string `json:"revocation_endpoint"`
}

// GenericStrategy returns a strategy with no endpoints; they come from
// configuration or discovery.
func GenericStrategy() Strategy {
	return Strategy{
		Type:          ProviderTypeGeneric,
		DisplayName:   "OAuth",
		DefaultScopes: []string{oidc.ScopeOpenID, "profile", "email"},
	}
}

// NewGenericProvider creates a provider for any OAuth 2.0 server. With an
// issuer the endpoints are discovered and ID tokens are verified; explicitly
// configured URLs still take precedence over discovered ones.
func NewGenericProvider(
	ctx context.Context,
	cfg Config,
	store storage.Store,
	pkceStore pkce.Store,
	opts ...Option,
) (*OAuthProvider, error) {
	s := GenericStrategy()

	if cfg.Issuer != "" {
		client, err := resolveHTTPClient(opts)
		if err != nil {
			return nil, err
		}
		if err := discover(ctx, client, cfg, &s); err != nil {
			return nil, err
		}
		opts = append(opts, WithHTTPClient(client))
	}

	cfg.applyOverrides(&s)
	if s.Endpoint.AuthURL == "" || s.Endpoint.TokenURL == "" {
		return nil, errors.New("generic provider needs an issuer or authorization and token URLs")
	}
	s.MapUserInfo = genericUserInfo(s.UserInfoURL)

	return NewOAuthProvider(s, cfg, store, pkceStore, opts...)
}

// resolveHTTPClient returns the client the options select, so discovery
// uses the same transport as the provider.
func resolveHTTPClient(opts []Option) (*http.Client, error) {
	scratch := &OAuthProvider{}
	for _, opt := range opts {
		opt(scratch)
	}
	if scratch.httpClient != nil {
		return scratch.httpClient, nil
	}
	client, err := networking.NewHttpClientBuilder().Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}
	return client, nil
}

func discover(ctx context.Context, client *http.Client, cfg Config, s *Strategy) error {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.Issuer)
	if err != nil {
		return fmt.Errorf("OIDC discovery for %s failed: %w", cfg.Issuer, err)
	}

	var meta discoveryMetadata
	if err := provider.Claims(&meta); err != nil {
		return fmt.Errorf("failed to parse discovery document: %w", err)
	}

	s.Endpoint = provider.Endpoint()
	s.UserInfoURL = meta.UserInfoURL
	s.RevocationURL = meta.RevocationURL
	s.IDTokenVerifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	logger.Infow("discovered OIDC provider",
		"issuer", cfg.Issuer,
		"userinfo_endpoint", meta.UserInfoURL,
		"revocation_endpoint", meta.RevocationURL,
	)
	return nil
}

func genericUserInfo(userInfoURL string) func(context.Context, *Fetcher, *oauth2.Token) (*storage.UserInfo, error) {
	standard := fetchStandardUserInfo(userInfoURL)
	return func(ctx context.Context, f *Fetcher, token *oauth2.Token) (*storage.UserInfo, error) {
		if userInfoURL != "" {
			return standard(ctx, f, token)
		}
		if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
			return idTokenUserInfo(idToken)
		}
		return nil, errors.New("no userinfo endpoint and no ID token")
	}
}
