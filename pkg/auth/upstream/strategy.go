// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/networking"
)

// Strategy is everything that distinguishes one identity provider from another.
type Strategy struct {
	Type          ProviderType
	DisplayName   string
	Endpoint      oauth2.Endpoint
	UserInfoURL   string
	RevocationURL string
	DefaultScopes []string
	// ExtraAuthParams are appended to the authorization URL.
	ExtraAuthParams map[string]string

	// MapUserInfo turns a token into a normalized identity. Provider is
	// filled in by the caller.
	MapUserInfo func(ctx context.Context, f *Fetcher, token *oauth2.Token) (*storage.UserInfo, error)

	// Revoke overrides RFC 7009 revocation against RevocationURL.
	Revoke func(ctx context.Context, client networking.HTTPClient, token string) error

	// IDTokenVerifier, when set, checks ID tokens returned by the token endpoint.
	IDTokenVerifier *oidc.IDTokenVerifier

	// APILimiter throttles calls made through the Fetcher.
	APILimiter *rate.Limiter
	// APIHeaders are sent with every Fetcher call.
	APIHeaders map[string]string
}

func (s *Strategy) validate() error {
	if s.Type == "" {
		return errors.New("strategy type is required")
	}
	if s.Endpoint.AuthURL == "" || s.Endpoint.TokenURL == "" {
		return fmt.Errorf("%s: authorization and token endpoints are required", s.Type)
	}
	if s.MapUserInfo == nil {
		return fmt.Errorf("%s: MapUserInfo is required", s.Type)
	}
	return nil
}

// Config is the per-deployment configuration of one provider.
type Config struct {
	// Name is the route and storage name. Defaults to the provider type.
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Scopes replace the strategy's default scopes when set.
	Scopes []string
	// Namespace prefixes PKCE keys. Defaults to Name.
	Namespace string

	TenantID    string
	DisplayName string
	Issuer      string

	// Endpoint overrides. Empty values keep the provider's defaults.
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	RevocationURL    string

	SessionTTL       time.Duration
	PKCETTL          time.Duration
	UserInfoCacheTTL time.Duration
	// CleanupInterval of zero disables the background sweep.
	CleanupInterval time.Duration
}

// Validate checks the credentials needed by every variant.
func (c *Config) Validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client_secret is required"))
	}
	if c.RedirectURI == "" {
		errs = append(errs, errors.New("redirect_uri is required"))
	} else if u, err := url.Parse(c.RedirectURI); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("redirect_uri %q is not an absolute URL", c.RedirectURI))
	}
	return errors.Join(errs...)
}

// applyOverrides lets configuration replace any endpoint the strategy chose.
func (c *Config) applyOverrides(s *Strategy) {
	if c.AuthorizationURL != "" {
		s.Endpoint.AuthURL = c.AuthorizationURL
	}
	if c.TokenURL != "" {
		s.Endpoint.TokenURL = c.TokenURL
	}
	if c.UserInfoURL != "" {
		s.UserInfoURL = c.UserInfoURL
	}
	if c.RevocationURL != "" {
		s.RevocationURL = c.RevocationURL
	}
	if c.DisplayName != "" {
		s.DisplayName = c.DisplayName
	}
}

// Fetcher makes authenticated calls to a provider's APIs.
type Fetcher struct {
	client  networking.HTTPClient
	limiter *rate.Limiter
	headers map[string]string
}

// NewFetcher returns a Fetcher over client. limiter may be nil.
func NewFetcher(client networking.HTTPClient, limiter *rate.Limiter, headers map[string]string) *Fetcher {
	return &Fetcher{client: client, limiter: limiter, headers: headers}
}

// GetJSON fetches requestURL with the access token and decodes the body into out.
func (f *Fetcher) GetJSON(ctx context.Context, requestURL, accessToken string, out any) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	opts := []networking.FetchOption{networking.WithBearerToken(accessToken)}
	for k, v := range f.headers {
		opts = append(opts, networking.WithHeader(k, v))
	}

	body, err := networking.Fetch(ctx, f.client, requestURL, opts...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", requestURL, err)
	}
	return nil
}

// standardClaims is the OIDC userinfo shape shared by Google and most
// generic providers.
type standardClaims struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     *bool  `json:"email_verified,omitempty"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
	Locale            string `json:"locale"`
}

func (c *standardClaims) toUserInfo() *storage.UserInfo {
	info := &storage.UserInfo{
		Sub:   c.Sub,
		Email: c.Email,
		Name:  c.Name,
	}
	if info.Name == "" {
		info.Name = c.PreferredUsername
	}
	extra := map[string]any{}
	if c.EmailVerified != nil {
		extra["email_verified"] = *c.EmailVerified
	}
	if c.Picture != "" {
		extra["picture"] = c.Picture
	}
	if c.Locale != "" {
		extra["locale"] = c.Locale
	}
	if c.PreferredUsername != "" {
		extra["preferred_username"] = c.PreferredUsername
	}
	if len(extra) > 0 {
		info.Extra = extra
	}
	return info
}

// fetchStandardUserInfo maps an OIDC userinfo endpoint response.
func fetchStandardUserInfo(userInfoURL string) func(context.Context, *Fetcher, *oauth2.Token) (*storage.UserInfo, error) {
	return func(ctx context.Context, f *Fetcher, token *oauth2.Token) (*storage.UserInfo, error) {
		if userInfoURL == "" {
			return nil, errors.New("no userinfo endpoint configured")
		}
		var claims standardClaims
		if err := f.GetJSON(ctx, userInfoURL, token.AccessToken, &claims); err != nil {
			return nil, err
		}
		return claims.toUserInfo(), nil
	}
}
