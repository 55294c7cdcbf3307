// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"golang.org/x/oauth2/endpoints"

	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
)

const (
	googleUserInfoURL   = "https://openidconnect.googleapis.com/v1/userinfo"
	googleRevocationURL = "https://oauth2.googleapis.com/revoke"
)

// GoogleStrategy returns the strategy for Google accounts. access_type=offline
// with prompt=consent makes Google issue a refresh token on every login.
func GoogleStrategy() Strategy {
	return Strategy{
		Type:          ProviderTypeGoogle,
		DisplayName:   "Google",
		Endpoint:      endpoints.Google,
		UserInfoURL:   googleUserInfoURL,
		RevocationURL: googleRevocationURL,
		DefaultScopes: []string{"openid", "email", "profile"},
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	}
}

// NewGoogleProvider creates a Google provider.
func NewGoogleProvider(cfg Config, store storage.Store, pkceStore pkce.Store, opts ...Option) (*OAuthProvider, error) {
	s := GoogleStrategy()
	cfg.applyOverrides(&s)
	s.MapUserInfo = fetchStandardUserInfo(s.UserInfoURL)
	return NewOAuthProvider(s, cfg, store, pkceStore, opts...)
}
