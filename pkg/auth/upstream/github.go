// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/time/rate"

	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/networking"
)

const (
	githubAPIURL      = "https://api.github.com"
	githubAPIVersion  = "2022-11-28"
	githubMediaType   = "application/vnd.github+json"
	githubRateLimit   = rate.Limit(10)
	githubRateBurst   = 20
	githubUserPath    = "/user"
	githubEmailsPath  = "/emails"
	githubAppsPathFmt = "/applications/%s/token"
)

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// GitHubStrategy returns the strategy for GitHub OAuth apps. GitHub has no
// OIDC userinfo endpoint, so the profile comes from the REST API.
func GitHubStrategy() Strategy {
	return Strategy{
		Type:          ProviderTypeGitHub,
		DisplayName:   "GitHub",
		Endpoint:      endpoints.GitHub,
		UserInfoURL:   githubAPIURL + githubUserPath,
		DefaultScopes: []string{"read:user", "user:email"},
		APILimiter:    rate.NewLimiter(githubRateLimit, githubRateBurst),
		APIHeaders: map[string]string{
			"Accept":               githubMediaType,
			"X-GitHub-Api-Version": githubAPIVersion,
		},
	}
}

// NewGitHubProvider creates a GitHub provider.
func NewGitHubProvider(cfg Config, store storage.Store, pkceStore pkce.Store, opts ...Option) (*OAuthProvider, error) {
	s := GitHubStrategy()
	cfg.applyOverrides(&s)
	s.MapUserInfo = githubUserInfo(s.UserInfoURL)

	revokeURL := s.RevocationURL
	if revokeURL == "" {
		apiBase := strings.TrimSuffix(s.UserInfoURL, githubUserPath)
		revokeURL = apiBase + fmt.Sprintf(githubAppsPathFmt, url.PathEscape(cfg.ClientID))
	}
	s.Revoke = githubRevoke(revokeURL, cfg.ClientID, cfg.ClientSecret)

	return NewOAuthProvider(s, cfg, store, pkceStore, opts...)
}

func githubUserInfo(userURL string) func(context.Context, *Fetcher, *oauth2.Token) (*storage.UserInfo, error) {
	return func(ctx context.Context, f *Fetcher, token *oauth2.Token) (*storage.UserInfo, error) {
		var user githubUser
		if err := f.GetJSON(ctx, userURL, token.AccessToken, &user); err != nil {
			return nil, err
		}

		email := user.Email
		if email == "" {
			email = githubPrimaryEmail(ctx, f, userURL+githubEmailsPath, token.AccessToken)
		}

		name := user.Name
		if name == "" {
			name = user.Login
		}
		info := &storage.UserInfo{
			Email: email,
			Name:  name,
			Extra: map[string]any{
				"login":      user.Login,
				"avatar_url": user.AvatarURL,
				"html_url":   user.HTMLURL,
			},
		}
		if user.ID != 0 {
			info.Sub = strconv.FormatInt(user.ID, 10)
		}
		return info, nil
	}
}

// githubPrimaryEmail picks the primary verified address, falling back to any
// verified one. Without the user:email scope the call fails and the user
// simply has no email.
func githubPrimaryEmail(ctx context.Context, f *Fetcher, emailsURL, accessToken string) string {
	var emails []githubEmail
	if err := f.GetJSON(ctx, emailsURL, accessToken, &emails); err != nil {
		logger.Debugw("could not list GitHub emails", "error", err)
		return ""
	}
	fallback := ""
	for _, e := range emails {
		if !e.Verified {
			continue
		}
		if e.Primary {
			return e.Email
		}
		if fallback == "" {
			fallback = e.Email
		}
	}
	return fallback
}

// githubRevoke deletes an OAuth app token. GitHub does not implement RFC 7009.
func githubRevoke(revokeURL, clientID, clientSecret string) func(context.Context, networking.HTTPClient, string) error {
	return func(ctx context.Context, client networking.HTTPClient, token string) error {
		body, err := json.Marshal(map[string]string{"access_token": token})
		if err != nil {
			return err
		}
		_, err = networking.Fetch(ctx, client, revokeURL,
			networking.WithMethod(http.MethodDelete),
			networking.WithHeader("Accept", githubMediaType),
			networking.WithHeader("X-GitHub-Api-Version", githubAPIVersion),
			networking.WithHeader("Content-Type", networking.ContentTypeJSON),
			networking.WithHeader("Authorization", basicAuth(clientID, clientSecret)),
			networking.WithBody(bytes.NewReader(body)),
		)
		return err
	}
}
