// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

const msgAuthorizationFailed = "Authorization failed"

// HandleTokenExchange implements TokenExchanger.
func (p *OAuthProvider) HandleTokenExchange(w http.ResponseWriter, r *http.Request, req TokenRequest) bool {
	if req.Code == "" {
		return false
	}
	ctx := r.Context()

	data, err := p.pkceStore.GetAndDeleteCodeVerifier(ctx, pkce.Key(p.namespace, req.Code))
	if err != nil {
		err = autherrors.NewStorageFailureError("failed to load code verifier", err)
		p.metrics.record(p.name, opExchange, err)
		WriteError(w, err)
		return true
	}
	if data == nil {
		return false
	}

	if data.ClientCodeChallenge != "" &&
		!pkce.VerifyChallenge(req.CodeVerifier, data.ClientCodeChallenge, data.ClientCodeChallengeMethod) {
		err := autherrors.NewInvalidGrantError("PKCE verification failed", nil)
		p.metrics.record(p.name, opExchange, err)
		p.emitLogin(ctx, nil, err)
		WriteError(w, err)
		return true
	}
	if req.RedirectURI != "" && data.RedirectURI != "" && req.RedirectURI != data.RedirectURI {
		err := autherrors.NewInvalidGrantError("redirect_uri does not match the authorization request", nil)
		p.metrics.record(p.name, opExchange, err)
		p.emitLogin(ctx, nil, err)
		WriteError(w, err)
		return true
	}

	info, err := p.exchange(ctx, req.Code, data.CodeVerifier, nil)
	p.metrics.record(p.name, opExchange, err)
	p.emitLogin(ctx, info, err)
	if err != nil {
		WriteError(w, err)
		return true
	}
	p.writeToken(w, info)
	return true
}

// exchange redeems code at the token endpoint, resolves the user and
// persists the resulting token.
func (p *OAuthProvider) exchange(ctx context.Context, code, verifier string, scopes []string) (*storage.TokenInfo, error) {
	start := time.Now()
	token, err := p.oauth.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	p.metrics.observe(p.name, opExchange, start)
	if err != nil {
		return nil, p.upstreamError("token exchange", err)
	}
	if token.AccessToken == "" {
		logger.Warnw("token endpoint returned no access token", "provider", p.name)
		return nil, autherrors.NewAuthorizationFailedError(msgAuthorizationFailed, errors.New("missing access_token"))
	}

	idToken, _ := token.Extra("id_token").(string)
	if p.strategy.IDTokenVerifier != nil && idToken != "" {
		if _, err := p.strategy.IDTokenVerifier.Verify(ctx, idToken); err != nil {
			logger.Warnw("ID token verification failed", "provider", p.name, "error", err)
			return nil, autherrors.NewAuthorizationFailedError(msgAuthorizationFailed, err)
		}
	}

	user, err := p.fetchUserInfo(ctx, token)
	if err != nil {
		logger.Warnw("failed to fetch user info after token exchange", "provider", p.name, "error", err)
		return nil, autherrors.NewAuthorizationFailedError(msgAuthorizationFailed, err)
	}

	info := p.tokenInfo(token, idToken, scopes, user)
	if err := p.store.StoreToken(ctx, info); err != nil {
		return nil, autherrors.NewStorageFailureError("failed to store token", err)
	}
	p.cacheUserInfo(info.AccessToken, user, info.ExpiresAt)
	return info, nil
}

func (p *OAuthProvider) tokenInfo(token *oauth2.Token, idToken string, scopes []string, user *storage.UserInfo) *storage.TokenInfo {
	info := &storage.TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		Provider:     p.name,
		Scopes:       grantedScopes(token, scopes, p.oauth.Scopes),
		UserInfo:     *user,
	}
	if !token.Expiry.IsZero() {
		info.ExpiresAt = token.Expiry.UnixMilli()
	}
	return info
}

// grantedScopes prefers the scope the token endpoint reported.
func grantedScopes(token *oauth2.Token, requested, configured []string) []string {
	if s, ok := token.Extra("scope").(string); ok && s != "" {
		return strings.Fields(strings.ReplaceAll(s, ",", " "))
	}
	if len(requested) > 0 {
		return requested
	}
	return configured
}

// upstreamError classifies a failed call to the token endpoint. Details stay
// in the log; clients get a generic message.
func (p *OAuthProvider) upstreamError(operation string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		logger.Warnw("identity provider rejected request",
			"provider", p.name,
			"operation", operation,
			"status", status,
			"error_code", re.ErrorCode,
			"error_description", re.ErrorDescription,
		)
		return autherrors.NewAuthorizationFailedError(msgAuthorizationFailed, err)
	}

	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		logger.Warnw("identity provider unreachable", "provider", p.name, "operation", operation, "error", err)
		return autherrors.NewProviderUnavailableError("identity provider request failed", err)
	}

	logger.Warnw("identity provider returned an unusable response", "provider", p.name, "operation", operation, "error", err)
	return autherrors.NewAuthorizationFailedError(msgAuthorizationFailed, err)
}

func (p *OAuthProvider) writeToken(w http.ResponseWriter, info *storage.TokenInfo) {
	resp := TokenResponse{
		AccessToken:  info.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: info.RefreshToken,
		IDToken:      info.IDToken,
		Scope:        strings.Join(info.Scopes, " "),
	}
	if info.ExpiresAt > 0 {
		if secs := (info.ExpiresAt - p.now().UnixMilli()) / 1000; secs > 0 {
			resp.ExpiresIn = secs
		}
	}
	SetNoCacheHeaders(w)
	WriteJSON(w, http.StatusOK, resp)
}

func (p *OAuthProvider) emitLogin(ctx context.Context, info *storage.TokenInfo, err error) {
	p.emit(ctx, audit.EventTypeLogin, err, func(e *audit.Event) {
		if info != nil {
			e.Subject = info.UserInfo.Sub
		}
	})
}
