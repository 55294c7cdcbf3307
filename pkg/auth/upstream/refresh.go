// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/storage"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

const msgInvalidRefreshToken = "Invalid or expired refresh token"

// HandleTokenRefresh implements TokenRefresher. Unknown or expired refresh
// tokens are answered with 401 invalid_grant.
func (p *OAuthProvider) HandleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, autherrors.NewInvalidRequestError("Malformed request body", err))
		return
	}

	info, err := p.RefreshToken(r.Context(), r.PostForm.Get("refresh_token"))
	if err != nil {
		if autherrors.IsInvalidGrant(err) {
			WriteErrorStatus(w, http.StatusUnauthorized, err)
			return
		}
		WriteError(w, err)
		return
	}
	p.writeToken(w, info)
}

// RefreshToken implements TokenRefresher.
//
// The refresh token is claimed from the store before the provider is
// called, so of several concurrent refreshes with the same token only one
// reaches the provider. The old access token is replaced by the new one in
// a single store operation.
func (p *OAuthProvider) RefreshToken(ctx context.Context, refreshToken string) (*storage.TokenInfo, error) {
	info, err := p.refresh(ctx, refreshToken)
	p.metrics.record(p.name, opRefresh, err)
	p.emit(ctx, audit.EventTypeTokenRefresh, err, func(e *audit.Event) {
		if info != nil {
			e.Subject = info.UserInfo.Sub
		}
	})
	return info, err
}

func (p *OAuthProvider) refresh(ctx context.Context, refreshToken string) (*storage.TokenInfo, error) {
	if refreshToken == "" {
		return nil, autherrors.NewInvalidRequestError("Missing refresh_token parameter", nil)
	}

	current, err := p.store.GetTokenByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, storeLookupError(err)
	}
	if current.Provider != p.name {
		return nil, autherrors.NewInvalidGrantError(msgInvalidRefreshToken, nil)
	}

	old, err := p.store.TakeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, storeLookupError(err)
	}

	start := time.Now()
	token, err := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	p.metrics.observe(p.name, opRefresh, start)
	if err != nil {
		return nil, p.refreshFailed(ctx, old, err)
	}
	if token.AccessToken == "" {
		return nil, p.refreshFailed(ctx, old, errors.New("missing access_token"))
	}

	next := &storage.TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      old.IDToken,
		Provider:     p.name,
		Scopes:       grantedScopes(token, old.Scopes, p.oauth.Scopes),
		UserInfo:     old.UserInfo,
	}
	// Providers that do not rotate refresh tokens keep the old one valid.
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		next.IDToken = idToken
	}
	if !token.Expiry.IsZero() {
		next.ExpiresAt = token.Expiry.UnixMilli()
	}

	if err := p.store.ReplaceToken(ctx, old.AccessToken, next); err != nil {
		return nil, autherrors.NewStorageFailureError("failed to store refreshed token", err)
	}
	p.evictUserInfo(old.AccessToken)
	p.cacheUserInfo(next.AccessToken, &next.UserInfo, next.ExpiresAt)

	logger.Debugw("refreshed token", "provider", p.name, "sub", next.UserInfo.Sub)
	return next, nil
}

// refreshFailed settles the claimed token after the provider call failed.
// A rejection means the grant is dead upstream, so the local token goes too.
// A transport failure puts the token back so the client can retry.
func (p *OAuthProvider) refreshFailed(ctx context.Context, old *storage.TokenInfo, cause error) error {
	err := p.upstreamError("token refresh", cause)
	if autherrors.IsProviderUnavailable(err) {
		if serr := p.store.StoreToken(ctx, old); serr != nil {
			logger.Warnw("failed to restore token after refresh failure", "provider", p.name, "error", serr)
		}
		return err
	}

	if derr := p.store.DeleteToken(ctx, old.AccessToken); derr != nil {
		logger.Warnw("failed to delete rejected token", "provider", p.name, "error", derr)
	}
	p.evictUserInfo(old.AccessToken)
	return autherrors.NewInvalidGrantError(msgInvalidRefreshToken, cause)
}

func storeLookupError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return autherrors.NewInvalidGrantError(msgInvalidRefreshToken, err)
	}
	return autherrors.NewStorageFailureError("failed to look up refresh token", err)
}
