// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/authcore/pkg/auth/storage"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/networking"
)

const (
	msgInvalidToken = "Invalid or expired access token"

	// userInfoTimeout bounds a shared userinfo lookup, which outlives the
	// caller that started it.
	userInfoTimeout = 15 * time.Second
)

// VerifyAccessToken implements TokenVerifier. Tokens issued through this
// provider resolve from the store; anything else is checked against the
// provider's userinfo endpoint.
func (p *OAuthProvider) VerifyAccessToken(ctx context.Context, token string) (*storage.UserInfo, error) {
	if token == "" {
		return nil, autherrors.NewInvalidTokenError(msgInvalidToken, nil)
	}

	info, err := p.store.GetToken(ctx, token)
	switch {
	case err == nil:
		if info.Provider != p.name {
			return nil, autherrors.NewInvalidTokenError(msgInvalidToken, nil)
		}
		return cloneUserInfo(&info.UserInfo), nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, autherrors.NewStorageFailureError("failed to look up token", err)
	}

	user, err := p.GetUserInfo(ctx, token)
	if err != nil {
		return nil, autherrors.NewInvalidTokenError(msgInvalidToken, err)
	}
	return user, nil
}

// GetUserInfo implements TokenVerifier. Results are cached per token and
// concurrent lookups for the same token share one upstream call.
func (p *OAuthProvider) GetUserInfo(ctx context.Context, token string) (*storage.UserInfo, error) {
	if token == "" {
		return nil, autherrors.NewInvalidTokenError(msgInvalidToken, nil)
	}
	if user, ok := p.cachedUserInfo(token); ok {
		return cloneUserInfo(user), nil
	}

	ch := p.inflight.DoChan(cacheKey(token), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), userInfoTimeout)
		defer cancel()
		user, err := p.fetchUserInfo(fetchCtx, &oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		if err != nil {
			return nil, err
		}
		p.cacheUserInfo(token, user, 0)
		return user, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, autherrors.NewProviderUnavailableError("user info lookup abandoned", ctx.Err())
	}
	v, err := res.Val, res.Err
	if err != nil {
		if networking.IsHTTPError(err, http.StatusUnauthorized) || networking.IsHTTPError(err, http.StatusForbidden) {
			return nil, autherrors.NewInvalidTokenError(msgInvalidToken, err)
		}
		return nil, autherrors.NewProviderUnavailableError("failed to fetch user info", err)
	}
	return cloneUserInfo(v.(*storage.UserInfo)), nil
}

// IsTokenValid implements TokenVerifier. Tokens that expire within the
// buffer window count as expired and are removed.
func (p *OAuthProvider) IsTokenValid(ctx context.Context, token string) bool {
	info, err := p.store.GetToken(ctx, token)
	if err != nil || info.Provider != p.name {
		return false
	}
	if info.ExpiresWithin(p.now(), tokenExpirationBuffer) {
		_ = p.store.DeleteToken(ctx, token)
		p.evictUserInfo(token)
		return false
	}
	return true
}

func (p *OAuthProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*storage.UserInfo, error) {
	start := time.Now()
	user, err := p.strategy.MapUserInfo(ctx, p.fetcher, token)
	p.metrics.observe(p.name, opUserInfo, start)
	if err == nil && (user == nil || user.Sub == "") {
		err = errors.New("user info has no subject")
	}
	p.metrics.record(p.name, opUserInfo, err)
	if err != nil {
		return nil, err
	}
	user.Provider = p.name
	return user, nil
}

func cloneUserInfo(u *storage.UserInfo) *storage.UserInfo {
	c := *u
	c.Extra = maps.Clone(u.Extra)
	return &c
}
