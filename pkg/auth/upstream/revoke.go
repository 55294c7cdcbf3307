// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/storage"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/networking"
)

// HandleLogout implements Revoker. The token is read from the Authorization
// header or the "token" form field. The response is always 200.
func (p *OAuthProvider) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := BearerToken(r)
	if token == "" {
		_ = r.ParseForm()
		token = strings.TrimSpace(r.PostForm.Get("token"))
	}

	var err error
	if token != "" {
		if _, err = p.RemoveToken(ctx, token); err != nil {
			logger.Warnw("logout could not remove token", "provider", p.name, "error", err)
		}
	}
	p.metrics.record(p.name, opLogout, err)
	p.emit(ctx, audit.EventTypeLogout, err, nil)

	SetNoCacheHeaders(w)
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RemoveToken implements Revoker. token may be an access or a refresh
// token. Upstream revocation is attempted but its failure is only logged.
func (p *OAuthProvider) RemoveToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	info, err := p.store.GetToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		info, err = p.store.GetTokenByRefreshToken(ctx, token)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, autherrors.NewStorageFailureError("failed to look up token", err)
	}
	if info.Provider != p.name {
		return false, nil
	}

	if rerr := p.revokeUpstream(ctx, info); rerr != nil {
		logger.Warnw("upstream token revocation failed", "provider", p.name, "error", rerr)
	}

	p.evictUserInfo(info.AccessToken)
	if err := p.store.DeleteToken(ctx, info.AccessToken); err != nil {
		return true, autherrors.NewStorageFailureError("failed to delete token", err)
	}
	return true, nil
}

// revokeUpstream revokes the refresh token when there is one, since that
// also invalidates its access tokens at most providers.
func (p *OAuthProvider) revokeUpstream(ctx context.Context, info *storage.TokenInfo) error {
	token, hint := info.AccessToken, "access_token"
	if info.RefreshToken != "" {
		token, hint = info.RefreshToken, "refresh_token"
	}

	start := time.Now()
	defer p.metrics.observe(p.name, opRevoke, start)

	var err error
	switch {
	case p.strategy.Revoke != nil:
		err = p.strategy.Revoke(ctx, p.httpClient, info.AccessToken)
	case p.strategy.RevocationURL != "":
		form := url.Values{"token": {token}, "token_type_hint": {hint}}
		_, err = networking.PostForm(ctx, p.httpClient, p.strategy.RevocationURL, form,
			networking.WithHeader("Authorization", basicAuth(p.config.ClientID, p.config.ClientSecret)))
	default:
		return nil
	}
	p.metrics.record(p.name, opRevoke, err)
	return err
}

// basicAuth encodes client credentials as RFC 6749 section 2.3.1 requires.
func basicAuth(clientID, clientSecret string) string {
	creds := url.QueryEscape(clientID) + ":" + url.QueryEscape(clientSecret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
