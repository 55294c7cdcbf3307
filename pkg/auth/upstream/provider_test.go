// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/audit"
	auditmocks "github.com/stacklok/authcore/pkg/audit/mocks"
	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	autherrors "github.com/stacklok/authcore/pkg/errors"
)

func TestNewOAuthProvider_Validation(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	pkceStore := pkce.NewMemoryStore()
	t.Cleanup(func() {
		_ = store.Close()
		_ = pkceStore.Close()
	})

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing client id",
			cfg:     Config{ClientSecret: "s", RedirectURI: testRedirectURI},
			wantErr: "client_id is required",
		},
		{
			name:    "missing secret",
			cfg:     Config{ClientID: "id", RedirectURI: testRedirectURI},
			wantErr: "client_secret is required",
		},
		{
			name:    "relative redirect",
			cfg:     Config{ClientID: "id", ClientSecret: "s", RedirectURI: "/callback"},
			wantErr: "not an absolute URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGoogleProvider(tt.cfg, store, pkceStore)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := NewOAuthProvider(GenericStrategy(), Config{ClientID: "id", ClientSecret: "s", RedirectURI: testRedirectURI}, store, pkceStore)
	require.Error(t, err, "a strategy without endpoints is rejected")
}

func TestHandleAuthorizationRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	rec := httptest.NewRecorder()
	env.provider.HandleAuthorizationRequest(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, env.idp.URL()+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)

	q := loc.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("state"))

	session, err := env.store.GetSession(ctx, q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "google", session.Provider)
	assert.Equal(t, q.Get("code_challenge"), pkce.ChallengeS256(session.CodeVerifier))
	assert.Empty(t, session.ClientRedirectURI)
	assert.WithinDuration(t, time.Now().Add(DefaultSessionTTL), time.UnixMilli(session.ExpiresAt), 5*time.Second)
}

func TestHandleAuthorizationRequest_ClientParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
		wantMethod string
	}{
		{
			name: "S256 challenge",
			query: url.Values{
				"redirect_uri":          {"http://127.0.0.1:3000/cb"},
				"state":                 {"client-state"},
				"code_challenge":        {pkce.ChallengeS256("client-verifier")},
				"code_challenge_method": {"S256"},
			},
			wantStatus: http.StatusFound,
			wantMethod: "S256",
		},
		{
			name: "challenge without method is plain",
			query: url.Values{
				"redirect_uri":   {"http://127.0.0.1:3000/cb"},
				"code_challenge": {"client-verifier"},
			},
			wantStatus: http.StatusFound,
			wantMethod: "plain",
		},
		{
			name:       "unsupported method",
			query:      url.Values{"code_challenge": {"x"}, "code_challenge_method": {"S512"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "relative redirect uri",
			query:      url.Values{"redirect_uri": {"/cb"}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)

			req := httptest.NewRequest(http.MethodGet, "/auth/google?"+tt.query.Encode(), nil)
			rec := httptest.NewRecorder()
			env.provider.HandleAuthorizationRequest(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusFound {
				assert.Equal(t, autherrors.ErrInvalidRequest, decodeError(t, rec).Error)
				n, err := env.store.CountSessions(context.Background())
				require.NoError(t, err)
				assert.Zero(t, n)
				return
			}

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			session, err := env.store.GetSession(context.Background(), loc.Query().Get("state"))
			require.NoError(t, err)
			assert.Equal(t, tt.query.Get("redirect_uri"), session.ClientRedirectURI)
			assert.Equal(t, tt.query.Get("state"), session.ClientState)
			assert.Equal(t, tt.wantMethod, session.ClientCodeChallengeMethod)
		})
	}
}

func TestHandleAuthorizationCallback_Direct(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	loc := env.authorize(t, nil)
	state := loc.Query().Get("state")

	rec := env.callback(url.Values{"code": {"good-code"}, "state": {state}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "access-1", resp.AccessToken)
	assert.Equal(t, "refresh-1", resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.InDelta(t, 3600, resp.ExpiresIn, 5)
	assert.Equal(t, "openid email profile", resp.Scope)

	env.idp.mu.Lock()
	verifier := env.idp.lastVerifier
	env.idp.mu.Unlock()
	assert.Equal(t, loc.Query().Get("code_challenge"), pkce.ChallengeS256(verifier),
		"the verifier sent upstream matches the challenge in the authorization URL")

	info, err := env.store.GetToken(ctx, "access-1")
	require.NoError(t, err)
	assert.Equal(t, "google", info.Provider)
	assert.Equal(t, "user-123", info.UserInfo.Sub)
	assert.Equal(t, "user@example.com", info.UserInfo.Email)
	assert.Equal(t, "google", info.UserInfo.Provider)

	_, err = env.store.GetSession(ctx, state)
	require.ErrorIs(t, err, storage.ErrNotFound, "session is consumed")

	replay := env.callback(url.Values{"code": {"good-code"}, "state": {state}})
	require.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, autherrors.ErrInvalidRequest, decodeError(t, replay).Error)
}

func TestHandleAuthorizationCallback_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		query     func(state string) url.Values
		wantCode  int
		wantError string
	}{
		{
			name:      "provider error",
			query:     func(s string) url.Values { return url.Values{"error": {"access_denied"}, "state": {s}} },
			wantCode:  http.StatusBadRequest,
			wantError: autherrors.ErrAuthorizationFailed,
		},
		{
			name:      "missing code",
			query:     func(s string) url.Values { return url.Values{"state": {s}} },
			wantCode:  http.StatusBadRequest,
			wantError: autherrors.ErrInvalidRequest,
		},
		{
			name:      "unknown state",
			query:     func(string) url.Values { return url.Values{"code": {"good-code"}, "state": {"nope"}} },
			wantCode:  http.StatusBadRequest,
			wantError: autherrors.ErrInvalidRequest,
		},
		{
			name:      "token endpoint rejects code",
			query:     func(s string) url.Values { return url.Values{"code": {badCode}, "state": {s}} },
			wantCode:  http.StatusBadRequest,
			wantError: autherrors.ErrAuthorizationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			state := env.authorize(t, nil).Query().Get("state")

			rec := env.callback(tt.query(state))
			require.Equal(t, tt.wantCode, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.NotContains(t, rec.Body.String(), "upstream secret detail")
			if tt.wantError == autherrors.ErrAuthorizationFailed {
				assert.Equal(t, "Authorization failed", resp.ErrorDescription)
			}

			n, err := env.store.CountTokens(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestHandleAuthorizationCallback_ProviderUnreachable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	state := env.authorize(t, nil).Query().Get("state")
	env.idp.srv.Close()

	rec := env.callback(url.Values{"code": {"good-code"}, "state": {state}})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, autherrors.ErrProviderUnavailable, decodeError(t, rec).Error)
}

func TestClientRedirectMode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	verifier := pkce.GenerateVerifier()

	loc := env.authorize(t, url.Values{
		"redirect_uri":          {"http://127.0.0.1:3000/cb"},
		"state":                 {"client-state"},
		"code_challenge":        {pkce.ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	})

	rec := env.callback(url.Values{"code": {"upstream-code"}, "state": {loc.Query().Get("state")}})
	require.Equal(t, http.StatusFound, rec.Code)

	back, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", back.Host)
	assert.Equal(t, "upstream-code", back.Query().Get("code"))
	assert.Equal(t, "client-state", back.Query().Get("state"))

	ok, err := env.pkce.HasCodeVerifier(context.Background(), pkce.Key("google", "upstream-code"))
	require.NoError(t, err)
	assert.True(t, ok)

	exchange := func(codeVerifier string) (*httptest.ResponseRecorder, bool) {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		rec := httptest.NewRecorder()
		handled := env.provider.HandleTokenExchange(rec, req, TokenRequest{
			GrantType:    GrantTypeAuthorizationCode,
			Code:         "upstream-code",
			CodeVerifier: codeVerifier,
			RedirectURI:  "http://127.0.0.1:3000/cb",
		})
		return rec, handled
	}

	rec, handled := exchange(verifier)
	require.True(t, handled)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)

	rec, handled = exchange(verifier)
	assert.False(t, handled, "a redeemed code is not recognised again")
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, rec.Header())
}

func TestHandleTokenExchange_ClientVerification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		data        pkce.Data
		req         TokenRequest
		wantStatus  int
		wantErrCode string
	}{
		{
			name:        "wrong verifier",
			data:        pkce.Data{CodeVerifier: "v", ClientCodeChallenge: pkce.ChallengeS256("right"), ClientCodeChallengeMethod: "S256"},
			req:         TokenRequest{Code: "c", CodeVerifier: "wrong"},
			wantStatus:  http.StatusBadRequest,
			wantErrCode: autherrors.ErrInvalidGrant,
		},
		{
			name:        "missing verifier",
			data:        pkce.Data{CodeVerifier: "v", ClientCodeChallenge: "plain-secret", ClientCodeChallengeMethod: "plain"},
			req:         TokenRequest{Code: "c"},
			wantStatus:  http.StatusBadRequest,
			wantErrCode: autherrors.ErrInvalidGrant,
		},
		{
			name:        "redirect mismatch",
			data:        pkce.Data{CodeVerifier: "v", RedirectURI: "http://a/cb"},
			req:         TokenRequest{Code: "c", RedirectURI: "http://b/cb"},
			wantStatus:  http.StatusBadRequest,
			wantErrCode: autherrors.ErrInvalidGrant,
		},
		{
			name:       "plain verifier",
			data:       pkce.Data{CodeVerifier: "v", ClientCodeChallenge: "plain-secret", ClientCodeChallengeMethod: "plain"},
			req:        TokenRequest{Code: "c", CodeVerifier: "plain-secret"},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			require.NoError(t, env.pkce.StoreCodeVerifier(context.Background(), pkce.Key("google", "c"), &tt.data, 0))

			rec := httptest.NewRecorder()
			handled := env.provider.HandleTokenExchange(rec, httptest.NewRequest(http.MethodPost, "/auth/token", nil), tt.req)
			require.True(t, handled)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantErrCode != "" {
				assert.Equal(t, tt.wantErrCode, decodeError(t, rec).Error)
			}

			ok, err := env.pkce.HasCodeVerifier(context.Background(), pkce.Key("google", "c"))
			require.NoError(t, err)
			assert.False(t, ok, "the code is consumed whatever the outcome")
		})
	}
}

func TestHandleTokenExchange_ExactlyOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.pkce.StoreCodeVerifier(context.Background(), pkce.Key("google", "c1"),
		&pkce.Data{CodeVerifier: "v1", State: "s1"}, 0))

	const callers = 5
	var handled atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			if env.provider.HandleTokenExchange(rec, httptest.NewRequest(http.MethodPost, "/auth/token", nil), TokenRequest{Code: "c1"}) {
				handled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), handled.Load())
}

func TestHandleTokenExchange_UnknownCode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := httptest.NewRecorder()

	assert.False(t, env.provider.HandleTokenExchange(rec, httptest.NewRequest(http.MethodPost, "/auth/token", nil), TokenRequest{Code: "unknown"}))
	assert.False(t, env.provider.HandleTokenExchange(rec, httptest.NewRequest(http.MethodPost, "/auth/token", nil), TokenRequest{}))
	assert.Zero(t, rec.Body.Len())
}

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	first := env.login(t)

	form := url.Values{"refresh_token": {first.RefreshToken}}
	req := httptest.NewRequest(http.MethodPost, "/auth/google/refresh", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.provider.HandleTokenRefresh(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var second TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, "access-2", second.AccessToken)
	assert.Equal(t, "refresh-2", second.RefreshToken)

	_, err := env.store.GetToken(ctx, first.AccessToken)
	require.ErrorIs(t, err, storage.ErrNotFound, "old access token is gone")

	info, err := env.store.GetToken(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-123", info.UserInfo.Sub, "identity carries over")

	req = httptest.NewRequest(http.MethodPost, "/auth/google/refresh", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	env.provider.HandleTokenRefresh(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, autherrors.ErrInvalidGrant, decodeError(t, rec).Error)
}

func TestRefreshToken_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first := env.login(t)
	env.idp.mu.Lock()
	env.idp.noRotate = true
	env.idp.mu.Unlock()

	next, err := env.provider.RefreshToken(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, next.RefreshToken)

	got, err := env.store.GetTokenByRefreshToken(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, next.AccessToken, got.AccessToken)
}

func TestRefreshToken_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first := env.login(t)

	const callers = 5
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.provider.RefreshToken(context.Background(), first.RefreshToken); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, autherrors.IsInvalidGrant(err), "losers see invalid_grant, got %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	refreshCalls, _ := env.idp.counts()
	assert.Equal(t, 1, refreshCalls)
}

func TestRefreshToken_UpstreamRejects(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first := env.login(t)
	env.idp.mu.Lock()
	env.idp.refreshStatus = http.StatusBadRequest
	env.idp.mu.Unlock()

	_, err := env.provider.RefreshToken(context.Background(), first.RefreshToken)
	require.Error(t, err)
	assert.True(t, autherrors.IsInvalidGrant(err))

	_, err = env.store.GetToken(context.Background(), first.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a token the provider refused is dropped")
}

func TestRefreshToken_ProviderUnreachable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first := env.login(t)
	env.idp.srv.Close()

	_, err := env.provider.RefreshToken(context.Background(), first.RefreshToken)
	require.Error(t, err)
	assert.True(t, autherrors.IsProviderUnavailable(err))

	info, err := env.store.GetTokenByRefreshToken(context.Background(), first.RefreshToken)
	require.NoError(t, err, "the refresh token is restored for a retry")
	assert.Equal(t, first.AccessToken, info.AccessToken)
}

func TestRefreshToken_OtherProvider(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.store.StoreToken(context.Background(), &storage.TokenInfo{
		AccessToken: "gh-access", RefreshToken: "gh-refresh", Provider: "github",
	}))

	_, err := env.provider.RefreshToken(context.Background(), "gh-refresh")
	require.Error(t, err)
	assert.True(t, autherrors.IsInvalidGrant(err))

	_, err = env.store.GetTokenByRefreshToken(context.Background(), "gh-refresh")
	require.NoError(t, err, "another provider's token is left alone")
}

func TestHandleLogout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		build  func(tok TokenResponse) *http.Request
		remove bool
	}{
		{
			name: "bearer header",
			build: func(tok TokenResponse) *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/auth/google/logout", nil)
				r.Header.Set("Authorization", "Bearer "+tok.AccessToken)
				return r
			},
			remove: true,
		},
		{
			name: "refresh token in form",
			build: func(tok TokenResponse) *http.Request {
				body := url.Values{"token": {tok.RefreshToken}}.Encode()
				r := httptest.NewRequest(http.MethodPost, "/auth/google/logout", strings.NewReader(body))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return r
			},
			remove: true,
		},
		{
			name: "unknown token",
			build: func(TokenResponse) *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/auth/google/logout", nil)
				r.Header.Set("Authorization", "Bearer unknown")
				return r
			},
		},
		{
			name: "no token",
			build: func(TokenResponse) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/auth/google/logout", nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			tok := env.login(t)

			rec := httptest.NewRecorder()
			env.provider.HandleLogout(rec, tt.build(tok))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"success":true}`, rec.Body.String())

			_, err := env.store.GetToken(context.Background(), tok.AccessToken)
			if tt.remove {
				require.ErrorIs(t, err, storage.ErrNotFound)
				env.idp.mu.Lock()
				assert.Equal(t, []string{tok.RefreshToken}, env.idp.revoked)
				env.idp.mu.Unlock()
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestHandleLogout_RevocationFailureIgnored(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tok := env.login(t)
	env.idp.srv.Close()

	r := httptest.NewRequest(http.MethodPost, "/auth/google/logout", nil)
	r.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	env.provider.HandleLogout(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	_, err := env.store.GetToken(context.Background(), tok.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoveToken_OtherProvider(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.StoreToken(ctx, &storage.TokenInfo{AccessToken: "gh", Provider: "github"}))

	found, err := env.provider.RemoveToken(ctx, "gh")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = env.store.GetToken(ctx, "gh")
	require.NoError(t, err)
}

func TestVerifyAccessToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.login(t)
	_, before := env.idp.counts()

	user, err := env.provider.VerifyAccessToken(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-123", user.Sub)
	_, after := env.idp.counts()
	assert.Equal(t, before, after, "stored tokens resolve without an upstream call")

	user, err = env.provider.VerifyAccessToken(ctx, "external-token")
	require.NoError(t, err)
	assert.Equal(t, "google", user.Provider)

	_, err = env.provider.VerifyAccessToken(ctx, "external-token")
	require.NoError(t, err)
	_, cached := env.idp.counts()
	assert.Equal(t, after+1, cached, "live lookups are cached")

	_, err = env.provider.VerifyAccessToken(ctx, invalidToken)
	require.Error(t, err)
	assert.True(t, autherrors.IsInvalidToken(err))

	_, err = env.provider.VerifyAccessToken(ctx, "")
	assert.True(t, autherrors.IsInvalidToken(err))
}

func TestGetUserInfo_CallerCancellation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	entered, gate := make(chan struct{}, 1), make(chan struct{})
	env.idp.mu.Lock()
	env.idp.userInfoEntered, env.idp.userInfoGate = entered, gate
	env.idp.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.provider.GetUserInfo(ctx, "shared-token")
		firstErr <- err
	}()
	<-entered

	type result struct {
		user *storage.UserInfo
		err  error
	}
	second := make(chan result, 1)
	go func() {
		user, err := env.provider.GetUserInfo(context.Background(), "shared-token")
		second <- result{user, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-firstErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	res := <-second
	require.NoError(t, res.err, "one caller giving up must not fail the others")
	assert.Equal(t, "user-123", res.user.Sub)
}

func TestGetUserInfo_Coalesced(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user, err := env.provider.GetUserInfo(context.Background(), "shared-token")
			assert.NoError(t, err)
			if user != nil {
				assert.Equal(t, "user-123", user.Sub)
			}
		}()
	}
	wg.Wait()

	_, calls := env.idp.counts()
	assert.LessOrEqual(t, calls, 10)
	assert.GreaterOrEqual(t, calls, 1)

	user, err := env.provider.GetUserInfo(context.Background(), "shared-token")
	require.NoError(t, err)
	user.Extra["mutated"] = true
	again, err := env.provider.GetUserInfo(context.Background(), "shared-token")
	require.NoError(t, err)
	assert.NotContains(t, again.Extra, "mutated", "cached identities are copied")
}

func TestIsTokenValid(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, env.store.StoreToken(ctx, &storage.TokenInfo{
		AccessToken: "fresh", Provider: "google", ExpiresAt: now.Add(time.Hour).UnixMilli(),
	}))
	require.NoError(t, env.store.StoreToken(ctx, &storage.TokenInfo{
		AccessToken: "expiring", Provider: "google", ExpiresAt: now.Add(10 * time.Second).UnixMilli(),
	}))
	require.NoError(t, env.store.StoreToken(ctx, &storage.TokenInfo{
		AccessToken: "foreign", Provider: "github", ExpiresAt: now.Add(time.Hour).UnixMilli(),
	}))

	assert.True(t, env.provider.IsTokenValid(ctx, "fresh"))
	assert.False(t, env.provider.IsTokenValid(ctx, "expiring"))
	assert.False(t, env.provider.IsTokenValid(ctx, "foreign"))
	assert.False(t, env.provider.IsTokenValid(ctx, "missing"))

	_, err := env.store.GetToken(ctx, "expiring")
	assert.ErrorIs(t, err, storage.ErrNotFound, "tokens inside the buffer are evicted")
}

func TestCleanupLoop(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig(idp)
	cfg.CleanupInterval = 10 * time.Millisecond
	pkceStore := pkce.NewMemoryStore()
	t.Cleanup(func() { _ = pkceStore.Close() })
	p, err := NewGoogleProvider(cfg, store, pkceStore, WithHTTPClient(idp.srv.Client()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.StoreToken(ctx, &storage.TokenInfo{
		AccessToken: "short", Provider: "google", ExpiresAt: time.Now().Add(20 * time.Millisecond).UnixMilli(),
	}))

	assert.Eventually(t, func() bool {
		n, err := store.CountTokens(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestAuditEvents(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sink := auditmocks.NewMockSink(ctrl)

	sink.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
		return e.Type == audit.EventTypeAuthorizationRequest && e.Provider == "google"
	}))
	sink.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
		return e.Type == audit.EventTypeLogin && e.Outcome == audit.OutcomeSuccess && e.Subject == "user-123"
	}))
	sink.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
		return e.Type == audit.EventTypeLogout && e.Outcome == audit.OutcomeSuccess
	}))

	env := newTestEnv(t, WithAuditSink(sink))
	tok := env.login(t)

	r := httptest.NewRequest(http.MethodPost, "/auth/google/logout", nil)
	r.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	env.provider.HandleLogout(httptest.NewRecorder(), r)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	again, err := NewMetrics(reg)
	require.NoError(t, err, "a second provider reuses the collectors")

	env := newTestEnv(t, WithMetrics(m))
	env.login(t)
	_ = env.callback(url.Values{"code": {"x"}, "state": {"unknown"}})

	assert.InDelta(t, 1, testutil.ToFloat64(again.operations.WithLabelValues("google", opCallback, outcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues("google", opCallback, outcomeFailure)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues("google", opAuthorize, outcomeSuccess)), 0)
	assert.Positive(t, testutil.CollectAndCount(m.upstreamDuration, "authcore_provider_upstream_duration_seconds"))

	var nilMetrics *Metrics
	nilMetrics.record("google", opRefresh, nil)
	nilMetrics.observe("google", opRefresh, time.Now())
}
