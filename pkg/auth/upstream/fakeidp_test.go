// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
)

const (
	testClientID     = "client-id"
	testClientSecret = "client-secret"
	testRedirectURI  = "http://localhost:8080/auth/google/callback"
	badCode          = "bad-code"
	invalidToken     = "invalid-token"
)

// fakeIdP is a minimal identity provider: token, userinfo and revocation.
type fakeIdP struct {
	srv *httptest.Server

	mu            sync.Mutex
	issued        int
	refreshCalls  int
	userInfoCalls int
	revoked       []string
	lastVerifier  string
	refreshStatus int
	noRotate      bool

	// userInfoEntered and userInfoGate, when set, hold userinfo requests
	// until the test releases them.
	userInfoEntered chan struct{}
	userInfoGate    chan struct{}
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	f := &fakeIdP{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.token)
	mux.HandleFunc("GET /userinfo", f.userinfo)
	mux.HandleFunc("POST /revoke", f.revoke)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) URL() string { return f.srv.URL }

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == badCode || r.PostForm.Get("code_verifier") == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "upstream secret detail")
			return
		}
		f.lastVerifier = r.PostForm.Get("code_verifier")
	case "refresh_token":
		f.refreshCalls++
		if f.refreshStatus != 0 {
			writeOAuthError(w, f.refreshStatus, "invalid_grant", "refresh token revoked")
			return
		}
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	f.issued++
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-%d", f.issued),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "openid email profile",
	}
	if !f.noRotate {
		resp["refresh_token"] = fmt.Sprintf("refresh-%d", f.issued)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) userinfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.userInfoCalls++
	entered, gate := f.userInfoEntered, f.userInfoGate
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == invalidToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":            "user-123",
		"email":          "user@example.com",
		"email_verified": true,
		"name":           "Test User",
	})
}

func (f *fakeIdP) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, r.PostForm.Get("token"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeIdP) counts() (refresh, userInfo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, f.userInfoCalls
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}

type testEnv struct {
	idp      *fakeIdP
	provider *OAuthProvider
	store    storage.Store
	pkce     pkce.Store
}

func testConfig(idp *fakeIdP) Config {
	return Config{
		Name:             "google",
		ClientID:         testClientID,
		ClientSecret:     testClientSecret,
		RedirectURI:      testRedirectURI,
		AuthorizationURL: idp.URL() + "/authorize",
		TokenURL:         idp.URL() + "/token",
		UserInfoURL:      idp.URL() + "/userinfo",
		RevocationURL:    idp.URL() + "/revoke",
	}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	idp := newFakeIdP(t)
	store := storage.NewMemoryStore()
	pkceStore := pkce.NewMemoryStore()
	t.Cleanup(func() {
		_ = store.Close()
		_ = pkceStore.Close()
	})

	opts = append([]Option{WithHTTPClient(idp.srv.Client())}, opts...)
	p, err := NewGoogleProvider(testConfig(idp), store, pkceStore, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return &testEnv{idp: idp, provider: p, store: store, pkce: pkceStore}
}

// authorize runs HandleAuthorizationRequest and returns the redirect target.
func (e *testEnv) authorize(t *testing.T, query url.Values) *url.URL {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/auth/google?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	e.provider.HandleAuthorizationRequest(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func (e *testEnv) callback(query url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	e.provider.HandleAuthorizationCallback(rec, req)
	return rec
}

// login completes a direct-mode flow and returns the issued token.
func (e *testEnv) login(t *testing.T) TokenResponse {
	t.Helper()

	loc := e.authorize(t, nil)
	rec := e.callback(url.Values{"code": {"good-code"}, "state": {loc.Query().Get("state")}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}
