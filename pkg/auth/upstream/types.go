// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the OAuth 2.0 Authorization Code + PKCE client
// used to authenticate users against external identity providers.
//
// A single OAuthProvider drives the flow for every provider:
//
//	Idle -> AuthorizationRequested -> AwaitingCallback -> TokenIssued -> {Refreshing, Revoked}
//
// What differs between identity providers (endpoints, default scopes, how a
// user profile maps to a UserInfo) is captured in a Strategy. The Google,
// GitHub, Microsoft and generic variants are constructors that fill one in.
package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/stacklok/authcore/pkg/auth/storage"
)

// ProviderType identifies an identity provider variant.
type ProviderType string

const (
	// ProviderTypeGoogle is Google accounts.
	ProviderTypeGoogle ProviderType = "google"
	// ProviderTypeGitHub is GitHub OAuth apps.
	ProviderTypeGitHub ProviderType = "github"
	// ProviderTypeMicrosoft is the Microsoft identity platform (Entra ID).
	ProviderTypeMicrosoft ProviderType = "microsoft"
	// ProviderTypeGeneric is any OAuth 2.0 or OIDC provider configured by URL.
	ProviderTypeGeneric ProviderType = "generic"
)

const (
	// DefaultSessionTTL bounds how long a user has to complete a login.
	DefaultSessionTTL = 10 * time.Minute

	// DefaultUserInfoCacheTTL bounds how long a fetched identity is reused.
	DefaultUserInfoCacheTTL = 5 * time.Minute

	// DefaultCleanupInterval is how often expired sessions and tokens are swept.
	DefaultCleanupInterval = 5 * time.Minute

	// tokenExpirationBuffer treats tokens about to expire as already expired.
	tokenExpirationBuffer = 30 * time.Second
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenRequest is a parsed request to this server's token endpoint.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	RefreshToken string
}

// TokenResponse is the body written when a token is issued.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthorizationRequester starts a login by redirecting to the identity provider.
type AuthorizationRequester interface {
	HandleAuthorizationRequest(w http.ResponseWriter, r *http.Request)
}

// CallbackHandler completes a login when the identity provider redirects back.
type CallbackHandler interface {
	HandleAuthorizationCallback(w http.ResponseWriter, r *http.Request)
}

// TokenExchanger redeems an authorization code presented at the token endpoint.
type TokenExchanger interface {
	// HandleTokenExchange returns false, having written nothing, when the
	// code was not issued through this provider.
	HandleTokenExchange(w http.ResponseWriter, r *http.Request, req TokenRequest) bool
}

// TokenRefresher rotates tokens using a refresh token.
type TokenRefresher interface {
	HandleTokenRefresh(w http.ResponseWriter, r *http.Request)
	RefreshToken(ctx context.Context, refreshToken string) (*storage.TokenInfo, error)
}

// Revoker logs users out and revokes tokens.
type Revoker interface {
	// HandleLogout always responds 200.
	HandleLogout(w http.ResponseWriter, r *http.Request)
	// RemoveToken deletes an access or refresh token owned by this provider
	// and reports whether it was found.
	RemoveToken(ctx context.Context, token string) (bool, error)
}

// TokenVerifier resolves access tokens to identities.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*storage.UserInfo, error)
	GetUserInfo(ctx context.Context, token string) (*storage.UserInfo, error)
	IsTokenValid(ctx context.Context, token string) bool
}

// Provider is an identity provider able to run the whole flow.
type Provider interface {
	AuthorizationRequester
	CallbackHandler
	TokenExchanger
	TokenRefresher
	Revoker
	TokenVerifier

	Type() ProviderType
	// Name is the route and storage name, e.g. "google".
	Name() string
	DisplayName() string
	// Close stops background work. It does not close shared stores.
	Close() error
}
