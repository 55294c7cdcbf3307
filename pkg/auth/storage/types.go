// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"maps"
	"slices"
	"time"
)

// UserInfo is the normalized identity of an authenticated user.
type UserInfo struct {
	Sub      string         `json:"sub"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Provider string         `json:"provider"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// TokenInfo is an issued credential and the identity it belongs to.
type TokenInfo struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	// ExpiresAt is in unix milliseconds. Zero means the provider gave no expiry.
	ExpiresAt int64    `json:"expires_at"`
	Provider  string   `json:"provider"`
	Scopes    []string `json:"scopes,omitempty"`
	UserInfo  UserInfo `json:"user_info"`
}

// Expired reports whether the token has expired at now.
func (t *TokenInfo) Expired(now time.Time) bool {
	return expiredAt(t.ExpiresAt, now)
}

// ExpiresWithin reports whether the token expires before now+d.
func (t *TokenInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.ExpiresAt > 0 && now.Add(d).UnixMilli() >= t.ExpiresAt
}

// Clone returns a deep copy.
func (t *TokenInfo) Clone() *TokenInfo {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.UserInfo.Extra = maps.Clone(t.UserInfo.Extra)
	return &c
}

// OAuthSession is a pending authorization attempt keyed by state.
type OAuthSession struct {
	State         string   `json:"state"`
	CodeVerifier  string   `json:"code_verifier"`
	CodeChallenge string   `json:"code_challenge"`
	RedirectURI   string   `json:"redirect_uri"`
	Scopes        []string `json:"scopes,omitempty"`
	Provider      string   `json:"provider"`
	// ExpiresAt is in unix milliseconds.
	ExpiresAt int64 `json:"expires_at"`

	// Fields below are set when an MCP client started the flow and expects
	// the code back on its own redirect URI.
	ClientRedirectURI         string `json:"client_redirect_uri,omitempty"`
	ClientState               string `json:"client_state,omitempty"`
	ClientCodeChallenge       string `json:"client_code_challenge,omitempty"`
	ClientCodeChallengeMethod string `json:"client_code_challenge_method,omitempty"`
}

// Expired reports whether the session has expired at now.
func (s *OAuthSession) Expired(now time.Time) bool {
	return expiredAt(s.ExpiresAt, now)
}

// Clone returns a deep copy.
func (s *OAuthSession) Clone() *OAuthSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Scopes = slices.Clone(s.Scopes)
	return &c
}

// SessionMetadata is the cross-process record of a protocol session.
// Its presence in the shared store is what makes a session exist.
type SessionMetadata struct {
	SessionID  string            `json:"session_id"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ExpiresAt  int64             `json:"expires_at"`
	AuthInfo   *TokenInfo        `json:"auth_info,omitempty"`
	Terminated bool              `json:"terminated,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Expired reports whether the metadata has expired at now.
func (m *SessionMetadata) Expired(now time.Time) bool {
	return expiredAt(m.ExpiresAt, now)
}

// Clone returns a deep copy.
func (m *SessionMetadata) Clone() *SessionMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.AuthInfo = m.AuthInfo.Clone()
	c.Attributes = maps.Clone(m.Attributes)
	return &c
}

// ClientMetadata is a dynamically registered OAuth client (RFC 7591).
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// Expired reports whether the client's secret has expired. Per RFC 7591 a
// ClientSecretExpiresAt of zero means the client never expires. The value is
// in unix seconds.
func (c *ClientMetadata) Expired(now time.Time) bool {
	return c.ClientSecretExpiresAt > 0 && now.Unix() >= c.ClientSecretExpiresAt
}

// Clone returns a deep copy.
func (c *ClientMetadata) Clone() *ClientMetadata {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &cp
}

func expiredAt(expiresAtMillis int64, now time.Time) bool {
	return expiresAtMillis > 0 && now.UnixMilli() >= expiresAtMillis
}

// ttlUntil returns the remaining lifetime of an entry, or fallback when the
// entry carries no expiry.
func ttlUntil(expiresAtMillis int64, now time.Time, fallback time.Duration) time.Duration {
	if expiresAtMillis == 0 {
		return fallback
	}
	return time.UnixMilli(expiresAtMillis).Sub(now)
}
