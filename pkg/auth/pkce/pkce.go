// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pkce stores PKCE code verifiers keyed by authorization code and
// guarantees that each code is redeemed at most once.
//
// GetAndDeleteCodeVerifier is the only way a code may be consumed. Every
// backend implements it as one atomic operation, so under N concurrent
// callers exactly one receives the data and the others receive nil.
// A missing code is reported as (nil, nil): losing that race is an expected
// outcome, not a failure.
package pkce

import (
	"context"
	"crypto/subtle"
	"time"

	"golang.org/x/oauth2"
)

const (
	// ChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
	ChallengeMethodS256 = "S256"

	// ChallengeMethodPlain is accepted only for client-supplied challenges.
	ChallengeMethodPlain = "plain"

	// DefaultTTL is how long a stored verifier stays redeemable.
	DefaultTTL = 10 * time.Minute
)

// Data is what a stored authorization code resolves to.
type Data struct {
	// CodeVerifier is the verifier this server used with the identity provider.
	CodeVerifier string `json:"code_verifier"`
	// State is the state the client sent with its authorization request.
	State string `json:"state"`
	// RedirectURI is the client redirect URI the code was delivered to.
	RedirectURI string `json:"redirect_uri,omitempty"`
	// ClientCodeChallenge is the challenge the client sent, if any.
	ClientCodeChallenge string `json:"client_code_challenge,omitempty"`
	// ClientCodeChallengeMethod is S256 or plain.
	ClientCodeChallengeMethod string `json:"client_code_challenge_method,omitempty"`
}

// Store persists PKCE data for authorization codes.
type Store interface {
	// StoreCodeVerifier saves data under code. A ttl of zero selects DefaultTTL.
	StoreCodeVerifier(ctx context.Context, code string, data *Data, ttl time.Duration) error
	// GetCodeVerifier returns the data for code without consuming it.
	GetCodeVerifier(ctx context.Context, code string) (*Data, error)
	// GetAndDeleteCodeVerifier atomically returns and removes the data for code.
	GetAndDeleteCodeVerifier(ctx context.Context, code string) (*Data, error)
	// HasCodeVerifier reports whether code is currently stored.
	HasCodeVerifier(ctx context.Context, code string) (bool, error)
	// DeleteCodeVerifier removes code. Deleting an absent code is not an error.
	DeleteCodeVerifier(ctx context.Context, code string) error
	// Close releases resources held by the store.
	Close() error
}

// Key namespaces an authorization code by provider so two providers issuing
// the same code string never collide.
func Key(provider, code string) string {
	return provider + ":" + code
}

// GenerateVerifier returns a new 43 character code_verifier (RFC 7636 section 4.1).
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 computes BASE64URL(SHA256(verifier)).
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyChallenge reports whether verifier satisfies challenge under method.
// An empty method means plain, as RFC 7636 section 4.3 specifies.
func VerifyChallenge(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	var computed string
	switch method {
	case ChallengeMethodS256:
		computed = ChallengeS256(verifier)
	case ChallengeMethodPlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
