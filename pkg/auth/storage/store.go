// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an entry does not exist or has expired.
	ErrNotFound = errors.New("storage: not found")

	// ErrMaxClientsReached is returned when client registration hits the configured limit.
	ErrMaxClientsReached = errors.New("storage: maximum number of registered clients reached")

	// ErrInvalidEntry is returned when an entry is missing its primary key.
	ErrInvalidEntry = errors.New("storage: invalid entry")
)

// SessionStore holds pending authorization sessions keyed by state.
type SessionStore interface {
	StoreSession(ctx context.Context, session *OAuthSession) error
	GetSession(ctx context.Context, state string) (*OAuthSession, error)
	// GetAndDeleteSession consumes the session for state. Only one caller
	// ever receives a given session.
	GetAndDeleteSession(ctx context.Context, state string) (*OAuthSession, error)
	DeleteSession(ctx context.Context, state string) error
	CountSessions(ctx context.Context) (int, error)
	// CleanupSessions removes expired sessions. Backends with native expiry return 0.
	CleanupSessions(ctx context.Context) (int, error)
}

// TokenStore holds issued tokens keyed by access token, with a secondary
// index from refresh token to access token.
type TokenStore interface {
	StoreToken(ctx context.Context, info *TokenInfo) error
	GetToken(ctx context.Context, accessToken string) (*TokenInfo, error)
	GetTokenByRefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error)
	// TakeRefreshToken atomically removes the refresh token from the index
	// and returns the token it pointed at. Concurrent callers with the same
	// refresh token see at most one success.
	TakeRefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error)
	// ReplaceToken removes oldAccessToken (and its index entry) and stores
	// info as a single step.
	ReplaceToken(ctx context.Context, oldAccessToken string, info *TokenInfo) error
	DeleteToken(ctx context.Context, accessToken string) error
	CountTokens(ctx context.Context) (int, error)
	// CleanupTokens removes expired tokens. Backends with native expiry return 0.
	CleanupTokens(ctx context.Context) (int, error)
}

// MetadataStore is the shared record of protocol sessions.
type MetadataStore interface {
	StoreSessionMetadata(ctx context.Context, md *SessionMetadata) error
	GetSessionMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// UpdateSessionMetadata overwrites an existing, unexpired record and
	// returns ErrNotFound when there is none, so a session deleted by
	// another process is never written back.
	UpdateSessionMetadata(ctx context.Context, md *SessionMetadata) error
	DeleteSessionMetadata(ctx context.Context, sessionID string) error
}

// Store is the full token/session persistence contract every backend implements.
//
// All backends agree on: expired entries read as ErrNotFound and are purged
// by the read; deleting an absent key returns nil; the refresh token index
// never outlives the token it points at.
type Store interface {
	SessionStore
	TokenStore
	MetadataStore

	// Cleanup removes expired entries and returns how many were removed.
	// Backends with native expiry return 0.
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

// ClientStore holds dynamically registered clients.
type ClientStore interface {
	// RegisterClient issues credentials for md and persists it.
	RegisterClient(ctx context.Context, md *ClientMetadata) (*ClientMetadata, error)
	GetClient(ctx context.Context, clientID string) (*ClientMetadata, error)
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]*ClientMetadata, error)
	CountClients(ctx context.Context) (int, error)
	CleanupClients(ctx context.Context) (int, error)
	Close() error
}
