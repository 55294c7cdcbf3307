// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryState is the map-backed core shared by the memory, file and hybrid
// backends. Every mutation runs onChange after the lock is released so the
// durable backends can schedule a write.
type memoryState struct {
	mu sync.RWMutex

	// sessions maps state -> pending authorization.
	sessions map[string]*OAuthSession

	// tokens maps access token -> token info.
	tokens map[string]*TokenInfo

	// refreshIndex maps refresh token -> access token.
	refreshIndex map[string]string

	// metadata maps protocol session ID -> metadata.
	metadata map[string]*SessionMetadata

	onChange func()
	now      func() time.Time
}

func newMemoryState() *memoryState {
	return &memoryState{
		sessions:     make(map[string]*OAuthSession),
		tokens:       make(map[string]*TokenInfo),
		refreshIndex: make(map[string]string),
		metadata:     make(map[string]*SessionMetadata),
		now:          time.Now,
	}
}

func (s *memoryState) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// -----------------------
// Sessions
// -----------------------

// StoreSession implements SessionStore.
func (s *memoryState) StoreSession(_ context.Context, session *OAuthSession) error {
	if session == nil || session.State == "" {
		return fmt.Errorf("%w: session state is required", ErrInvalidEntry)
	}
	s.mu.Lock()
	s.sessions[session.State] = session.Clone()
	s.mu.Unlock()
	s.changed()
	return nil
}

// GetSession implements SessionStore.
func (s *memoryState) GetSession(_ context.Context, state string) (*OAuthSession, error) {
	s.mu.RLock()
	session, ok := s.sessions[state]
	expired := ok && session.Expired(s.now())
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if expired {
		if fresh := s.purgeExpiredSession(state); fresh != nil {
			return fresh, nil
		}
		return nil, fmt.Errorf("%w: session expired", ErrNotFound)
	}
	return session.Clone(), nil
}

// GetAndDeleteSession implements SessionStore.
func (s *memoryState) GetAndDeleteSession(_ context.Context, state string) (*OAuthSession, error) {
	s.mu.Lock()
	session, ok := s.sessions[state]
	if ok {
		delete(s.sessions, state)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	s.changed()
	if session.Expired(s.now()) {
		return nil, fmt.Errorf("%w: session expired", ErrNotFound)
	}
	return session, nil
}

// DeleteSession implements SessionStore.
func (s *memoryState) DeleteSession(_ context.Context, state string) error {
	s.purgeSession(state)
	return nil
}

// CountSessions implements SessionStore. Expired sessions are purged first.
func (s *memoryState) CountSessions(_ context.Context) (int, error) {
	s.cleanupExpired()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// purgeExpiredSession deletes state only if it is still expired under the
// write lock. A record stored again since the read is returned instead.
func (s *memoryState) purgeExpiredSession(state string) *OAuthSession {
	s.mu.Lock()
	session, ok := s.sessions[state]
	if ok && !session.Expired(s.now()) {
		s.mu.Unlock()
		return session.Clone()
	}
	delete(s.sessions, state)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return nil
}

func (s *memoryState) purgeSession(state string) {
	s.mu.Lock()
	_, ok := s.sessions[state]
	delete(s.sessions, state)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
}

// -----------------------
// Tokens
// -----------------------

// StoreToken implements TokenStore.
func (s *memoryState) StoreToken(_ context.Context, info *TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidEntry)
	}
	s.mu.Lock()
	s.putTokenLocked(info.Clone())
	s.mu.Unlock()
	s.changed()
	return nil
}

// GetToken implements TokenStore.
func (s *memoryState) GetToken(_ context.Context, accessToken string) (*TokenInfo, error) {
	s.mu.RLock()
	info, ok := s.tokens[accessToken]
	expired := ok && info.Expired(s.now())
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: token", ErrNotFound)
	}
	if expired {
		if fresh := s.purgeExpiredToken(accessToken); fresh != nil {
			return fresh, nil
		}
		return nil, fmt.Errorf("%w: token expired", ErrNotFound)
	}
	return info.Clone(), nil
}

// GetTokenByRefreshToken implements TokenStore.
func (s *memoryState) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	s.mu.RLock()
	accessToken, ok := s.refreshIndex[refreshToken]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return s.GetToken(ctx, accessToken)
}

// TakeRefreshToken implements TokenStore.
func (s *memoryState) TakeRefreshToken(_ context.Context, refreshToken string) (*TokenInfo, error) {
	s.mu.Lock()
	accessToken, ok := s.refreshIndex[refreshToken]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	delete(s.refreshIndex, refreshToken)
	info, ok := s.tokens[accessToken]
	expired := ok && info.Expired(s.now())
	if expired {
		delete(s.tokens, accessToken)
	}
	s.mu.Unlock()
	s.changed()

	if !ok || expired {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return info.Clone(), nil
}

// ReplaceToken implements TokenStore.
func (s *memoryState) ReplaceToken(_ context.Context, oldAccessToken string, info *TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidEntry)
	}
	s.mu.Lock()
	s.deleteTokenLocked(oldAccessToken)
	s.putTokenLocked(info.Clone())
	s.mu.Unlock()
	s.changed()
	return nil
}

// DeleteToken implements TokenStore.
func (s *memoryState) DeleteToken(_ context.Context, accessToken string) error {
	s.purgeToken(accessToken)
	return nil
}

// CountTokens implements TokenStore. Expired tokens are purged first.
func (s *memoryState) CountTokens(_ context.Context) (int, error) {
	s.cleanupExpired()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens), nil
}

// purgeExpiredToken deletes accessToken only if it is still expired under
// the write lock. A token stored again since the read is returned instead.
func (s *memoryState) purgeExpiredToken(accessToken string) *TokenInfo {
	s.mu.Lock()
	info, ok := s.tokens[accessToken]
	if ok && !info.Expired(s.now()) {
		s.mu.Unlock()
		return info.Clone()
	}
	removed := ok && s.deleteTokenLocked(accessToken)
	s.mu.Unlock()
	if removed {
		s.changed()
	}
	return nil
}

func (s *memoryState) purgeToken(accessToken string) {
	s.mu.Lock()
	ok := s.deleteTokenLocked(accessToken)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
}

// putTokenLocked stores info, replacing any previous record for the same
// access token and its index entry. Caller must hold s.mu.
func (s *memoryState) putTokenLocked(info *TokenInfo) {
	s.deleteTokenLocked(info.AccessToken)
	s.tokens[info.AccessToken] = info
	if info.RefreshToken != "" {
		s.refreshIndex[info.RefreshToken] = info.AccessToken
	}
}

// deleteTokenLocked removes a token and the index entry pointing at it.
// Caller must hold s.mu.
func (s *memoryState) deleteTokenLocked(accessToken string) bool {
	info, ok := s.tokens[accessToken]
	if !ok {
		return false
	}
	delete(s.tokens, accessToken)
	if info.RefreshToken != "" && s.refreshIndex[info.RefreshToken] == accessToken {
		delete(s.refreshIndex, info.RefreshToken)
	}
	return true
}

// -----------------------
// Session metadata
// -----------------------

// StoreSessionMetadata implements MetadataStore.
func (s *memoryState) StoreSessionMetadata(_ context.Context, md *SessionMetadata) error {
	if md == nil || md.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidEntry)
	}
	s.mu.Lock()
	s.metadata[md.SessionID] = md.Clone()
	s.mu.Unlock()
	s.changed()
	return nil
}

// GetSessionMetadata implements MetadataStore.
func (s *memoryState) GetSessionMetadata(_ context.Context, sessionID string) (*SessionMetadata, error) {
	s.mu.RLock()
	md, ok := s.metadata[sessionID]
	expired := ok && md.Expired(s.now())
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: session metadata", ErrNotFound)
	}
	if expired {
		s.mu.Lock()
		cur, ok := s.metadata[sessionID]
		if ok && !cur.Expired(s.now()) {
			s.mu.Unlock()
			return cur.Clone(), nil
		}
		delete(s.metadata, sessionID)
		s.mu.Unlock()
		if ok {
			s.changed()
		}
		return nil, fmt.Errorf("%w: session metadata expired", ErrNotFound)
	}
	return md.Clone(), nil
}

// UpdateSessionMetadata implements MetadataStore.
func (s *memoryState) UpdateSessionMetadata(_ context.Context, md *SessionMetadata) error {
	if md == nil || md.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidEntry)
	}
	s.mu.Lock()
	cur, ok := s.metadata[md.SessionID]
	if !ok || cur.Expired(s.now()) {
		delete(s.metadata, md.SessionID)
		s.mu.Unlock()
		if ok {
			s.changed()
		}
		return fmt.Errorf("%w: session metadata", ErrNotFound)
	}
	s.metadata[md.SessionID] = md.Clone()
	s.mu.Unlock()
	s.changed()
	return nil
}

// DeleteSessionMetadata implements MetadataStore.
func (s *memoryState) DeleteSessionMetadata(_ context.Context, sessionID string) error {
	s.mu.Lock()
	_, ok := s.metadata[sessionID]
	delete(s.metadata, sessionID)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return nil
}

// -----------------------
// Cleanup and persistence
// -----------------------

// CleanupSessions implements SessionStore.
func (s *memoryState) CleanupSessions(_ context.Context) (int, error) {
	n := s.cleanupSessions(s.now())
	if n > 0 {
		s.changed()
	}
	return n, nil
}

// CleanupTokens implements TokenStore.
func (s *memoryState) CleanupTokens(_ context.Context) (int, error) {
	n := s.cleanupTokens(s.now())
	if n > 0 {
		s.changed()
	}
	return n, nil
}

// cleanupExpired removes every expired entry and returns how many went.
func (s *memoryState) cleanupExpired() int {
	now := s.now()
	removed := s.cleanupSessions(now) + s.cleanupTokens(now) + s.cleanupMetadata(now)
	if removed > 0 {
		s.changed()
	}
	return removed
}

// Keys are collected under the read lock and deleted under the write lock,
// re-checking each entry since it may have been replaced in between.

func (s *memoryState) cleanupSessions(now time.Time) int {
	s.mu.RLock()
	var keys []string
	for k, v := range s.sessions {
		if v.Expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	if len(keys) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, k := range keys {
		if v, ok := s.sessions[k]; ok && v.Expired(now) {
			delete(s.sessions, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

func (s *memoryState) cleanupTokens(now time.Time) int {
	s.mu.RLock()
	var keys []string
	for k, v := range s.tokens {
		if v.Expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	if len(keys) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, k := range keys {
		if v, ok := s.tokens[k]; ok && v.Expired(now) {
			s.deleteTokenLocked(k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

func (s *memoryState) cleanupMetadata(now time.Time) int {
	s.mu.RLock()
	var keys []string
	for k, v := range s.metadata {
		if v.Expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	if len(keys) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, k := range keys {
		if v, ok := s.metadata[k]; ok && v.Expired(now) {
			delete(s.metadata, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// snapshot copies the live entries into a document.
func (s *memoryState) snapshot() *tokenDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := &tokenDocument{
		Version:  documentVersion,
		Tokens:   make([]*TokenInfo, 0, len(s.tokens)),
		Sessions: make([]*OAuthSession, 0, len(s.sessions)),
		Metadata: make([]*SessionMetadata, 0, len(s.metadata)),
	}
	for _, v := range s.tokens {
		doc.Tokens = append(doc.Tokens, v.Clone())
	}
	for _, v := range s.sessions {
		doc.Sessions = append(doc.Sessions, v.Clone())
	}
	for _, v := range s.metadata {
		doc.Metadata = append(doc.Metadata, v.Clone())
	}
	return doc
}

// restore replaces the state with doc, skipping expired entries and
// rebuilding the refresh token index from the token records.
func (s *memoryState) restore(doc *tokenDocument) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*OAuthSession, len(doc.Sessions))
	s.tokens = make(map[string]*TokenInfo, len(doc.Tokens))
	s.refreshIndex = make(map[string]string, len(doc.Tokens))
	s.metadata = make(map[string]*SessionMetadata, len(doc.Metadata))

	for _, v := range doc.Sessions {
		if v != nil && v.State != "" && !v.Expired(now) {
			s.sessions[v.State] = v
		}
	}
	for _, v := range doc.Tokens {
		if v != nil && v.AccessToken != "" && !v.Expired(now) {
			s.putTokenLocked(v)
		}
	}
	for _, v := range doc.Metadata {
		if v != nil && v.SessionID != "" && !v.Expired(now) {
			s.metadata[v.SessionID] = v
		}
	}
}
