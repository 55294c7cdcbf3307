// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authcore/pkg/logger"
)

// AuthMethodNone marks a public client that gets no secret.
const AuthMethodNone = "none"

// issueCredentials returns a copy of md with a client ID, a secret for
// confidential clients, and the issue time filled in. A secret expiry that
// has already passed is rejected by every backend.
func issueCredentials(md *ClientMetadata, now time.Time) (*ClientMetadata, error) {
	if md == nil {
		return nil, fmt.Errorf("%w: client metadata is required", ErrInvalidEntry)
	}
	if md.Expired(now) {
		return nil, fmt.Errorf("%w: client secret already expired", ErrInvalidEntry)
	}
	c := md.Clone()
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.TokenEndpointAuthMethod != AuthMethodNone && c.ClientSecret == "" {
		c.ClientSecret = rand.Text()
	}
	c.ClientIDIssuedAt = now.Unix()
	return c, nil
}

func sortClients(clients []*ClientMetadata) {
	slices.SortFunc(clients, func(a, b *ClientMetadata) int {
		return cmp.Or(
			cmp.Compare(a.ClientIDIssuedAt, b.ClientIDIssuedAt),
			cmp.Compare(a.ClientID, b.ClientID),
		)
	})
}

// clientState is the map-backed core of the memory and file client stores.
type clientState struct {
	mu         sync.RWMutex
	clients    map[string]*ClientMetadata
	maxClients int

	onChange func()
	now      func() time.Time
}

func newClientState(maxClients int) *clientState {
	return &clientState{
		clients:    make(map[string]*ClientMetadata),
		maxClients: maxClients,
		now:        time.Now,
	}
}

func (s *clientState) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// RegisterClient implements ClientStore.
func (s *clientState) RegisterClient(_ context.Context, md *ClientMetadata) (*ClientMetadata, error) {
	now := s.now()
	client, err := issueCredentials(md, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.removeExpiredLocked(now)
	if _, exists := s.clients[client.ClientID]; !exists && s.maxClients > 0 && len(s.clients) >= s.maxClients {
		s.mu.Unlock()
		return nil, ErrMaxClientsReached
	}
	s.clients[client.ClientID] = client
	s.mu.Unlock()

	s.changed()
	return client.Clone(), nil
}

// GetClient implements ClientStore.
func (s *clientState) GetClient(_ context.Context, clientID string) (*ClientMetadata, error) {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	expired := ok && client.Expired(s.now())
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: client", ErrNotFound)
	}
	if expired {
		_ = s.DeleteClient(context.Background(), clientID)
		return nil, fmt.Errorf("%w: client expired", ErrNotFound)
	}
	return client.Clone(), nil
}

// DeleteClient implements ClientStore.
func (s *clientState) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	_, ok := s.clients[clientID]
	delete(s.clients, clientID)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return nil
}

// ListClients implements ClientStore. Results are ordered by issue time.
func (s *clientState) ListClients(_ context.Context) ([]*ClientMetadata, error) {
	now := s.now()
	s.mu.RLock()
	out := make([]*ClientMetadata, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.Expired(now) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()
	sortClients(out)
	return out, nil
}

// CountClients implements ClientStore.
func (s *clientState) CountClients(ctx context.Context) (int, error) {
	if _, err := s.CleanupClients(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), nil
}

// CleanupClients implements ClientStore.
func (s *clientState) CleanupClients(_ context.Context) (int, error) {
	s.mu.Lock()
	n := s.removeExpiredLocked(s.now())
	s.mu.Unlock()
	if n > 0 {
		s.changed()
	}
	return n, nil
}

func (s *clientState) removeExpiredLocked(now time.Time) int {
	n := 0
	for id, c := range s.clients {
		if c.Expired(now) {
			delete(s.clients, id)
			n++
		}
	}
	return n
}

func (s *clientState) snapshot() *clientDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := &clientDocument{
		Version: documentVersion,
		Clients: make([]*ClientMetadata, 0, len(s.clients)),
	}
	for _, c := range s.clients {
		doc.Clients = append(doc.Clients, c.Clone())
	}
	sortClients(doc.Clients)
	return doc
}

func (s *clientState) restore(doc *clientDocument) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = make(map[string]*ClientMetadata, len(doc.Clients))
	for _, c := range doc.Clients {
		if c != nil && c.ClientID != "" && !c.Expired(now) {
			s.clients[c.ClientID] = c
		}
	}
}

// MemoryClientStore keeps registered clients in process memory.
type MemoryClientStore struct {
	*clientState
}

// NewMemoryClientStore creates a MemoryClientStore holding at most maxClients
// clients. Zero means no limit.
func NewMemoryClientStore(maxClients int) *MemoryClientStore {
	return &MemoryClientStore{clientState: newClientState(maxClients)}
}

// Close implements ClientStore.
func (*MemoryClientStore) Close() error {
	return nil
}

// FileClientStore persists registered clients to a JSON document.
type FileClientStore struct {
	*clientState
	persister *filePersister
	scheduler *WriteScheduler
	closeOnce sync.Once
	closeErr  error
}

// NewFileClientStore loads the client document at cfg.Path.
func NewFileClientStore(cfg FileStoreConfig, maxClients int) (*FileClientStore, error) {
	cfg = cfg.withDefaults()

	persister, err := newFilePersister(cfg.Path, cfg.Cipher)
	if err != nil {
		return nil, err
	}

	s := &FileClientStore{
		clientState: newClientState(maxClients),
		persister:   persister,
	}

	var doc clientDocument
	found, err := persister.load(&doc)
	if err != nil {
		return nil, err
	}
	if found {
		s.restore(&doc)
		logger.Debugw("loaded client store", "path", cfg.Path, "clients", len(s.clients))
	}

	s.scheduler = NewWriteScheduler(cfg.WriteDelay, cfg.MaxWriteDelay, s.persist)
	s.onChange = s.scheduler.Schedule
	return s, nil
}

func (s *FileClientStore) persist() error {
	doc := s.snapshot()
	doc.UpdatedAt = s.now().UTC()
	if err := s.persister.save(doc, doc.UpdatedAt); err != nil {
		return fmt.Errorf("failed to persist client store: %w", err)
	}
	return nil
}

// Flush writes the current state immediately.
func (s *FileClientStore) Flush() error {
	s.scheduler.Schedule()
	return s.scheduler.Flush()
}

// Close writes any pending changes.
func (s *FileClientStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.scheduler.Close()
	})
	return s.closeErr
}
