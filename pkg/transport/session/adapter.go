// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/authcore/pkg/logger"
)

const defaultStoreTimeout = 5 * time.Second

// SDKAdapter exposes a Manager as the mcp-go SessionIdManager, so the
// streamable HTTP server creates, validates and terminates sessions
// through the shared store.
//
// The SDK calls:
//  1. Generate on initialize without an Mcp-Session-Id header
//  2. Validate on every request carrying a session ID
//  3. Terminate on HTTP DELETE
type SDKAdapter struct {
	manager *Manager
	timeout time.Duration
}

var _ server.SessionIdManager = (*SDKAdapter)(nil)

// NewSDKAdapter wraps manager. The SDK interface carries no context, so
// store calls are bounded by a fixed timeout instead.
func NewSDKAdapter(manager *Manager) *SDKAdapter {
	return &SDKAdapter{manager: manager, timeout: defaultStoreTimeout}
}

// Generate creates a session and returns its ID, or "" when the shared
// store cannot record it. The SDK then omits the Mcp-Session-Id header and
// the client's next request fails validation.
func (a *SDKAdapter) Generate() string {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	for range 2 {
		sessionID := uuid.NewString()
		if _, err := a.manager.GetOrRecreateInstance(ctx, sessionID, nil); err != nil {
			logger.Errorw("failed to create session", "session_id", sessionID, "error", err)
			continue
		}
		logger.Debugw("generated session", "session_id", sessionID)
		return sessionID
	}
	return ""
}

// Validate reports an error for sessions the shared store does not know,
// including ones deleted by another process. A session marked terminated
// whose record has not been purged yet reports isTerminated.
func (a *SDKAdapter) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if _, err := a.manager.Get(ctx, sessionID); err != nil {
		if errors.Is(err, ErrSessionTerminated) {
			return true, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			logger.Warnw("session validation failed", "session_id", sessionID, "error", err)
		}
		return false, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return false, nil
}

// Terminate ends the session everywhere. Client termination is always allowed.
func (a *SDKAdapter) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.manager.Terminate(ctx, sessionID); err != nil {
		return false, err
	}
	logger.Infow("session terminated", "session_id", sessionID)
	return false, nil
}
