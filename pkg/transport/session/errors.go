// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

// Common session errors
var (
	// ErrSessionNotFound is returned when the shared store has no record of a session
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated is returned for a session that was terminated but not yet purged
	ErrSessionTerminated = errors.New("session terminated")

	// ErrEmptySessionID is returned when a session ID is required but empty
	ErrEmptySessionID = errors.New("empty session ID")

	// ErrManagerStopped is returned by operations on a stopped manager
	ErrManagerStopped = errors.New("session manager is stopped")
)
