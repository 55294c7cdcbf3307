// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import "time"

// Event types
const (
	// EventTypeAuthorizationRequest is emitted when a user is redirected to an identity provider
	EventTypeAuthorizationRequest = "oauth_authorization_request"
	// EventTypeLogin is emitted when a callback or code exchange issues a token
	EventTypeLogin = "oauth_login"
	// EventTypeTokenRefresh is emitted on refresh token rotation
	EventTypeTokenRefresh = "oauth_token_refresh"
	// EventTypeLogout is emitted on provider logout
	EventTypeLogout = "oauth_logout"
	// EventTypeTokenRevoke is emitted by the universal revocation endpoint
	EventTypeTokenRevoke = "oauth_token_revoke"
	// EventTypeClientRegistration is emitted when a dynamic client registers
	EventTypeClientRegistration = "oauth_client_registration"
	// EventTypeSessionCreate is emitted when a protocol session is created
	EventTypeSessionCreate = "mcp_session_create"
	// EventTypeSessionDelete is emitted when a protocol session is torn down
	EventTypeSessionDelete = "mcp_session_delete"
)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Type      string            `json:"type"`
	Outcome   string            `json:"outcome"`
	Provider  string            `json:"provider,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// NewEvent returns an Event stamped with the current time.
func NewEvent(eventType, outcome string) Event {
	return Event{
		Type:      eventType,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}
