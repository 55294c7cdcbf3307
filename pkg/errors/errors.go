// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors surfaced by the OAuth core.
//
// The Type of an Error doubles as the OAuth 2.0 "error" code written to
// clients, and Code maps it to an HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// Error types
const (
	// ErrInvalidRequest is returned when a required parameter is missing or malformed
	ErrInvalidRequest = "invalid_request"

	// ErrAuthorizationFailed is returned when the identity provider rejected the
	// authorization or the token exchange yielded no access token
	ErrAuthorizationFailed = "authorization_failed"

	// ErrInvalidGrant is returned when a code or refresh token is unknown or already consumed
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidToken is returned when an access token cannot be verified
	ErrInvalidToken = "invalid_token"

	// ErrUnsupportedGrantType is returned for a missing or unknown grant_type
	ErrUnsupportedGrantType = "unsupported_grant_type"

	// ErrProviderUnavailable is returned when the identity provider cannot be reached
	ErrProviderUnavailable = "provider_unavailable"

	// ErrStorageFailure is returned when a storage backend fails
	ErrStorageFailure = "storage_failure"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewAuthorizationFailedError creates a new authorization failed error
func NewAuthorizationFailedError(message string, cause error) *Error {
	return NewError(ErrAuthorizationFailed, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewInvalidTokenError creates a new invalid token error
func NewInvalidTokenError(message string, cause error) *Error {
	return NewError(ErrInvalidToken, message, cause)
}

// NewUnsupportedGrantTypeError creates a new unsupported grant type error
func NewUnsupportedGrantTypeError(message string) *Error {
	return NewError(ErrUnsupportedGrantType, message, nil)
}

// NewProviderUnavailableError creates a new provider unavailable error
func NewProviderUnavailableError(message string, cause error) *Error {
	return NewError(ErrProviderUnavailable, message, cause)
}

// NewStorageFailureError creates a new storage failure error
func NewStorageFailureError(message string, cause error) *Error {
	return NewError(ErrStorageFailure, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the Type of the first *Error in err's chain, or ErrInternal.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return TypeOf(err) == ErrInvalidRequest
}

// IsAuthorizationFailed checks if the error is an authorization failed error
func IsAuthorizationFailed(err error) bool {
	return TypeOf(err) == ErrAuthorizationFailed
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return TypeOf(err) == ErrInvalidGrant
}

// IsInvalidToken checks if the error is an invalid token error
func IsInvalidToken(err error) bool {
	return TypeOf(err) == ErrInvalidToken
}

// IsProviderUnavailable checks if the error is a provider unavailable error
func IsProviderUnavailable(err error) bool {
	return TypeOf(err) == ErrProviderUnavailable
}

// IsStorageFailure checks if the error is a storage failure error
func IsStorageFailure(err error) bool {
	return TypeOf(err) == ErrStorageFailure
}

// Code returns the HTTP status for err. Untyped errors fall back to any
// status attached with httperr.WithCode.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return httperr.Code(err)
	}
	switch e.Type {
	case ErrInvalidRequest, ErrInvalidGrant, ErrUnsupportedGrantType, ErrAuthorizationFailed:
		return http.StatusBadRequest
	case ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to a client. Upstream and
// storage detail never leaves the process.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	switch e.Type {
	case ErrAuthorizationFailed:
		return "Authorization failed"
	case ErrProviderUnavailable:
		return "Identity provider unavailable, please retry"
	case ErrStorageFailure, ErrInternal:
		return "Internal server error"
	default:
		return e.Message
	}
}
