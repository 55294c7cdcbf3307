// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"encoding/json"
	"net/http"

	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// ErrorResponse is the OAuth 2.0 error body (RFC 6749 section 5.2).
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// SetNoCacheHeaders marks a response as never cacheable.
func SetNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// WriteJSON writes v as a JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

// WriteError writes err as an OAuth error body. Only the public message of
// a typed error reaches the client; the cause is logged.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorStatus(w, autherrors.Code(err), err)
}

// WriteErrorStatus is WriteError with an explicit status code.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error", err)
	} else {
		logger.Debugw("request rejected", "error", err)
	}
	SetNoCacheHeaders(w)
	WriteJSON(w, status, ErrorResponse{
		Error:            autherrors.TypeOf(err),
		ErrorDescription: autherrors.PublicMessage(err),
	})
}
