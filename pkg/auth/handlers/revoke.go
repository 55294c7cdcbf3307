// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

func setRevokeHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// revoke implements RFC 7009 across every provider. The response is 200
// whether or not the token was known, so it reveals nothing about token
// validity.
func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		setRevokeHeaders(w)
		upstream.WriteJSON(w, http.StatusBadRequest, upstream.ErrorResponse{
			Error:            autherrors.ErrInvalidRequest,
			ErrorDescription: "Malformed request body",
		})
		return
	}

	if !r.PostForm.Has("token") {
		setRevokeHeaders(w)
		upstream.WriteJSON(w, http.StatusBadRequest, upstream.ErrorResponse{
			Error:            autherrors.ErrInvalidRequest,
			ErrorDescription: "token parameter is required",
		})
		return
	}

	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		setRevokeHeaders(w)
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	event := audit.NewEvent(audit.EventTypeTokenRevoke, audit.OutcomeSuccess)
	for _, p := range h.providers.Ordered() {
		found, err := p.RemoveToken(ctx, token)
		if err != nil {
			logger.Warnw("token revocation failed", "provider", p.Name(), "error", err)
			event.Outcome = audit.OutcomeFailure
			event.Reason = err.Error()
			continue
		}
		if found {
			event.Provider = p.Name()
			event.Outcome = audit.OutcomeSuccess
			event.Reason = ""
			break
		}
	}
	h.audit.Emit(ctx, event)

	setRevokeHeaders(w)
	w.WriteHeader(http.StatusOK)
}
