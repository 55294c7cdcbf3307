// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// token is the shared token endpoint. Authorization codes are offered to
// each provider in order until one recognizes the code; refresh tokens go
// to the provider that issued them.
func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		upstream.WriteError(w, autherrors.NewInvalidRequestError("Malformed request body", err))
		return
	}

	if err := h.authenticateClient(r); err != nil {
		upstream.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case upstream.GrantTypeAuthorizationCode:
		h.exchangeCode(w, r)
	case upstream.GrantTypeRefreshToken:
		h.refreshToken(w, r)
	case "":
		upstream.WriteError(w, autherrors.NewUnsupportedGrantTypeError("grant_type is required"))
	default:
		upstream.WriteError(w, autherrors.NewUnsupportedGrantTypeError("Unsupported grant_type: "+grantType))
	}
}

func (h *Handler) exchangeCode(w http.ResponseWriter, r *http.Request) {
	req := upstream.TokenRequest{
		GrantType:    upstream.GrantTypeAuthorizationCode,
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
	}
	if req.Code == "" {
		upstream.WriteError(w, autherrors.NewInvalidRequestError("code is required", nil))
		return
	}

	for _, p := range h.providers.Ordered() {
		if p.HandleTokenExchange(w, r, req) {
			return
		}
	}
	upstream.WriteError(w, autherrors.NewInvalidGrantError("Invalid or expired authorization code", nil))
}

func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		upstream.WriteError(w, autherrors.NewInvalidRequestError("refresh_token is required", nil))
		return
	}

	info, err := h.tokens.GetTokenByRefreshToken(r.Context(), refreshToken)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		upstream.WriteErrorStatus(w, http.StatusUnauthorized,
			autherrors.NewInvalidGrantError("Invalid or expired refresh token", err))
		return
	case err != nil:
		upstream.WriteError(w, autherrors.NewStorageFailureError("failed to look up refresh token", err))
		return
	}

	for _, p := range h.providers.Ordered() {
		if p.Name() == info.Provider {
			p.HandleTokenRefresh(w, r)
			return
		}
	}
	logger.Warnw("refresh token belongs to a provider that is no longer configured", "provider", info.Provider)
	upstream.WriteErrorStatus(w, http.StatusUnauthorized,
		autherrors.NewInvalidGrantError("Invalid or expired refresh token", nil))
}

// authenticateClient checks client credentials when a registered client
// identifies itself. Requests without client_id are left to PKCE.
func (h *Handler) authenticateClient(r *http.Request) error {
	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if clientID == "" || h.clients == nil {
		return nil
	}

	client, err := h.clients.GetClient(r.Context(), clientID)
	if err != nil {
		return autherrors.NewError(errInvalidClient, "Client authentication failed", err)
	}
	if client.TokenEndpointAuthMethod == storage.AuthMethodNone {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) != 1 {
		return autherrors.NewError(errInvalidClient, "Client authentication failed", nil)
	}
	return nil
}
