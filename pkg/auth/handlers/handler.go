// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers exposes the upstream providers over HTTP: per-provider
// login, callback, refresh and logout routes, plus the shared token,
// revocation and client registration endpoints.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	autherrors "github.com/stacklok/authcore/pkg/errors"
)

// ProviderSource hands out the configured providers.
type ProviderSource interface {
	Get(t upstream.ProviderType) (upstream.Provider, bool)
	// Ordered returns providers in the order the token endpoint tries them.
	Ordered() []upstream.Provider
}

// Handler serves the authentication routes.
type Handler struct {
	providers ProviderSource
	tokens    storage.TokenStore
	clients   storage.ClientStore
	audit     audit.Sink
}

// Option configures a Handler.
type Option func(*Handler)

// WithClientStore enables dynamic client registration and checks
// client_id/redirect_uri pairs against registered clients.
func WithClientStore(clients storage.ClientStore) Option {
	return func(h *Handler) {
		h.clients = clients
	}
}

// WithAuditSink sets the sink for revocation and registration events.
func WithAuditSink(sink audit.Sink) Option {
	return func(h *Handler) {
		h.audit = sink
	}
}

// NewHandler creates a Handler. tokens resolves which provider issued a
// refresh token presented at the token endpoint.
func NewHandler(providers ProviderSource, tokens storage.TokenStore, opts ...Option) *Handler {
	h := &Handler{
		providers: providers,
		tokens:    tokens,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.audit = audit.OrNop(h.audit)
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", h.token)
		r.Post("/revoke", h.revoke)

		r.Route("/{provider}", func(r chi.Router) {
			r.Get("/", h.authorize)
			r.Get("/callback", h.withProvider(func(p upstream.Provider, w http.ResponseWriter, r *http.Request) {
				p.HandleAuthorizationCallback(w, r)
			}))
			r.Post("/refresh", h.withProvider(func(p upstream.Provider, w http.ResponseWriter, r *http.Request) {
				p.HandleTokenRefresh(w, r)
			}))
			r.Post("/logout", h.withProvider(func(p upstream.Provider, w http.ResponseWriter, r *http.Request) {
				p.HandleLogout(w, r)
			}))
		})
	})

	if h.clients != nil {
		r.Post("/register", h.register)
	}
}

func (h *Handler) lookup(r *http.Request) (upstream.Provider, bool) {
	return h.providers.Get(upstream.ProviderType(chi.URLParam(r, "provider")))
}

func (h *Handler) withProvider(fn func(upstream.Provider, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := h.lookup(r)
		if !ok {
			writeUnknownProvider(w, r)
			return
		}
		fn(p, w, r)
	}
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(r)
	if !ok {
		writeUnknownProvider(w, r)
		return
	}

	q := r.URL.Query()
	if clientID := q.Get("client_id"); clientID != "" && h.clients != nil {
		if err := h.checkClientRedirect(r, clientID, q.Get("redirect_uri")); err != nil {
			upstream.WriteError(w, err)
			return
		}
	}
	p.HandleAuthorizationRequest(w, r)
}

func writeUnknownProvider(w http.ResponseWriter, r *http.Request) {
	upstream.WriteErrorStatus(w, http.StatusNotFound,
		autherrors.NewInvalidRequestError("Unknown provider: "+chi.URLParam(r, "provider"), nil))
}

type healthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Providers: []string{}}
	for _, p := range h.providers.Ordered() {
		resp.Providers = append(resp.Providers, p.Name())
	}
	upstream.WriteJSON(w, http.StatusOK, resp)
}
