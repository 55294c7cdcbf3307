// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// Registration error codes (RFC 7591 section 3.2.2).
const (
	errInvalidRedirectURI    = "invalid_redirect_uri"
	errInvalidClientMetadata = "invalid_client_metadata"
	errInvalidClient         = "invalid_client"
)

// Registration limits.
const (
	MaxRedirectURICount = 10
	MaxClientNameLength = 256
	maxRegisterBody     = 64 << 10
)

const (
	authMethodSecretBasic = "client_secret_basic"
	authMethodSecretPost  = "client_secret_post"
)

var (
	allowedAuthMethods   = []string{storage.AuthMethodNone, authMethodSecretBasic, authMethodSecretPost}
	defaultGrantTypes    = []string{upstream.GrantTypeAuthorizationCode, upstream.GrantTypeRefreshToken}
	allowedGrantTypes    = []string{upstream.GrantTypeAuthorizationCode, upstream.GrantTypeRefreshToken}
	defaultResponseTypes = []string{"code"}
)

// RegistrationRequest is the accepted subset of RFC 7591 client metadata.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// registrationError is returned by ValidateRegistration.
type registrationError struct {
	Code        string
	Description string
}

func (e *registrationError) Error() string {
	return e.Code + ": " + e.Description
}

func invalidMetadata(format string, args ...any) *registrationError {
	return &registrationError{Code: errInvalidClientMetadata, Description: fmt.Sprintf(format, args...)}
}

// ValidateRegistration checks req and returns client metadata with defaults
// applied. Public clients (auth method "none") are the default.
func ValidateRegistration(req *RegistrationRequest) (*storage.ClientMetadata, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, &registrationError{Code: errInvalidRedirectURI, Description: "redirect_uris is required"}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &registrationError{
			Code:        errInvalidRedirectURI,
			Description: fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount),
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, &registrationError{Code: errInvalidRedirectURI, Description: err.Error()}
		}
	}
	if len(req.ClientName) > MaxClientNameLength {
		return nil, invalidMetadata("client_name too long (maximum %d characters)", MaxClientNameLength)
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = storage.AuthMethodNone
	}
	if !slices.Contains(allowedAuthMethods, authMethod) {
		return nil, invalidMetadata("unsupported token_endpoint_auth_method: %s", authMethod)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	if !slices.Contains(grantTypes, upstream.GrantTypeAuthorizationCode) {
		return nil, invalidMetadata("grant_types must include '%s'", upstream.GrantTypeAuthorizationCode)
	}
	for _, gt := range grantTypes {
		if !slices.Contains(allowedGrantTypes, gt) {
			return nil, invalidMetadata("unsupported grant_type: %s", gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, invalidMetadata("unsupported response_type: %s", rt)
		}
	}

	return &storage.ClientMetadata{
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              slices.Clone(grantTypes),
		ResponseTypes:           slices.Clone(responseTypes),
	}, nil
}

// ValidateRedirectURI accepts https URIs and http URIs on a loopback host
// (RFC 8252 section 7.3). Fragments are never allowed.
func ValidateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect_uri %q must be an absolute URL", uri)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", uri)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri %q: http is only allowed for loopback addresses", uri)
	default:
		return fmt.Errorf("redirect_uri %q: unsupported scheme %q", uri, u.Scheme)
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		writeRegistrationError(w, invalidMetadata("invalid JSON request body"))
		return
	}

	md, err := ValidateRegistration(&req)
	if err != nil {
		writeRegistrationError(w, err)
		return
	}

	client, err := h.clients.RegisterClient(ctx, md)
	if err != nil {
		if errors.Is(err, storage.ErrMaxClientsReached) {
			writeRegistrationError(w, invalidMetadata("client registration limit reached"))
			return
		}
		upstream.WriteError(w, autherrors.NewStorageFailureError("failed to register client", err))
		return
	}

	logger.Infow("registered client", "client_id", client.ClientID, "client_name", client.ClientName)
	event := audit.NewEvent(audit.EventTypeClientRegistration, audit.OutcomeSuccess)
	event.Extra = map[string]string{"client_id": client.ClientID}
	h.audit.Emit(ctx, event)

	upstream.SetNoCacheHeaders(w)
	upstream.WriteJSON(w, http.StatusCreated, client)
}

func writeRegistrationError(w http.ResponseWriter, err error) {
	var regErr *registrationError
	if !errors.As(err, &regErr) {
		regErr = invalidMetadata("%s", err.Error())
	}
	upstream.WriteJSON(w, http.StatusBadRequest, upstream.ErrorResponse{
		Error:            regErr.Code,
		ErrorDescription: regErr.Description,
	})
}

// checkClientRedirect rejects an authorization request whose redirect_uri
// was not registered for client_id.
func (h *Handler) checkClientRedirect(r *http.Request, clientID, redirectURI string) error {
	client, err := h.clients.GetClient(r.Context(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return autherrors.NewInvalidRequestError("Unknown client_id", err)
	}
	if err != nil {
		return autherrors.NewStorageFailureError("failed to load client", err)
	}
	if redirectURI == "" {
		return autherrors.NewInvalidRequestError("redirect_uri is required for registered clients", nil)
	}
	for _, registered := range client.RedirectURIs {
		if matchesRedirectURI(redirectURI, registered) {
			return nil
		}
	}
	return autherrors.NewInvalidRequestError("redirect_uri is not registered for this client", nil)
}

// matchesRedirectURI compares exactly, except that loopback URIs may use
// any port (RFC 8252 section 7.3).
func matchesRedirectURI(requested, registered string) bool {
	if requested == registered {
		return true
	}
	req, err := url.Parse(requested)
	if err != nil {
		return false
	}
	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	if req.Scheme != "http" || reg.Scheme != "http" {
		return false
	}
	if !isLoopbackHost(req.Hostname()) || !hostnamesMatch(req.Hostname(), reg.Hostname()) {
		return false
	}
	return req.Path == reg.Path && req.RawQuery == reg.RawQuery
}

func isLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// hostnamesMatch treats localhost case-insensitively; 127.0.0.1 and
// localhost are different hosts.
func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}
