// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"crypto/rand"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/stacklok/authcore/pkg/audit"
	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// AuthorizationURL returns the identity provider URL for state, bound to
// verifier with an S256 challenge.
func (p *OAuthProvider) AuthorizationURL(state, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range p.strategy.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

// HandleAuthorizationRequest implements AuthorizationRequester.
//
// A client that wants the code delivered to itself passes redirect_uri,
// state and optionally code_challenge/code_challenge_method; they are kept
// in the session for the callback.
func (p *OAuthProvider) HandleAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	session, err := p.newSession(q)
	if err != nil {
		p.metrics.record(p.name, opAuthorize, err)
		WriteError(w, err)
		return
	}

	if err := p.store.StoreSession(ctx, session); err != nil {
		err = autherrors.NewStorageFailureError("failed to store authorization session", err)
		p.metrics.record(p.name, opAuthorize, err)
		WriteError(w, err)
		return
	}

	authURL := p.AuthorizationURL(session.State, session.CodeVerifier)

	p.metrics.record(p.name, opAuthorize, nil)
	p.emit(ctx, audit.EventTypeAuthorizationRequest, nil, nil)
	logger.Debugw("redirecting to identity provider", "provider", p.name, "client_redirect", session.ClientRedirectURI != "")

	SetNoCacheHeaders(w)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (p *OAuthProvider) newSession(q url.Values) (*storage.OAuthSession, error) {
	clientRedirect := q.Get("redirect_uri")
	if clientRedirect != "" {
		u, err := url.Parse(clientRedirect)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
			return nil, autherrors.NewInvalidRequestError("Invalid redirect_uri", err)
		}
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge != "" {
		if method == "" {
			method = pkce.ChallengeMethodPlain
		}
		if method != pkce.ChallengeMethodS256 && method != pkce.ChallengeMethodPlain {
			return nil, autherrors.NewInvalidRequestError("Unsupported code_challenge_method", nil)
		}
	} else if method != "" {
		return nil, autherrors.NewInvalidRequestError("code_challenge_method without code_challenge", nil)
	}

	verifier := pkce.GenerateVerifier()
	return &storage.OAuthSession{
		State:                     rand.Text(),
		CodeVerifier:              verifier,
		CodeChallenge:             pkce.ChallengeS256(verifier),
		RedirectURI:               p.oauth.RedirectURL,
		Scopes:                    p.oauth.Scopes,
		Provider:                  p.name,
		ExpiresAt:                 p.now().Add(p.config.SessionTTL).UnixMilli(),
		ClientRedirectURI:         clientRedirect,
		ClientState:               q.Get("state"),
		ClientCodeChallenge:       challenge,
		ClientCodeChallengeMethod: methodIf(challenge, method),
	}, nil
}

func methodIf(challenge, method string) string {
	if challenge == "" {
		return ""
	}
	return method
}

// HandleAuthorizationCallback implements CallbackHandler.
func (p *OAuthProvider) HandleAuthorizationCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		logger.Warnw("identity provider returned an error",
			"provider", p.name,
			"error", upstreamErr,
			"error_description", q.Get("error_description"),
		)
		err := autherrors.NewAuthorizationFailedError("Authorization failed", errors.New(upstreamErr))
		p.metrics.record(p.name, opCallback, err)
		p.emit(ctx, audit.EventTypeLogin, err, nil)

		if state != "" {
			if session, serr := p.store.GetAndDeleteSession(ctx, state); serr == nil && session.ClientRedirectURI != "" {
				p.redirectToClient(w, r, session, url.Values{"error": {"access_denied"}})
				return
			}
		}
		WriteError(w, err)
		return
	}

	if code == "" || state == "" {
		err := autherrors.NewInvalidRequestError("Missing code or state parameter", nil)
		p.metrics.record(p.name, opCallback, err)
		WriteError(w, err)
		return
	}

	session, err := p.store.GetAndDeleteSession(ctx, state)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = autherrors.NewInvalidRequestError("Invalid or expired state", err)
	case err != nil:
		err = autherrors.NewStorageFailureError("failed to load authorization session", err)
	case session.Provider != p.name:
		err = autherrors.NewInvalidRequestError("Invalid or expired state", nil)
	}
	if err != nil {
		p.metrics.record(p.name, opCallback, err)
		WriteError(w, err)
		return
	}

	if session.ClientRedirectURI != "" {
		data := &pkce.Data{
			CodeVerifier:              session.CodeVerifier,
			State:                     session.ClientState,
			RedirectURI:               session.ClientRedirectURI,
			ClientCodeChallenge:       session.ClientCodeChallenge,
			ClientCodeChallengeMethod: session.ClientCodeChallengeMethod,
		}
		if err := p.pkceStore.StoreCodeVerifier(ctx, pkce.Key(p.namespace, code), data, p.config.PKCETTL); err != nil {
			err = autherrors.NewStorageFailureError("failed to store code verifier", err)
			p.metrics.record(p.name, opCallback, err)
			WriteError(w, err)
			return
		}
		p.metrics.record(p.name, opCallback, nil)
		p.redirectToClient(w, r, session, url.Values{"code": {code}})
		return
	}

	info, err := p.exchange(ctx, code, session.CodeVerifier, session.Scopes)
	p.metrics.record(p.name, opCallback, err)
	p.emitLogin(ctx, info, err)
	if err != nil {
		WriteError(w, err)
		return
	}
	p.writeToken(w, info)
}

// redirectToClient sends the browser back to the client that started the
// flow, echoing its state.
func (p *OAuthProvider) redirectToClient(w http.ResponseWriter, r *http.Request, session *storage.OAuthSession, params url.Values) {
	target, err := url.Parse(session.ClientRedirectURI)
	if err != nil {
		WriteError(w, autherrors.NewInvalidRequestError("Invalid redirect_uri", err))
		return
	}
	q := target.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	if session.ClientState != "" {
		q.Set("state", session.ClientState)
	}
	target.RawQuery = q.Encode()

	SetNoCacheHeaders(w)
	http.Redirect(w, r, target.String(), http.StatusFound)
}
