// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/auth/upstream"
	autherrors "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/transport/session"
)

const (
	// maxRequestBodySize bounds every request body.
	maxRequestBodySize = 1 << 20

	mcpSessionIDHeader = "Mcp-Session-Id"
)

// requestBodySizeLimitMiddleware rejects bodies larger than maxSize with 413.
// Declared lengths are checked up front; chunked or misreported bodies are
// cut off by http.MaxBytesReader and the handler's response is rewritten.
func requestBodySizeLimitMiddleware(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(&bodySizeResponseWriter{ResponseWriter: w, request: r}, r)
		})
	}
}

// bodySizeResponseWriter turns a 400 written after the body limit was hit
// into a 413.
type bodySizeResponseWriter struct {
	http.ResponseWriter
	request *http.Request
	wrote   bool
}

func (w *bodySizeResponseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	if status == http.StatusBadRequest && bodyLimitExceeded(w.request) {
		status = http.StatusRequestEntityTooLarge
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *bodySizeResponseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *bodySizeResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *bodySizeResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// bodyLimitExceeded reports whether reading r.Body hit the MaxBytesReader limit.
func bodyLimitExceeded(r *http.Request) bool {
	var buf [1]byte
	_, err := r.Body.Read(buf[:])
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// sessionAuthMiddleware binds the caller's access token to its protocol
// session. Requests without a bearer token pass through unauthenticated; an
// unknown or expired token is rejected with 401. A session created by this
// very request (initialize) is bound once the transport assigns its ID.
func sessionAuthMiddleware(tokens storage.TokenStore, sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			info, err := tokens.GetToken(r.Context(), token)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					upstream.WriteError(w, autherrors.NewStorageFailureError("failed to look up token", err))
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				upstream.WriteError(w, autherrors.NewInvalidTokenError("Invalid or expired access token", err))
				return
			}

			if id := r.Header.Get(mcpSessionIDHeader); id != "" {
				bindSession(r, sessions, id, info)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(&bindingResponseWriter{ResponseWriter: w, request: r, sessions: sessions, info: info}, r)
		})
	}
}

// bindSession attaches info to an existing session. Unknown sessions are left
// for the transport to reject.
func bindSession(r *http.Request, sessions *session.Manager, id string, info *storage.TokenInfo) {
	inst, err := sessions.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) && !errors.Is(err, session.ErrSessionTerminated) {
			logger.Warnw("failed to load session for binding", "session_id", id, "error", err)
		}
		return
	}
	if current := inst.AuthInfo(); current != nil && current.AccessToken == info.AccessToken {
		return
	}
	if _, err := sessions.GetOrRecreateInstance(r.Context(), id, info); err != nil {
		logger.Warnw("failed to bind token to session", "session_id", id, "error", err)
	}
}

// bindingResponseWriter binds the token to the session ID the transport
// announces in its response headers.
type bindingResponseWriter struct {
	http.ResponseWriter
	request  *http.Request
	sessions *session.Manager
	info     *storage.TokenInfo
	once     sync.Once
}

func (w *bindingResponseWriter) bind() {
	w.once.Do(func() {
		if id := w.Header().Get(mcpSessionIDHeader); id != "" {
			bindSession(w.request, w.sessions, id, w.info)
		}
	})
}

func (w *bindingResponseWriter) WriteHeader(status int) {
	w.bind()
	w.ResponseWriter.WriteHeader(status)
}

func (w *bindingResponseWriter) Write(b []byte) (int, error) {
	w.bind()
	return w.ResponseWriter.Write(b)
}

func (w *bindingResponseWriter) Flush() {
	w.bind()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *bindingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
