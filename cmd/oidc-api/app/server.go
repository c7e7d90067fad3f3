// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcd/pkg/auth"
	"github.com/stacklok/oidcd/pkg/oauth"
)

const middlewareTimeout = 30 * time.Second

// advertisedScopes are listed in the protected resource metadata.
var advertisedScopes = []string{"openid", "email", "profile"}

var (
	errNoIdentity        = httperr.WithCode(errors.New("no authenticated identity"), http.StatusUnauthorized)
	errInsufficientScope = httperr.WithCode(errors.New("insufficient_scope"), http.StatusForbidden)
)

// NewRouter builds the resource server routes. Everything under /api requires
// a bearer token accepted by v.
func NewRouter(v *auth.TokenValidator, mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)
	r.Use(mws...)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	meta := v.AuthInfoHandler(advertisedScopes)
	r.Method(http.MethodGet, oauth.WellKnownOAuthResourcePath, meta)
	r.Method(http.MethodOptions, oauth.WellKnownOAuthResourcePath, meta)

	r.Route("/api", func(r chi.Router) {
		r.Use(v.Middleware)
		r.Get("/protected", ErrorHandler(protected))
		r.Get("/profile", ErrorHandler(profile))
	})
	return r
}

type protectedResponse struct {
	Message string         `json:"message"`
	User    *auth.Identity `json:"user"`
}

func protected(w http.ResponseWriter, r *http.Request) error {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return errNoIdentity
	}
	writeJSON(w, http.StatusOK, protectedResponse{Message: "This is a protected resource", User: id})
	return nil
}

type profileResponse struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

func profile(w http.ResponseWriter, r *http.Request) error {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return errNoIdentity
	}
	if !id.HasScope("openid") {
		return errInsufficientScope
	}
	writeJSON(w, http.StatusOK, profileResponse{ID: id.Subject, Email: id.Email, Name: id.Name})
	return nil
}
