// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/oauth"
)

// Route paths.
const (
	AuthorizePath     = "/auth"
	InteractionPath   = "/interaction"
	TokenPath         = "/token"
	UserInfoPath      = "/userinfo"
	IntrospectionPath = "/token/introspection"
	RevocationPath    = "/token/revocation"
	HealthPath        = "/health"
)

// DefaultJWKSMaxAge is the default Cache-Control max-age of the JWKS endpoint.
// It bounds how long relying parties keep a retired key set.
const DefaultJWKSMaxAge = 15 * time.Minute

// KeySource publishes the provider's verification keys.
type KeySource interface {
	PublicJWKS(ctx context.Context) (jose.JSONWebKeySet, error)
}

// Options tune the HTTP layer.
type Options struct {
	// JWKSMaxAge is advertised in the JWKS Cache-Control header.
	JWKSMaxAge time.Duration
	// SecureCookies marks session and interaction cookies Secure.
	SecureCookies bool
	// ScopesSupported is published in discovery.
	ScopesSupported []string
}

// Handler provides HTTP handlers for the provider endpoints.
type Handler struct {
	provider *flow.Provider
	keys     KeySource
	opts     Options
	pages    *pages
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(provider *flow.Provider, keys KeySource, opts Options) *Handler {
	if opts.JWKSMaxAge <= 0 {
		opts.JWKSMaxAge = DefaultJWKSMaxAge
	}
	if len(opts.ScopesSupported) == 0 {
		opts.ScopesSupported = []string{flow.ScopeOpenID, "email", "profile"}
	}
	return &Handler{
		provider: provider,
		keys:     keys,
		opts:     opts,
		pages:    mustParsePages(),
	}
}

// Routes returns a router with all endpoints registered. mws wrap every route.
func (h *Handler) Routes(mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(mws...)
	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)
	h.InteractionRoutes(r)
	r.Get(HealthPath, h.HealthHandler)
	return r
}

// OAuthRoutes registers the protocol endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(AuthorizePath, h.AuthorizeHandler)
	r.Post(AuthorizePath, h.AuthorizeHandler)
	r.Post(TokenPath, h.TokenHandler)
	r.Get(UserInfoPath, h.UserInfoHandler)
	r.Post(UserInfoPath, h.UserInfoHandler)
	r.Post(IntrospectionPath, h.IntrospectionHandler)
	r.Post(RevocationPath, h.RevocationHandler)
}

// InteractionRoutes registers the login and consent pages.
func (h *Handler) InteractionRoutes(r chi.Router) {
	r.Route(InteractionPath+"/{uid}", func(r chi.Router) {
		r.Get("/", h.InteractionHandler)
		r.Post("/login", h.LoginHandler)
		r.Post("/consent", h.ConsentHandler)
		r.Post("/abort", h.AbortHandler)
	})
}

// WellKnownRoutes registers well-known endpoints (JWKS, OAuth/OIDC discovery) on the provided router.
// Both discovery endpoints are registered, with both supported for maximum interoperability:
// - /.well-known/oauth-authorization-server (RFC 8414) for OAuth-only clients
// - /.well-known/openid-configuration (OIDC Discovery 1.0) for OIDC clients
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(oauth.WellKnownJWKSPath, h.JWKSHandler)
	r.Get(oauth.WellKnownOAuthServerPath, h.OAuthDiscoveryHandler)
	r.Get(oauth.WellKnownOIDCPath, h.OIDCDiscoveryHandler)
}

// HealthHandler reports whether the storage backend is reachable.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.provider.Storage().Health(ctx); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}
