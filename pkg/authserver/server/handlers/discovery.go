// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oauth"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery
// endpoints, in seconds.
const DefaultDiscoveryCacheMaxAge = 3600

// signingAlgorithms extracts the signing algorithms from the JWKS keys.
// If no keys are available, it falls back to RS256 per OIDC Core Section 15.1.
func signingAlgorithms(set jose.JSONWebKeySet) []string {
	seen := make(map[string]bool)
	var algs []string
	for _, key := range set.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the active and retained public keys used for verifying JWTs.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicJWKS(r.Context())
	if err != nil {
		logger.Errorw("failed to load public JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.opts.JWKSMaxAge.Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	writeJSON(w, http.StatusOK, set)
}

// buildOAuthMetadata constructs the RFC 8414 metadata shared by both
// discovery endpoints.
func (h *Handler) buildOAuthMetadata() oauth.AuthorizationServerMetadata {
	issuer := strings.TrimSuffix(h.provider.Issuer(), "/")

	return oauth.AuthorizationServerMetadata{
		Issuer: issuer,

		AuthorizationEndpoint:  issuer + AuthorizePath,
		TokenEndpoint:          issuer + TokenPath,
		JWKSURI:                issuer + oauth.WellKnownJWKSPath,
		ScopesSupported:        h.opts.ScopesSupported,
		ResponseTypesSupported: []string{oauth.ResponseTypeCode},

		GrantTypesSupported: []string{
			flow.GrantTypeAuthorizationCode,
			flow.GrantTypeRefreshToken,
			flow.GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{
			oauth.TokenEndpointAuthMethodBasic,
			oauth.TokenEndpointAuthMethodPost,
			oauth.TokenEndpointAuthMethodNone,
		},
		IntrospectionEndpoint:             issuer + IntrospectionPath,
		RevocationEndpoint:                issuer + RevocationPath,
		CodeChallengeMethodsSupported:     []string{crypto.PKCEChallengeMethodS256},
		AuthorizationResponseIssParameter: true,
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
// It returns the OAuth 2.0 Authorization Server Metadata per RFC 8414.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeDiscovery(w, h.buildOAuthMetadata())
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
// This extends the RFC 8414 metadata with OIDC-specific fields.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicJWKS(r.Context())
	if err != nil {
		logger.Errorw("failed to load public JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	meta := h.buildOAuthMetadata()
	writeDiscovery(w, oauth.OIDCDiscoveryDocument{
		AuthorizationServerMetadata:      meta,
		UserinfoEndpoint:                 meta.Issuer + UserInfoPath,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: signingAlgorithms(set),
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"email", "email_verified", "name",
		},
	})
}

func writeDiscovery(w http.ResponseWriter, doc any) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	writeJSON(w, http.StatusOK, doc)
}
