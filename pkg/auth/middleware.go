// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/oidcd/pkg/logger"
)

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}

// buildWWWAuthenticate builds an RFC 6750 challenge. The error attribute is
// omitted when no token was presented.
func (v *TokenValidator) buildWWWAuthenticate(includeError bool) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, EscapeQuotes(v.issuer))}
	if v.resourceURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(v.resourceURL)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Middleware rejects requests without a valid bearer token and stores the
// Identity in the request context. The response never says which check failed.
func (v *TokenValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(false))
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		identity, err := v.Authenticate(r.Context(), raw)
		if err != nil {
			if errors.Is(err, ErrFetchFailed) {
				logger.Warnw("cannot verify bearer token", "error", err)
				writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
				return
			}
			logger.Debugw("bearer token rejected", "result", ResultOf(err), "error", err)
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(true))
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, raw, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// ProtectedResourceMetadata is the RFC 9728 OAuth protected resource metadata.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// AuthInfoHandler serves the protected resource metadata. It returns 404 when
// no resource URL is configured.
func (v *TokenValidator) AuthInfoHandler(scopes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if v.resourceURL == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		supported := scopes
		if len(supported) == 0 {
			supported = []string{"openid"}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:               v.resourceURL,
			AuthorizationServers:   []string{v.issuer},
			BearerMethodsSupported: []string{"header"},
			JWKSURI:                v.jwksURL,
			ScopesSupported:        supported,
		}); err != nil {
			logger.Errorf("Failed to encode protected resource metadata: %v", err)
		}
	})
}
