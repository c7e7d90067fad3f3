// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import "strings"

// Well-known paths.
const (
	WellKnownOIDCPath          = "/.well-known/openid-configuration"
	WellKnownOAuthServerPath   = "/.well-known/oauth-authorization-server"
	WellKnownOAuthResourcePath = "/.well-known/oauth-protected-resource"
	WellKnownJWKSPath          = "/.well-known/jwks.json"
)

// Protocol values used in metadata and requests.
const (
	ResponseTypeCode = "code"

	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// AuthorizationServerMetadata is the RFC 8414 authorization server metadata.
type AuthorizationServerMetadata struct {
	// REQUIRED
	Issuer string `json:"issuer"`

	// RECOMMENDED
	AuthorizationEndpoint  string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint          string   `json:"token_endpoint,omitempty"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint   string   `json:"registration_endpoint,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported"`

	// OPTIONAL
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	AuthorizationResponseIssParameter bool     `json:"authorization_response_iss_parameter_supported,omitempty"`
}

// OIDCDiscoveryDocument is the OpenID Connect Discovery 1.0 provider metadata.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata

	UserinfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported,omitempty"`
}

// DiscoveryURL returns the OIDC discovery URL for issuer.
func DiscoveryURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + WellKnownOIDCPath
}
