// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{name: "https", uri: "https://app.example.com/callback"},
		{name: "https with query", uri: "https://app.example.com/callback?tenant=a"},
		{name: "http localhost", uri: "http://localhost:8080/callback"},
		{name: "http loopback ipv4", uri: "http://127.0.0.1:49152/cb"},
		{name: "http loopback ipv6", uri: "http://[::1]:49152/cb"},
		{name: "private-use scheme", uri: "com.example.app:/oauth2redirect"},
		{name: "http remote", uri: "http://app.example.com/callback", wantErr: true},
		{name: "relative", uri: "/callback", wantErr: true},
		{name: "fragment", uri: "https://app.example.com/cb#frag", wantErr: true},
		{name: "javascript", uri: "javascript:alert(1)", wantErr: true},
		{name: "https without host", uri: "https:///cb", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRedirectURI(tt.uri)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRedirectURI)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOIDCDiscoveryDocument_JSON(t *testing.T) {
	t.Parallel()

	doc := OIDCDiscoveryDocument{
		AuthorizationServerMetadata: AuthorizationServerMetadata{
			Issuer:                 "https://idp.example.test",
			JWKSURI:                "https://idp.example.test" + WellKnownJWKSPath,
			ResponseTypesSupported: []string{ResponseTypeCode},
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"ES256"},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "https://idp.example.test", flat["issuer"])
	assert.Equal(t, "https://idp.example.test/.well-known/jwks.json", flat["jwks_uri"])
	assert.NotContains(t, flat, "registration_endpoint")
}

func TestDiscoveryURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://idp.example.test/.well-known/openid-configuration", DiscoveryURL("https://idp.example.test/"))
	assert.Equal(t, "https://idp.example.test/t1/.well-known/openid-configuration", DiscoveryURL("https://idp.example.test/t1"))
}

func TestMatchRedirectURI(t *testing.T) {
	t.Parallel()

	registered := []string{
		"https://app.example.com/cb",
		"http://127.0.0.1/callback",
		"http://[::1]:8000/callback",
		"http://localhost:5173/callback",
	}

	tests := []struct {
		name      string
		requested string
		want      bool
	}{
		{name: "exact https", requested: "https://app.example.com/cb", want: true},
		{name: "https different path", requested: "https://app.example.com/other", want: false},
		{name: "loopback v4 any port", requested: "http://127.0.0.1:49152/callback", want: true},
		{name: "loopback v4 no port", requested: "http://127.0.0.1/callback", want: true},
		{name: "loopback v6 other port", requested: "http://[::1]:9999/callback", want: true},
		{name: "loopback wrong path", requested: "http://127.0.0.1:49152/other", want: false},
		{name: "loopback extra query", requested: "http://127.0.0.1:49152/callback?x=1", want: false},
		{name: "localhost exact", requested: "http://localhost:5173/callback", want: true},
		{name: "localhost other port", requested: "http://localhost:5174/callback", want: false},
		{name: "https loopback port ignored only for http", requested: "https://127.0.0.1:8443/callback", want: false},
		{name: "different loopback address", requested: "http://127.0.0.2:1234/callback", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchRedirectURI(registered, tt.requested))
		})
	}
}
